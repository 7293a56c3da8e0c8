// Package secmem holds credentials that must never reach logs or status
// payloads in plaintext.
package secmem

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
)

const redacted = "[REDACTED]"

// Secret is a byte-backed credential. Every formatting and marshalling path
// prints [REDACTED]; Zero wipes the bytes on a best-effort basis since the GC
// may have copied them.
type Secret struct {
	mu   sync.Mutex
	data []byte
}

// New returns a Secret holding s. An empty s gives an empty Secret.
func New(s string) *Secret {
	return &Secret{data: []byte(s)}
}

// Empty reports whether no value is held. A nil Secret is empty.
func (s *Secret) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

// Equal compares candidate against the held value in constant time. It is
// false once the secret has been zeroed.
func (s *Secret) Equal(candidate string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, []byte(candidate)) == 1
}

// Reveal returns the plaintext, or "" for a nil or zeroed Secret.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

// Zero overwrites the held bytes.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.data = nil
}

func (s *Secret) String() string               { return redacted }
func (s *Secret) GoString() string             { return redacted }
func (s *Secret) Format(f fmt.State, _ rune)   { fmt.Fprint(f, redacted) }
func (s *Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }
func (s *Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }
func (s *Secret) UnmarshalJSON(data []byte) error {
	return fmt.Errorf("secmem: cannot decode into Secret")
}
