package control

import (
	"sync"
	"time"
)

// rateLimiter limits connection attempts per remote host over a sliding
// window. In-memory only; the endpoint is loopback.
type rateLimiter struct {
	maxAttempts int
	window      time.Duration
	mu          sync.Mutex
	attempts    map[string][]time.Time
}

func newRateLimiter(maxAttempts int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
	}
}

// Allow records an attempt from host and reports whether it is within the limit.
func (r *rateLimiter) Allow(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	existing := r.attempts[host]
	pruned := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxAttempts {
		r.attempts[host] = pruned
		return false
	}
	r.attempts[host] = append(pruned, now)
	return true
}
