// Package capture runs the two producers of a recording session: the screen
// capturer and the loopback audio capturer. Each owns one device source,
// stamps what it reads with the session clock and pushes it onto its
// drop-oldest queue.
package capture

import (
	"errors"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

var (
	// ErrFrameTimeout means no new desktop image arrived before the timeout.
	ErrFrameTimeout = errors.New("capture: no new frame before timeout")
	// ErrDeviceLost means the device was invalidated and must be reopened.
	ErrDeviceLost = errors.New("capture: device lost")
	// ErrUnsupported means no native backend exists on this platform.
	ErrUnsupported = errors.New("capture: backend not supported on this platform")
	ErrNotOpen     = errors.New("capture: source not open")
	ErrStarted     = errors.New("capture: already started")
)

// ScreenSource is one desktop image provider.
type ScreenSource interface {
	Name() string
	Open() error
	// Acquire blocks up to timeout for a new desktop image. It returns
	// ErrFrameTimeout when the desktop did not change and ErrDeviceLost
	// when the source must be closed and reopened.
	Acquire(timeout time.Duration) (*media.VideoFrame, error)
	// Bounds returns the native image size; valid after Open.
	Bounds() (width, height int)
	Close() error
}

// Format describes interleaved float32 audio.
type Format struct {
	SampleRate int
	Channels   int
}

// Packet is one endpoint buffer converted to interleaved float32.
// Data is nil for silent packets.
type Packet struct {
	Data   []byte
	Frames int
	Silent bool
}

// AudioSource is one loopback audio provider.
type AudioSource interface {
	Name() string
	Open() (Format, error)
	// Read returns every packet currently ready, possibly none. ErrDeviceLost
	// is recoverable by reopening; any other error ends capture.
	Read() ([]Packet, error)
	Close() error
}

// Options bounds the producers' blocking and recovery behaviour.
type Options struct {
	AcquireTimeout         time.Duration
	MaxRecoveries          int
	RecoveryBackoff        time.Duration
	MaxConsecutiveFailures int
	RetryDelay             time.Duration
	AudioPollInterval      time.Duration
}

// DefaultOptions returns the production values.
func DefaultOptions() Options {
	return Options{
		AcquireTimeout:         100 * time.Millisecond,
		MaxRecoveries:          5,
		RecoveryBackoff:        200 * time.Millisecond,
		MaxConsecutiveFailures: 10,
		RetryDelay:             10 * time.Millisecond,
		AudioPollInterval:      10 * time.Millisecond,
	}
}

// OptionsFromConfig maps the capture config section onto Options.
func OptionsFromConfig(c config.CaptureConfig) Options {
	return Options{
		AcquireTimeout:         c.AcquireTimeout,
		MaxRecoveries:          c.MaxRecoveries,
		RecoveryBackoff:        c.RecoveryBackoff,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		RetryDelay:             c.RetryDelay,
		AudioPollInterval:      c.AudioPollInterval,
	}
}

// Backends lists the native capture backends compiled for this platform.
func Backends() []string {
	return platformBackends()
}

// NewScreenSource returns the native desktop source for display, or the
// synthetic one when synthetic is set.
func NewScreenSource(display int, synthetic bool) (ScreenSource, error) {
	if synthetic {
		return NewSyntheticScreen(1280, 720), nil
	}
	return newPlatformScreen(display)
}

// NewAudioSource returns the native loopback source, or the synthetic tone
// when synthetic is set.
func NewAudioSource(synthetic bool) (AudioSource, error) {
	if synthetic {
		return NewSyntheticAudio(48000, 2, 440), nil
	}
	return newPlatformAudio()
}

// sleepOrStop waits d and reports false if stop closed first.
func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
