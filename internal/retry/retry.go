// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/logging"
)

var log = logging.L("retry")

// Config controls the retry behavior.
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultConfig returns the values used for archive uploads.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
		JitterFrac:    0.2,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, ctx ends, or
// cfg.MaxAttempts is reached. It returns the number of attempts made and the
// last error.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) (int, error) {
	attempts := max(cfg.MaxAttempts, 1)
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			jittered := applyJitter(delay, cfg.JitterFrac)
			log.Debug("retrying", "op", op, "attempt", attempt, "delay", jittered)
			t := time.NewTimer(jittered)
			select {
			case <-ctx.Done():
				t.Stop()
				return attempt - 1, errors.Join(lastErr, ctx.Err())
			case <-t.C:
			}

			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return attempt, p.err
		}
		lastErr = err
		if ctx.Err() != nil {
			return attempt, err
		}
		log.Warn("attempt failed", "op", op, "attempt", attempt, logging.KeyError, err)
	}

	log.Warn("all retries exhausted", "op", op, "attempts", attempts, logging.KeyError, lastErr)
	return attempts, lastErr
}

// applyJitter adds ±frac random jitter to a duration.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
