package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

var log = logging.L("capture")

const screenLogEvery = 120

// ScreenConfig wires a ScreenCapturer to its session.
type ScreenConfig struct {
	Source ScreenSource
	Clock  *media.Clock
	Queue  *media.FrameQueue
	// Width and Height fix the output geometry; zero means the source's
	// native size rounded down to even.
	Width   int
	Height  int
	FPS     int
	Options Options
	// OnFatal runs on the capture goroutine after an unrecoverable failure.
	// It must not wait for Stop.
	OnFatal func(error)
	Logger  *slog.Logger
}

// ScreenStats is a snapshot of the capturer's counters.
type ScreenStats struct {
	Captured   uint64 `json:"captured"`
	Repeated   uint64 `json:"repeated"`
	Recoveries uint64 `json:"recoveries"`
	Failures   uint64 `json:"failures"`
	// Error is the failure that ended capture.
	Error string `json:"error,omitempty"`
}

// ScreenCapturer paces desktop acquisition at the session frame rate. When
// the desktop does not change within a frame slot the previous image is
// re-emitted with a fresh tick, so a static screen still advances the video
// timeline.
type ScreenCapturer struct {
	cfg      ScreenConfig
	log      *slog.Logger
	interval time.Duration
	scaler   *media.Scaler
	width    int
	height   int
	srcOpen  bool

	begin     chan struct{}
	stop      chan struct{}
	done      chan struct{}
	beginOnce sync.Once
	stopOnce  sync.Once
	opened    atomic.Bool

	mu  sync.Mutex
	err error

	captured   atomic.Uint64
	repeated   atomic.Uint64
	recoveries atomic.Uint64
	failures   atomic.Uint64
}

// NewScreenCapturer returns an idle capturer. Call Open, then Start.
func NewScreenCapturer(cfg ScreenConfig) *ScreenCapturer {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	def := DefaultOptions()
	if cfg.Options.AcquireTimeout <= 0 {
		cfg.Options.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.Options.MaxConsecutiveFailures <= 0 {
		cfg.Options.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	l := cfg.Logger
	if l == nil {
		l = log
	}
	return &ScreenCapturer{
		cfg:      cfg,
		log:      l.With("source", cfg.Source.Name()),
		interval: time.Second / time.Duration(cfg.FPS),
		begin:    make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Open starts the capture goroutine, opens the source on it and returns the
// output geometry. Frames flow only after Start.
func (s *ScreenCapturer) Open() (width, height int, err error) {
	if !s.opened.CompareAndSwap(false, true) {
		return 0, 0, ErrStarted
	}
	ready := make(chan error, 1)
	go s.run(ready)
	if err := <-ready; err != nil {
		<-s.done
		return 0, 0, err
	}
	return s.width, s.height, nil
}

// Start releases the capture loop.
func (s *ScreenCapturer) Start() {
	s.beginOnce.Do(func() { close(s.begin) })
}

// Stop requests the loop to exit and waits for it. The source is closed on
// the capture goroutine. Safe to call more than once.
func (s *ScreenCapturer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.opened.Load() {
		<-s.done
	}
}

// Err returns the failure that ended capture, if any.
func (s *ScreenCapturer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ScreenCapturer) Stats() ScreenStats {
	return ScreenStats{
		Captured:   s.captured.Load(),
		Repeated:   s.repeated.Load(),
		Recoveries: s.recoveries.Load(),
		Failures:   s.failures.Load(),
		Error:      errString(s.Err()),
	}
}

func (s *ScreenCapturer) run(ready chan<- error) {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	signalled := false
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("screen capture panic: %v", r)
			if !signalled {
				ready <- err
				return
			}
			s.fail(err)
		}
	}()
	defer s.closeSource()

	if err := s.cfg.Source.Open(); err != nil {
		signalled = true
		ready <- fmt.Errorf("open %s: %w", s.cfg.Source.Name(), err)
		return
	}
	s.srcOpen = true

	s.width, s.height = s.cfg.Width, s.cfg.Height
	if s.width <= 0 || s.height <= 0 {
		w, h := s.cfg.Source.Bounds()
		s.width, s.height = w&^1, h&^1
	}
	if s.width <= 0 || s.height <= 0 {
		signalled = true
		ready <- fmt.Errorf("%w: source geometry %dx%d", media.ErrInvalidFrame, s.width, s.height)
		return
	}
	s.scaler = media.NewScaler(s.width, s.height)
	s.log.Info("screen source opened", "width", s.width, "height", s.height, "fps", s.cfg.FPS)
	signalled = true
	ready <- nil

	select {
	case <-s.begin:
	case <-s.stop:
		return
	}
	s.loop()
}

func (s *ScreenCapturer) loop() {
	opts := s.cfg.Options
	var last *media.VideoFrame
	recoveries, failures := 0, 0
	next := time.Now()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		next = next.Add(s.interval)
		if now := time.Now(); next.Before(now.Add(-s.interval)) {
			next = now.Add(s.interval)
		}
		timeout := time.Until(next)
		if timeout > opts.AcquireTimeout {
			timeout = opts.AcquireTimeout
		}
		if timeout < time.Millisecond {
			timeout = time.Millisecond
		}

		f, err := s.cfg.Source.Acquire(timeout)
		if err == nil {
			err = f.Validate()
		}
		switch {
		case err == nil:
			recoveries, failures = 0, 0
			f.Tick = s.cfg.Clock.Now()
			f = s.scaler.Scale(f)
			last = f
			s.push(f)
			if n := s.captured.Add(1); n%screenLogEvery == 0 {
				s.log.Debug("screen frames captured", "captured", n, "repeated", s.repeated.Load())
			}
			if !sleepOrStop(s.stop, time.Until(next)) {
				return
			}

		case errors.Is(err, ErrFrameTimeout):
			failures = 0
			if last != nil {
				s.push(last.Repeat(s.cfg.Clock.Now()))
				s.repeated.Add(1)
			}
			if !sleepOrStop(s.stop, time.Until(next)) {
				return
			}

		case errors.Is(err, ErrDeviceLost):
			if !s.recover(&recoveries) {
				return
			}
			next = time.Now()

		default:
			failures++
			s.failures.Add(1)
			s.log.Warn("screen acquire failed", "consecutive", failures, logging.KeyError, err)
			if failures >= opts.MaxConsecutiveFailures {
				s.fail(fmt.Errorf("screen capture: %d consecutive failures: %w", failures, err))
				return
			}
			if !sleepOrStop(s.stop, opts.RetryDelay) {
				return
			}
		}
	}
}

// recover closes and reopens the source after device invalidation. attempts
// counts consecutive recoveries and is reset by the caller on the next good
// frame.
func (s *ScreenCapturer) recover(attempts *int) bool {
	opts := s.cfg.Options
	s.closeSource()
	for {
		*attempts++
		if *attempts > opts.MaxRecoveries {
			s.fail(fmt.Errorf("screen capture: %w after %d recovery attempts", ErrDeviceLost, opts.MaxRecoveries))
			return false
		}
		s.recoveries.Add(1)
		s.log.Warn("screen device lost, reopening", "attempt", *attempts, "backoff", opts.RecoveryBackoff)
		if !sleepOrStop(s.stop, opts.RecoveryBackoff) {
			return false
		}
		if err := s.cfg.Source.Open(); err != nil {
			s.log.Warn("screen reopen failed", "attempt", *attempts, logging.KeyError, err)
			continue
		}
		s.srcOpen = true
		w, h := s.cfg.Source.Bounds()
		s.log.Info("screen source recovered", "nativeWidth", w, "nativeHeight", h)
		return true
	}
}

func (s *ScreenCapturer) push(f *media.VideoFrame) {
	if err := s.cfg.Queue.Push(f); err != nil {
		s.log.Debug("frame dropped", logging.KeyError, err)
	}
}

func (s *ScreenCapturer) closeSource() {
	if !s.srcOpen {
		return
	}
	s.srcOpen = false
	if err := s.cfg.Source.Close(); err != nil {
		s.log.Debug("screen source close", logging.KeyError, err)
	}
}

func (s *ScreenCapturer) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("screen capture stopped", logging.KeyError, err)
	if s.cfg.OnFatal != nil {
		s.cfg.OnFatal(err)
	}
}
