package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/capture"
	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/health"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/sink"
)

// Session is the host-facing recorder. It holds at most one live Controller
// and keeps the last finished one around for progress and error queries.
type Session struct {
	cfg  *config.Config
	deps Deps

	// OnFinished runs after a recording stopped cleanly, outside the lock.
	OnFinished func(path string, st Stats)

	mu       sync.Mutex
	ready    bool
	starting bool
	current  *Controller
	last     *Controller
}

// NewSession returns an uninitialized session. A health monitor is created
// when deps has none.
func NewSession(cfg *config.Config, deps Deps) *Session {
	if deps.Health == nil {
		deps.Health = health.NewMonitor()
	}
	return &Session{cfg: cfg, deps: deps.withDefaults()}
}

// Health returns the monitor shared by every recording of this session.
func (s *Session) Health() *health.Monitor { return s.deps.Health }

// Initialize checks that capture devices can be opened and the configured
// sink backend is usable. It must succeed before StartRecording.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	src, err := s.deps.NewScreen(s.cfg.Capture)
	if err != nil {
		return fmt.Errorf("screen capture unavailable: %w", err)
	}
	if err := src.Open(); err != nil {
		return fmt.Errorf("screen capture unavailable: %w", err)
	}
	w, h := src.Bounds()
	src.Close()

	asrc, err := s.deps.NewAudio(s.cfg.Capture)
	if err != nil {
		return fmt.Errorf("audio capture unavailable: %w", err)
	}
	format, err := asrc.Open()
	if err != nil {
		return fmt.Errorf("audio capture unavailable: %w", err)
	}
	asrc.Close()

	if err := sink.Probe(s.cfg.Recording.Sink, s.cfg); err != nil {
		return fmt.Errorf("sink %s unavailable: %w", s.cfg.Recording.Sink, err)
	}
	s.ready = true
	log.Info("recorder initialized",
		"screen", src.Name(),
		"display", fmt.Sprintf("%dx%d", w, h),
		"audio", asrc.Name(),
		"sampleRate", format.SampleRate,
		"channels", format.Channels,
		logging.KeySink, s.cfg.Recording.Sink)
	return nil
}

// ValidateOutputPath rejects paths a sink cannot create.
func ValidateOutputPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidPath, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return nil
}

// DefaultOutputPath names a recording after its start time inside the
// configured output directory.
func DefaultOutputPath(cfg *config.Config, now time.Time) string {
	name := "lecture-" + now.Format("20060102-150405") + sink.ExtFor(cfg.Recording.Sink, cfg)
	return filepath.Join(cfg.Recording.OutputDir, name)
}

// StartRecording begins a recording and blocks until it is capturing or has
// failed. Zero width, height or fps fall back to the configured defaults.
func (s *Session) StartRecording(ctx context.Context, path string, width, height, fps int) error {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.starting || (s.current != nil && !s.current.State().Terminal()) {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	if err := ValidateOutputPath(path); err != nil {
		s.mu.Unlock()
		return err
	}
	if width <= 0 || height <= 0 {
		width, height = s.cfg.Recording.Width, s.cfg.Recording.Height
	}
	if fps <= 0 {
		fps = s.cfg.Recording.FPS
	}
	c := NewController(s.cfg, Params{OutputPath: path, Width: width, Height: height, FPS: fps}, s.deps)
	s.starting = true
	if s.current != nil {
		s.last = s.current
	}
	s.current = c
	s.mu.Unlock()

	err := c.Start(ctx)

	s.mu.Lock()
	s.starting = false
	s.mu.Unlock()
	return err
}

// IsRecording reports whether a recording is capturing.
func (s *Session) IsRecording() bool {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	return c != nil && c.State() == StateCapturing
}

// StopRecording stops the live recording and blocks until it is finalized.
// A recording that already failed on its own is still joined here and its
// failure returned.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	c := s.current
	if c == nil || s.starting {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.current = nil
	s.last = c
	s.mu.Unlock()

	err := c.Stop()
	if err == nil && s.OnFinished != nil {
		s.OnFinished(c.Stats().OutputPath, c.Stats())
	}
	return err
}

// Cleanup stops any recording and returns the session to uninitialized.
func (s *Session) Cleanup() {
	if err := s.StopRecording(); err != nil && ErrorCode(err) != CodeRecordingState {
		log.Warn("recording ended with error during cleanup", logging.KeyError, err)
	}
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

// Ready reports whether Initialize succeeded.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// controller returns the live recording, or the last finished one.
func (s *Session) controller() *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current
	}
	return s.last
}

// Done returns a channel closed when the live recording ends, nil if none.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Done()
}

func (s *Session) VideoFrames() uint64 {
	if c := s.controller(); c != nil {
		return c.VideoFrames()
	}
	return 0
}

func (s *Session) AudioSamples() uint64 {
	if c := s.controller(); c != nil {
		return c.AudioSamples()
	}
	return 0
}

func (s *Session) ElapsedMillis() int64 {
	if c := s.controller(); c != nil {
		return c.ElapsedMillis()
	}
	return 0
}

func (s *Session) AudioLevel() float64 {
	if c := s.controller(); c != nil {
		return c.AudioLevel()
	}
	return 0
}

func (s *Session) PeakLevel() float64 {
	if c := s.controller(); c != nil {
		return c.PeakLevel()
	}
	return 0
}

func (s *Session) LastError() string {
	if c := s.controller(); c != nil {
		return c.LastError()
	}
	return ""
}

// State returns the live or last recording's state, Idle if none.
func (s *Session) State() State {
	if c := s.controller(); c != nil {
		return c.State()
	}
	return StateIdle
}

func (s *Session) Stats() Stats {
	if c := s.controller(); c != nil {
		return c.Stats()
	}
	return Stats{State: StateIdle.String()}
}

// Capabilities lists the capture backends compiled in.
func Capabilities() []string { return capture.Backends() }
