// Package recorder drives one capture-to-file session: it wires the screen
// and audio capturers to a sink through the drop-oldest queues, runs the
// single consumer goroutine and owns the session state machine.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Eyebottle/sat-lec-rec/internal/capture"
	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/health"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
	"github.com/Eyebottle/sat-lec-rec/internal/sink"
)

var log = logging.L("recorder")

const (
	consumerIdle     = 2 * time.Millisecond
	consumerLogEvery = 120
	rejectLogEvery   = 100
	// silenceChunk is the span of one filler chunk once audio is lost.
	silenceChunk = 10 * time.Millisecond
)

// Deps builds the per-session devices. Nil fields use the platform
// implementations.
type Deps struct {
	NewScreen func(config.CaptureConfig) (capture.ScreenSource, error)
	NewAudio  func(config.CaptureConfig) (capture.AudioSource, error)
	NewSink   func(kind string) (sink.Sink, error)
	// Health, if set, receives screen, audio and sink status changes.
	Health *health.Monitor
}

func (d Deps) withDefaults() Deps {
	if d.NewScreen == nil {
		d.NewScreen = func(c config.CaptureConfig) (capture.ScreenSource, error) {
			return capture.NewScreenSource(0, c.Synthetic)
		}
	}
	if d.NewAudio == nil {
		d.NewAudio = func(c config.CaptureConfig) (capture.AudioSource, error) {
			return capture.NewAudioSource(c.Synthetic)
		}
	}
	if d.NewSink == nil {
		d.NewSink = sink.New
	}
	return d
}

// Params describes what one recording produces. Zero geometry means the
// native desktop size; zero FPS means the configured rate.
type Params struct {
	OutputPath string
	Width      int
	Height     int
	FPS        int
}

// Stats is a snapshot of one session's progress.
type Stats struct {
	Session       string `json:"session"`
	State         string `json:"state"`
	OutputPath    string `json:"outputPath"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	FPS           int    `json:"fps"`
	VideoFrames   uint64 `json:"videoFrames"`
	AudioSamples  uint64 `json:"audioSamples"`
	ElapsedMillis int64  `json:"elapsedMs"`
	// DurationMillis is the recorded length, set once the session drained.
	DurationMillis int64               `json:"durationMs,omitempty"`
	VideoDropped   uint64              `json:"videoDropped"`
	AudioDropped   uint64              `json:"audioDropped"`
	Rejected       uint64              `json:"rejected"`
	AudioLost      bool                `json:"audioLost"`
	Screen         capture.ScreenStats `json:"screen"`
	Audio          capture.AudioStats  `json:"audio"`
	Sink           sink.Stats          `json:"sink"`
	LastError      string              `json:"lastError,omitempty"`
}

// Controller runs a single recording from Start to Stop. It is not reusable:
// every session builds fresh queues, clock and sink.
type Controller struct {
	id   string
	cfg  *config.Config
	deps Deps
	p    Params
	log  *slog.Logger

	state      atomic.Int32
	active     atomic.Bool
	sinkFailed atomic.Bool
	audioLost  atomic.Bool

	clock  *media.Clock
	vq     *media.FrameQueue
	aq     *media.SampleQueue
	screen *capture.ScreenCapturer
	audio  *capture.AudioCapturer
	sink   sink.Sink
	format capture.Format
	// Resolved output geometry. Written by Start before the state leaves
	// Initializing, read only once initialized.
	width, height int

	drain        chan struct{}
	consumerDone chan struct{}
	finished     chan struct{}
	stopOnce     sync.Once
	result       error

	errMu   sync.Mutex
	lastErr string

	videoFrames  atomic.Uint64
	audioSamples atomic.Uint64
	rejected     atomic.Uint64
	audioFed     int64 // frames handed to the sink, consumer goroutine only
	durationMs   atomic.Int64
}

// NewController returns an idle controller for one recording.
func NewController(cfg *config.Config, p Params, deps Deps) *Controller {
	id := uuid.New().String()
	if p.FPS <= 0 {
		p.FPS = cfg.Recording.FPS
	}
	c := &Controller{
		id:           id,
		cfg:          cfg,
		deps:         deps.withDefaults(),
		p:            p,
		log:          logging.WithSession(log, id),
		drain:        make(chan struct{}),
		consumerDone: make(chan struct{}),
		finished:     make(chan struct{}),
	}
	c.state.Store(int32(StateIdle))
	return c
}

func (c *Controller) ID() string   { return c.id }
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("state change", "from", old.String(), "to", s.String())
	}
}

// Done is closed once the session reached Stopped or Failed.
func (c *Controller) Done() <-chan struct{} { return c.finished }

// Start acquires the devices and the sink, in that order, and starts
// capturing. On failure everything acquired so far is released in reverse
// order and the controller ends in Failed.
func (c *Controller) Start(ctx context.Context) (err error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateInitializing)) {
		return ErrAlreadyRecording
	}
	var release []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
		c.stopOnce.Do(func() {})
		c.result = err
		c.setLastError(err)
		c.setState(StateFailed)
		close(c.finished)
		c.log.Error("recording failed to start", logging.KeyError, err)
	}()

	rc := c.cfg.Recording
	opts := capture.OptionsFromConfig(c.cfg.Capture)
	c.clock = media.NewClock(nil)
	c.vq = media.NewQueue[*media.VideoFrame](rc.VideoQueue)
	c.aq = media.NewQueue[*media.AudioChunk](rc.AudioQueue)

	screenSrc, err := c.deps.NewScreen(c.cfg.Capture)
	if err != nil {
		return fmt.Errorf("screen source: %w", err)
	}
	c.screen = capture.NewScreenCapturer(capture.ScreenConfig{
		Source:  screenSrc,
		Clock:   c.clock,
		Queue:   c.vq,
		Width:   c.p.Width,
		Height:  c.p.Height,
		FPS:     c.p.FPS,
		Options: opts,
		OnFatal: c.onScreenFatal,
		Logger:  c.log,
	})
	width, height, err := c.screen.Open()
	if err != nil {
		return fmt.Errorf("open screen capture: %w", err)
	}
	release = append(release, c.screen.Stop)
	c.width, c.height = width, height

	audioSrc, err := c.deps.NewAudio(c.cfg.Capture)
	if err != nil {
		return fmt.Errorf("audio source: %w", err)
	}
	c.audio = capture.NewAudioCapturer(capture.AudioConfig{
		Source:   audioSrc,
		Clock:    c.clock,
		Queue:    c.aq,
		Options:  opts,
		OnOutage: c.onAudioOutage,
		Logger:   c.log,
	})
	c.format, err = c.audio.Open()
	if err != nil {
		return fmt.Errorf("open audio capture: %w", err)
	}
	release = append(release, c.audio.Stop)

	sk, err := c.deps.NewSink(rc.Sink)
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}
	if err := sk.Start(ctx, sink.Config{
		OutputPath: c.p.OutputPath,
		Width:      width,
		Height:     height,
		FPS:        c.p.FPS,
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Clock:      c.clock,
		Pipe:       c.cfg.Pipe,
		Embedded:   c.cfg.Embedded,
	}); err != nil {
		sk.Stop()
		return fmt.Errorf("start sink %s: %w", sk.Name(), err)
	}
	c.sink = sk

	for _, name := range []string{health.Screen, health.Audio, health.Sink} {
		c.deps.Health.Update(name, health.Healthy, "")
	}
	c.clock.Start()
	c.active.Store(true)
	c.setState(StateCapturing)
	go c.consume()
	c.screen.Start()
	c.audio.Start()

	c.log.Info("recording started",
		"output", c.p.OutputPath,
		logging.KeySink, sk.Name(),
		"size", fmt.Sprintf("%dx%d", width, height),
		"fps", c.p.FPS,
		"sampleRate", c.format.SampleRate,
		"channels", c.format.Channels)
	return nil
}

// Stop drains the session and blocks until it reaches Stopped or Failed.
// It returns the error that failed the session, if any. Safe to call more
// than once.
func (c *Controller) Stop() error {
	switch c.State() {
	case StateIdle, StateInitializing:
		return ErrNotRecording
	}
	c.shutdown(nil)
	<-c.finished
	return c.result
}

// shutdown moves Capturing to Draining: producers are stopped and joined,
// the consumer empties both queues, then the sink is finalized.
func (c *Controller) shutdown(cause error) {
	c.stopOnce.Do(func() {
		elapsed := c.clock.Elapsed()
		c.durationMs.Store(elapsed.Milliseconds())
		c.setState(StateDraining)
		c.active.Store(false)

		c.screen.Stop()
		c.audio.Stop()
		c.vq.Close()
		c.aq.Close()
		close(c.drain)
		<-c.consumerDone

		sinkErr := c.sink.Stop()
		if sinkErr != nil {
			c.setLastError(sinkErr)
		}
		c.result = errors.Join(cause, sinkErr)
		st := c.Stats()
		if c.result != nil {
			c.setState(StateFailed)
			c.log.Error("recording failed",
				logging.KeyError, c.result,
				"videoFrames", st.VideoFrames,
				"audioSamples", st.AudioSamples,
				logging.KeyDurationMs, elapsed.Milliseconds())
		} else {
			c.setState(StateStopped)
			c.log.Info("recording stopped",
				"output", c.p.OutputPath,
				"videoFrames", st.VideoFrames,
				"audioSamples", st.AudioSamples,
				"videoDropped", st.VideoDropped,
				"audioDropped", st.AudioDropped,
				logging.KeyDurationMs, elapsed.Milliseconds())
		}
		close(c.finished)
	})
}

func (c *Controller) onScreenFatal(err error) {
	c.setLastError(err)
	c.deps.Health.Update(health.Screen, health.Unhealthy, err.Error())
	c.log.Error("screen capture failed, stopping", logging.KeyError, err)
	go c.shutdown(err)
}

func (c *Controller) onAudioOutage(err error) {
	err = fmt.Errorf("%w: %v", ErrAudioLost, err)
	c.setLastError(err)
	if c.cfg.Capture.AbortOnAudioLoss {
		c.deps.Health.Update(health.Audio, health.Unhealthy, err.Error())
		c.log.Error("audio capture lost, stopping", logging.KeyError, err)
		go c.shutdown(err)
		return
	}
	c.deps.Health.Update(health.Audio, health.Degraded, "recording silence: "+err.Error())
	c.log.Warn("audio capture lost, continuing with silence", logging.KeyError, err)
	c.audioLost.Store(true)
}

// consume is the single sink consumer. It takes at most one item from each
// queue per pass so neither stream starves the other.
func (c *Controller) consume() {
	defer close(c.consumerDone)
	defer func() {
		if r := recover(); r != nil {
			c.failSink(fmt.Errorf("%w: consumer panic: %v", sink.ErrTransport, r))
		}
	}()
	for {
		worked := false
		if f, ok := c.vq.TryPop(); ok {
			worked = true
			c.encodeVideo(f)
		}
		if ch, ok := c.aq.TryPop(); ok {
			worked = true
			c.encodeAudio(ch)
		}
		if c.audioLost.Load() && c.aq.Len() == 0 && c.fillSilence() {
			worked = true
		}
		if worked {
			continue
		}
		select {
		case <-c.drain:
			if c.vq.Len() == 0 && c.aq.Len() == 0 {
				return
			}
		default:
			time.Sleep(consumerIdle)
		}
	}
}

func (c *Controller) encodeVideo(f *media.VideoFrame) {
	if c.sinkFailed.Load() {
		return
	}
	if err := c.sink.EncodeVideo(f); err != nil {
		c.sinkError("video", err)
		return
	}
	if n := c.videoFrames.Add(1); n%consumerLogEvery == 0 {
		c.log.Debug("video encoded", "frames", n, "queued", c.vq.Len())
	}
}

func (c *Controller) encodeAudio(ch *media.AudioChunk) {
	if c.sinkFailed.Load() {
		return
	}
	if err := c.sink.EncodeAudio(ch); err != nil {
		c.sinkError("audio", err)
		return
	}
	c.audioFed += int64(ch.Frames)
	c.audioSamples.Add(uint64(ch.Frames))
}

// fillSilence keeps the audio timeline level with the clock after an audio
// outage, one short chunk at a time.
func (c *Controller) fillSilence() bool {
	rate := c.format.SampleRate
	target := int64(c.clock.ElapsedSeconds(c.clock.Now()) * float64(rate))
	missing := target - c.audioFed
	if missing <= 0 || c.sinkFailed.Load() {
		return false
	}
	frames := min(missing, int64(rate)*int64(silenceChunk)/int64(time.Second))
	c.encodeAudio(media.NewSilentChunk(int(frames), rate, c.format.Channels, c.clock.Now()))
	return true
}

func (c *Controller) sinkError(stream string, err error) {
	if sink.IsFatal(err) {
		c.failSink(err)
		return
	}
	if n := c.rejected.Add(1); n == 1 || n%rejectLogEvery == 0 {
		c.log.Warn("sink rejected input", "stream", stream, "rejected", n, logging.KeyError, err)
	}
}

// failSink stops feeding the sink after a fatal error. The queues are still
// emptied while the session drains.
func (c *Controller) failSink(err error) {
	if !c.sinkFailed.CompareAndSwap(false, true) {
		return
	}
	c.setLastError(err)
	c.active.Store(false)
	c.deps.Health.Update(health.Sink, health.Unhealthy, err.Error())
	c.log.Error("sink failed", logging.KeyError, err)
	go c.shutdown(err)
}

func (c *Controller) setLastError(err error) {
	c.errMu.Lock()
	c.lastErr = err.Error()
	c.errMu.Unlock()
}

// LastError returns the most recent failure message, empty if none.
func (c *Controller) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// IsActive reports whether the session is capturing and the sink healthy.
func (c *Controller) IsActive() bool { return c.active.Load() }

func (c *Controller) VideoFrames() uint64  { return c.videoFrames.Load() }
func (c *Controller) AudioSamples() uint64 { return c.audioSamples.Load() }

// ElapsedMillis is the session clock's elapsed time, 0 when not capturing.
func (c *Controller) ElapsedMillis() int64 {
	if c.State() != StateCapturing || c.clock == nil {
		return 0
	}
	return c.clock.Elapsed().Milliseconds()
}

// initialized reports whether Start has published the session's devices.
func (c *Controller) initialized() bool {
	s := c.State()
	return s != StateIdle && s != StateInitializing
}

func (c *Controller) AudioLevel() float64 {
	if !c.initialized() || c.audio == nil {
		return 0
	}
	return c.audio.Level()
}

func (c *Controller) PeakLevel() float64 {
	if !c.initialized() || c.audio == nil {
		return 0
	}
	return c.audio.Peak()
}

func (c *Controller) Stats() Stats {
	st := Stats{
		Session:       c.id,
		State:         c.State().String(),
		OutputPath:    c.p.OutputPath,
		Width:         c.p.Width,
		Height:        c.p.Height,
		FPS:           c.p.FPS,
		VideoFrames:   c.videoFrames.Load(),
		AudioSamples:  c.audioSamples.Load(),
		ElapsedMillis: c.ElapsedMillis(),
		Rejected:      c.rejected.Load(),
		AudioLost:     c.audioLost.Load(),
		LastError:     c.LastError(),
	}
	if !c.initialized() {
		return st
	}
	if c.width > 0 {
		st.Width, st.Height = c.width, c.height
	}
	st.DurationMillis = c.durationMs.Load()
	if c.vq != nil {
		st.VideoDropped = c.vq.Stats().Dropped
		st.AudioDropped = c.aq.Stats().Dropped
	}
	if c.screen != nil {
		st.Screen = c.screen.Stats()
	}
	if c.audio != nil {
		st.Audio = c.audio.Stats()
	}
	if c.sink != nil {
		st.Sink = c.sink.Stats()
	}
	return st
}
