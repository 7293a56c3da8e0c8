package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/capture"
	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/health"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
	"github.com/Eyebottle/sat-lec-rec/internal/sink"
)

// fakeSink counts what the consumer hands it.
type fakeSink struct {
	mu          sync.Mutex
	cfg         sink.Config
	starts      int
	stops       int
	video       int
	audio       int
	audioFrames int64
	silent      int

	startErr  error
	stopErr   error
	rejectAll error
	failAfter int // fatal error once this many frames were accepted, 0 never

	startDelay time.Duration
	videoDelay time.Duration
}

func (f *fakeSink) Start(_ context.Context, cfg sink.Config) error {
	time.Sleep(f.startDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.cfg = cfg
	return f.startErr
}

func (f *fakeSink) EncodeVideo(*media.VideoFrame) error {
	time.Sleep(f.videoDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll != nil {
		return f.rejectAll
	}
	if f.failAfter > 0 && f.video >= f.failAfter {
		return fmt.Errorf("%w: broken pipe", sink.ErrTransport)
	}
	f.video++
	return nil
}

func (f *fakeSink) EncodeAudio(c *media.AudioChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio++
	f.audioFrames += int64(c.Frames)
	if c.Silent {
		f.silent++
	}
	return nil
}

func (f *fakeSink) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Stats() sink.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sink.Stats{VideoFrames: uint64(f.video), AudioFrames: uint64(f.audioFrames)}
}

func (f *fakeSink) snapshot() (video, audio int, frames int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.video, f.audio, f.audioFrames
}

type rig struct {
	cfg    *config.Config
	screen *capture.SyntheticScreen
	audio  *capture.SyntheticAudio
	sink   *fakeSink
	sinks  int
	deps   Deps
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := config.Default()
	cfg.Recording.Sink = sink.KindEmbedded
	cfg.Recording.OutputDir = t.TempDir()
	cfg.Recording.FPS = 20
	cfg.Capture = config.CaptureConfig{
		AcquireTimeout:         20 * time.Millisecond,
		MaxRecoveries:          2,
		RecoveryBackoff:        time.Millisecond,
		MaxConsecutiveFailures: 3,
		RetryDelay:             time.Millisecond,
		AudioPollInterval:      5 * time.Millisecond,
	}
	r := &rig{
		cfg:    cfg,
		screen: capture.NewSyntheticScreen(64, 32),
		audio:  capture.NewSyntheticAudio(48000, 2, 440),
		sink:   &fakeSink{},
	}
	r.deps = Deps{
		NewScreen: func(config.CaptureConfig) (capture.ScreenSource, error) { return r.screen, nil },
		NewAudio:  func(config.CaptureConfig) (capture.AudioSource, error) { return r.audio, nil },
		NewSink: func(string) (sink.Sink, error) {
			r.sinks++
			return r.sink, nil
		},
		Health: health.NewMonitor(),
	}
	return r
}

func (r *rig) controller(t *testing.T) *Controller {
	t.Helper()
	return NewController(r.cfg, Params{OutputPath: filepath.Join(r.cfg.Recording.OutputDir, "lecture.mp4")}, r.deps)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session still %s", c.State())
	}
}

func TestControllerStartStop(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateCapturing || !c.IsActive() {
		t.Fatalf("state = %s active = %v", c.State(), c.IsActive())
	}
	if r.sink.cfg.Width != 64 || r.sink.cfg.Height != 32 || r.sink.cfg.FPS != 20 {
		t.Errorf("sink config = %dx%d@%d", r.sink.cfg.Width, r.sink.cfg.Height, r.sink.cfg.FPS)
	}
	if r.sink.cfg.SampleRate != 48000 || r.sink.cfg.Channels != 2 {
		t.Errorf("sink audio = %d Hz %d ch", r.sink.cfg.SampleRate, r.sink.cfg.Channels)
	}

	waitFor(t, "frames and samples", func() bool { return c.VideoFrames() >= 3 && c.AudioSamples() > 0 })
	if c.ElapsedMillis() <= 0 {
		t.Error("elapsed should advance while capturing")
	}
	if c.AudioLevel() <= 0 {
		t.Error("tone should register a level")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", c.State())
	}
	if c.IsActive() || c.ElapsedMillis() != 0 {
		t.Error("stopped session still reports activity")
	}
	if st := c.Stats(); st.DurationMillis <= 0 || st.Width != 64 || st.Height != 32 {
		t.Errorf("final stats: %d ms, %dx%d", st.DurationMillis, st.Width, st.Height)
	}
	video, _, frames := r.sink.snapshot()
	if uint64(video) != c.VideoFrames() || uint64(frames) != c.AudioSamples() {
		t.Errorf("sink saw %d/%d, controller counted %d/%d", video, frames, c.VideoFrames(), c.AudioSamples())
	}
	if r.sink.stops != 1 {
		t.Errorf("sink stopped %d times", r.sink.stops)
	}
	if r.screen.Opens() != r.screen.Closes() {
		t.Errorf("screen opened %d closed %d", r.screen.Opens(), r.screen.Closes())
	}

	if err := c.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if r.sink.stops != 1 {
		t.Errorf("second Stop reached the sink")
	}
}

func TestControllerDrainDeliversQueuedFrames(t *testing.T) {
	r := newRig(t)
	r.sink.videoDelay = 100 * time.Millisecond
	c := r.controller(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a video backlog", func() bool { return c.vq.Len() >= 5 })
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	qs := c.vq.Stats()
	video, _, _ := r.sink.snapshot()
	if want := qs.Pushed - qs.Dropped; uint64(video) != want {
		t.Errorf("sink got %d frames, queue accepted %d (pushed %d dropped %d)", video, want, qs.Pushed, qs.Dropped)
	}
	as := c.aq.Stats()
	if _, chunks, _ := r.sink.snapshot(); uint64(chunks) != as.Pushed-as.Dropped {
		t.Errorf("sink got %d audio chunks, queue accepted %d", chunks, as.Pushed-as.Dropped)
	}
	if c.vq.Len() != 0 || c.aq.Len() != 0 {
		t.Errorf("queues not empty after stop: %d video, %d audio", c.vq.Len(), c.aq.Len())
	}
}

func TestSessionStatsDuringStart(t *testing.T) {
	r := newRig(t)
	r.sink.startDelay = 50 * time.Millisecond
	s := NewSession(r.cfg, r.deps)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer s.Cleanup()

	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := s.Stats()
			_ = st.Width + st.Height
			s.ElapsedMillis()
			s.AudioLevel()
		}
	}()

	err := s.StartRecording(context.Background(), filepath.Join(r.cfg.Recording.OutputDir, "lecture.mp4"), 0, 0, 0)
	close(stop)
	<-polled
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if st := s.Stats(); st.Width != 64 || st.Height != 32 {
		t.Errorf("resolved geometry = %dx%d", st.Width, st.Height)
	}
	if err := s.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestControllerLifecycleErrors(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	if err := c.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop before Start = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Start = %v", err)
	}
}

func TestControllerStartFailureReleases(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(r *rig)
		wantSinks int
		wantErr   error
	}{
		{
			name:      "screen open",
			setup:     func(r *rig) { r.screen.FailOpens(capture.ErrUnsupported) },
			wantSinks: 0,
			wantErr:   capture.ErrUnsupported,
		},
		{
			name:      "sink start",
			setup:     func(r *rig) { r.sink.startErr = sink.ErrNoEncoder },
			wantSinks: 1,
			wantErr:   sink.ErrNoEncoder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			tt.setup(r)
			c := r.controller(t)
			err := c.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start = %v, want %v", err, tt.wantErr)
			}
			if c.State() != StateFailed {
				t.Errorf("state = %s", c.State())
			}
			if r.sinks != tt.wantSinks {
				t.Errorf("created %d sinks, want %d", r.sinks, tt.wantSinks)
			}
			if r.screen.Opens() != r.screen.Closes() {
				t.Errorf("screen opened %d closed %d", r.screen.Opens(), r.screen.Closes())
			}
			if r.sinks > 0 && r.sink.stops != 1 {
				t.Errorf("failed sink stopped %d times", r.sink.stops)
			}
			if c.LastError() == "" {
				t.Error("LastError empty after failed start")
			}
			waitDone(t, c)
			if err := c.Stop(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Stop after failed start = %v", err)
			}
		})
	}
}

func TestControllerSinkFatalFailsSession(t *testing.T) {
	r := newRig(t)
	r.sink.failAfter = 2
	c := r.controller(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, c)
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
	if c.IsActive() {
		t.Error("failed session still active")
	}
	if err := c.Stop(); !errors.Is(err, sink.ErrTransport) {
		t.Errorf("Stop = %v, want ErrTransport", err)
	}
	if c.LastError() == "" {
		t.Error("LastError empty")
	}
	if video, _, _ := r.sink.snapshot(); video != 2 {
		t.Errorf("sink accepted %d frames", video)
	}
}

func TestControllerRejectedInputKeepsRecording(t *testing.T) {
	r := newRig(t)
	r.sink.rejectAll = media.ErrInvalidFrame
	c := r.controller(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "rejections", func() bool { return c.Stats().Rejected >= 3 })
	if c.State() != StateCapturing {
		t.Fatalf("state = %s", c.State())
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.VideoFrames() != 0 {
		t.Errorf("counted %d rejected frames", c.VideoFrames())
	}
}

func TestControllerScreenFailure(t *testing.T) {
	r := newRig(t)
	boom := errors.New("access lost")
	r.screen.Script(boom, boom, boom)
	c := r.controller(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, c)
	if c.State() != StateFailed {
		t.Fatalf("state = %s", c.State())
	}
	if err := c.Stop(); !errors.Is(err, boom) {
		t.Errorf("Stop = %v", err)
	}
	if r.sink.stops != 1 {
		t.Errorf("sink stopped %d times", r.sink.stops)
	}
}

func TestControllerAudioOutage(t *testing.T) {
	t.Run("fills silence", func(t *testing.T) {
		r := newRig(t)
		r.audio.Script(errors.New("endpoint gone"))
		c := r.controller(t)
		if err := c.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "audio loss", func() bool { return c.Stats().AudioLost })
		time.Sleep(300 * time.Millisecond)
		elapsed := c.ElapsedMillis()
		if c.State() != StateCapturing {
			t.Fatalf("state = %s", c.State())
		}
		if err := c.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		_, _, frames := r.sink.snapshot()
		if want := (elapsed - 100) * 48; frames < want {
			t.Errorf("audio timeline %d frames after %d ms, want at least %d", frames, elapsed, want)
		}
		if r.sink.silent == 0 {
			t.Error("no silence chunks were fed")
		}
		if c.LastError() == "" {
			t.Error("audio loss not reported")
		}
		if chk, _ := r.deps.Health.Get(health.Audio); chk.Status != health.Degraded {
			t.Errorf("audio health = %q, want degraded", chk.Status)
		}
		if got := r.deps.Health.Overall(); got != health.Degraded {
			t.Errorf("overall health = %q", got)
		}
	})

	t.Run("aborts", func(t *testing.T) {
		r := newRig(t)
		r.cfg.Capture.AbortOnAudioLoss = true
		r.audio.Script(errors.New("endpoint gone"))
		c := r.controller(t)
		if err := c.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		waitDone(t, c)
		if err := c.Stop(); !errors.Is(err, ErrAudioLost) {
			t.Errorf("Stop = %v, want ErrAudioLost", err)
		}
		if c.State() != StateFailed {
			t.Errorf("state = %s", c.State())
		}
		if chk, _ := r.deps.Health.Get(health.Audio); chk.Status != health.Unhealthy {
			t.Errorf("audio health = %q, want unhealthy", chk.Status)
		}
	})
}

func TestControllerFinalizeError(t *testing.T) {
	r := newRig(t)
	r.sink.stopErr = fmt.Errorf("%w: exit status 1", sink.ErrProcessExited)
	c := r.controller(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); !errors.Is(err, sink.ErrProcessExited) {
		t.Fatalf("Stop = %v", err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %s", c.State())
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want int32
	}{
		{nil, CodeOK},
		{ErrAlreadyRecording, CodeRecordingState},
		{fmt.Errorf("wrapped: %w", ErrNotRecording), CodeRecordingState},
		{fmt.Errorf("%w: empty", ErrInvalidPath), CodeInvalidPath},
		{ErrNotInitialized, CodeNotInitialized},
		{sink.ErrNoEncoder, CodeGeneral},
		{errors.New("anything"), CodeGeneral},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for s := StateIdle; s <= StateFailed; s++ {
		want := s == StateStopped || s == StateFailed
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
	}
	if State(42).String() != "unknown" {
		t.Error("out of range state has a name")
	}
}

func TestValidateOutputPath(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		path  string
		valid bool
	}{
		{"empty", "", false},
		{"blank", "   ", false},
		{"directory", dir, false},
		{"nested", filepath.Join(dir, "a", "b", "out.mp4"), true},
		{"plain", filepath.Join(dir, "out.mp4"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutputPath(tt.path)
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid && ErrorCode(err) != CodeInvalidPath {
				t.Fatalf("err = %v, want invalid path", err)
			}
		})
	}
	if _, err := os.Stat(filepath.Join(dir, "a", "b")); err != nil {
		t.Errorf("parent directories not created: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	r := newRig(t)
	s := NewSession(r.cfg, r.deps)
	out := filepath.Join(r.cfg.Recording.OutputDir, "lecture.mp4")
	ctx := context.Background()

	if err := s.StartRecording(ctx, out, 0, 0, 0); ErrorCode(err) != CodeNotInitialized {
		t.Fatalf("StartRecording before Initialize = %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !s.Ready() {
		t.Fatal("not ready after Initialize")
	}
	if err := s.StopRecording(); ErrorCode(err) != CodeRecordingState {
		t.Fatalf("StopRecording while idle = %v", err)
	}
	if err := s.StartRecording(ctx, r.cfg.Recording.OutputDir, 0, 0, 0); ErrorCode(err) != CodeInvalidPath {
		t.Fatalf("StartRecording into a directory = %v", err)
	}

	var finished []string
	s.OnFinished = func(path string, _ Stats) { finished = append(finished, path) }

	if err := s.StartRecording(ctx, out, 0, 0, 0); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !s.IsRecording() {
		t.Fatal("IsRecording false after start")
	}
	if err := s.StartRecording(ctx, out, 0, 0, 0); ErrorCode(err) != CodeRecordingState {
		t.Fatalf("second StartRecording = %v", err)
	}
	waitFor(t, "frames", func() bool { return s.VideoFrames() > 0 && s.AudioSamples() > 0 })
	if r.sink.cfg.FPS != r.cfg.Recording.FPS {
		t.Errorf("default fps not applied: %d", r.sink.cfg.FPS)
	}

	if err := s.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if s.IsRecording() {
		t.Error("IsRecording true after stop")
	}
	if s.State() != StateStopped || s.VideoFrames() == 0 {
		t.Errorf("last recording not queryable: %s, %d frames", s.State(), s.VideoFrames())
	}
	if len(finished) != 1 || finished[0] != out {
		t.Errorf("OnFinished calls = %v", finished)
	}
	if err := s.StopRecording(); ErrorCode(err) != CodeRecordingState {
		t.Errorf("second StopRecording = %v", err)
	}

	s.Cleanup()
	if s.Ready() {
		t.Error("still ready after Cleanup")
	}
}

func TestSessionRestartAfterFailure(t *testing.T) {
	r := newRig(t)
	r.sink.failAfter = 1
	s := NewSession(r.cfg, r.deps)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(r.cfg.Recording.OutputDir, "first.mp4")
	if err := s.StartRecording(context.Background(), out, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure", func() bool { return s.State() == StateFailed })
	if s.IsRecording() {
		t.Error("failed recording reported as recording")
	}
	if s.LastError() == "" {
		t.Error("LastError empty after failure")
	}

	r.sink = &fakeSink{}
	second := filepath.Join(r.cfg.Recording.OutputDir, "second.mp4")
	if err := s.StartRecording(context.Background(), second, 0, 0, 0); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	if err := s.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestSessionCleanupStopsRecording(t *testing.T) {
	r := newRig(t)
	s := NewSession(r.cfg, r.deps)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.StartRecording(context.Background(), filepath.Join(r.cfg.Recording.OutputDir, "x.mp4"), 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	s.Cleanup()
	if r.sink.stops != 1 {
		t.Errorf("sink stopped %d times", r.sink.stops)
	}
	if s.IsRecording() || s.Ready() {
		t.Error("session still live after Cleanup")
	}
}

func TestSessionRecordsEmbeddedFile(t *testing.T) {
	r := newRig(t)
	r.deps.NewSink = nil
	r.cfg.Embedded.Container = "mp4"
	r.cfg.Embedded.VideoEncoder = "mjpeg"
	r.cfg.Embedded.AudioEncoder = "lpcm"
	s := NewSession(r.cfg, r.deps)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(r.cfg.Recording.OutputDir, "lecture.mp4")
	if err := s.StartRecording(context.Background(), out, 0, 0, 10); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a second of video", func() bool { return s.VideoFrames() >= 10 })
	if err := s.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	fi, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() == 0 {
		t.Error("empty recording")
	}
	if st := s.Stats(); st.Sink.VideoFrames == 0 || st.Sink.Encoder == "" {
		t.Errorf("sink stats = %+v", st.Sink)
	}
}

func TestDefaultOutputPath(t *testing.T) {
	cfg := config.Default()
	cfg.Recording.OutputDir = filepath.Join("rec", "sat")
	at := time.Date(2026, time.October, 17, 9, 5, 0, 0, time.UTC)

	cfg.Recording.Sink = sink.KindEmbedded
	cfg.Embedded.Container = "ts"
	if got, want := DefaultOutputPath(cfg, at), filepath.Join("rec", "sat", "lecture-20261017-090500.ts"); got != want {
		t.Errorf("embedded ts = %q, want %q", got, want)
	}
	cfg.Recording.Sink = sink.KindPipe
	if got := DefaultOutputPath(cfg, at); filepath.Ext(got) != ".mp4" {
		t.Errorf("pipe = %q", got)
	}
}
