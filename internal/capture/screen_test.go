package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/media"
	"github.com/Eyebottle/sat-lec-rec/internal/sink"
)

func testOptions() Options {
	return Options{
		AcquireTimeout:         20 * time.Millisecond,
		MaxRecoveries:          3,
		RecoveryBackoff:        time.Millisecond,
		MaxConsecutiveFailures: 3,
		RetryDelay:             time.Millisecond,
		AudioPollInterval:      time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) record(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fatalRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func (f *fatalRecorder) first() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return nil
	}
	return f.errs[0]
}

func newTestScreen(t *testing.T, src ScreenSource, w, h int) (*ScreenCapturer, *media.FrameQueue, *fatalRecorder) {
	t.Helper()
	clock := media.NewClock(nil)
	clock.Start()
	return newClockedScreen(t, src, w, h, clock)
}

func newClockedScreen(t *testing.T, src ScreenSource, w, h int, clock *media.Clock) (*ScreenCapturer, *media.FrameQueue, *fatalRecorder) {
	t.Helper()
	q := media.NewQueue[*media.VideoFrame](1000)
	fatal := &fatalRecorder{}
	sc := NewScreenCapturer(ScreenConfig{
		Source:  src,
		Clock:   clock,
		Queue:   q,
		Width:   w,
		Height:  h,
		FPS:     50,
		Options: testOptions(),
		OnFatal: fatal.record,
	})
	t.Cleanup(sc.Stop)
	return sc, q, fatal
}

func TestScreenCapturerRepeatsStaticFrames(t *testing.T) {
	src := NewSyntheticScreen(64, 48)
	src.SetStatic(true)
	clock := media.NewClock(nil)
	clock.Start()
	sc, q, fatal := newClockedScreen(t, src, 0, 0, clock)

	w, h, err := sc.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if w != 64 || h != 48 {
		t.Fatalf("geometry %dx%d, want 64x48", w, h)
	}
	sc.Start()
	waitFor(t, "repeated frames", func() bool { return sc.Stats().Repeated >= 5 })
	sc.Stop()

	if fatal.count() != 0 {
		t.Fatalf("unexpected fatal: %v", fatal.first())
	}
	if got := sc.Stats().Captured; got != 1 {
		t.Fatalf("captured %d new images from a static source, want 1", got)
	}

	first, ok := q.TryPop()
	if !ok {
		t.Fatal("queue empty")
	}
	// At 50 fps one PTS step is 20ms; two steps leave room for scheduling.
	const maxStep = 2
	pts := sink.NewVideoPTS(clock, 50)
	lastPTS := pts.Next(first.Tick)
	lastTick := first.Tick
	n := 1
	for {
		f, ok := q.TryPop()
		if !ok {
			break
		}
		n++
		if &f.Data[0] != &first.Data[0] {
			t.Fatal("repeated frame should share the original pixels")
		}
		if f.Tick < lastTick {
			t.Fatalf("tick went backwards: %d after %d", f.Tick, lastTick)
		}
		lastTick = f.Tick
		p := pts.Next(f.Tick)
		if p-lastPTS > maxStep {
			t.Fatalf("pts gap of %d frames at frame %d (%d -> %d)", p-lastPTS, n, lastPTS, p)
		}
		lastPTS = p
	}
	if n < 6 {
		t.Fatalf("expected at least 6 frames, got %d", n)
	}
}

func TestScreenCapturerRecoversFromDeviceLoss(t *testing.T) {
	src := NewSyntheticScreen(32, 32)
	src.Script(ErrDeviceLost, ErrDeviceLost)
	sc, q, fatal := newTestScreen(t, src, 0, 0)

	if _, _, err := sc.Open(); err != nil {
		t.Fatal(err)
	}
	sc.Start()
	waitFor(t, "frames after recovery", func() bool { return q.Len() >= 3 })
	sc.Stop()

	if fatal.count() != 0 {
		t.Fatalf("unexpected fatal: %v", fatal.first())
	}
	if got := sc.Stats().Recoveries; got != 2 {
		t.Fatalf("recoveries = %d, want 2", got)
	}
	if got := src.Opens(); got != 3 {
		t.Fatalf("opens = %d, want 3", got)
	}
	if src.Opens() != src.Closes() {
		t.Fatalf("opens %d != closes %d after stop", src.Opens(), src.Closes())
	}
}

func TestScreenCapturerRecoveryIsBounded(t *testing.T) {
	src := NewSyntheticScreen(32, 32)
	src.Script(ErrDeviceLost, ErrDeviceLost, ErrDeviceLost, ErrDeviceLost, ErrDeviceLost)
	sc, _, fatal := newTestScreen(t, src, 0, 0)

	if _, _, err := sc.Open(); err != nil {
		t.Fatal(err)
	}
	sc.Start()
	waitFor(t, "fatal report", func() bool { return fatal.count() > 0 })
	sc.Stop()

	if !errors.Is(fatal.first(), ErrDeviceLost) {
		t.Fatalf("fatal = %v, want ErrDeviceLost", fatal.first())
	}
	if !errors.Is(sc.Err(), ErrDeviceLost) {
		t.Fatalf("Err() = %v", sc.Err())
	}
	if got := sc.Stats().Recoveries; got != 3 {
		t.Fatalf("recoveries = %d, want 3", got)
	}
	if sc.Stats().Error != sc.Err().Error() {
		t.Errorf("stats error = %q", sc.Stats().Error)
	}
}

func TestScreenCapturerFailedReopenCountsAsAttempt(t *testing.T) {
	src := NewSyntheticScreen(32, 32)
	src.Script(ErrDeviceLost)
	boom := errors.New("duplication unavailable")
	sc, q, fatal := newTestScreen(t, src, 0, 0)

	if _, _, err := sc.Open(); err != nil {
		t.Fatal(err)
	}
	src.FailOpens(boom, boom)
	sc.Start()
	waitFor(t, "frames after reopen", func() bool { return q.Len() >= 1 })
	sc.Stop()

	if fatal.count() != 0 {
		t.Fatalf("unexpected fatal: %v", fatal.first())
	}
	if got := sc.Stats().Recoveries; got != 3 {
		t.Fatalf("recoveries = %d, want 3 (two failed reopens plus one success)", got)
	}
}

func TestScreenCapturerConsecutiveFailures(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantFatal bool
	}{
		{"below threshold", 2, false},
		{"at threshold", 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSyntheticScreen(32, 32)
			errs := make([]error, tt.failures)
			for i := range errs {
				errs[i] = errors.New("acquire failed")
			}
			src.Script(errs...)
			sc, q, fatal := newTestScreen(t, src, 0, 0)
			if _, _, err := sc.Open(); err != nil {
				t.Fatal(err)
			}
			sc.Start()
			if tt.wantFatal {
				waitFor(t, "fatal", func() bool { return fatal.count() > 0 })
				if q.Len() != 0 {
					t.Fatalf("no frames expected before fatal, got %d", q.Len())
				}
			} else {
				waitFor(t, "frames", func() bool { return q.Len() > 0 })
				if fatal.count() != 0 {
					t.Fatalf("unexpected fatal: %v", fatal.first())
				}
			}
			sc.Stop()
			if got := sc.Stats().Failures; got != uint64(tt.failures) {
				t.Fatalf("failures = %d, want %d", got, tt.failures)
			}
		})
	}
}

func TestScreenCapturerScalesToSessionGeometry(t *testing.T) {
	src := NewSyntheticScreen(64, 48)
	sc, q, _ := newTestScreen(t, src, 32, 24)
	w, h, err := sc.Open()
	if err != nil {
		t.Fatal(err)
	}
	if w != 32 || h != 24 {
		t.Fatalf("geometry %dx%d, want 32x24", w, h)
	}
	sc.Start()
	waitFor(t, "frame", func() bool { return q.Len() > 0 })
	sc.Stop()

	f, _ := q.TryPop()
	if f.Width != 32 || f.Height != 24 {
		t.Fatalf("frame %dx%d, want 32x24", f.Width, f.Height)
	}
}

func TestScreenCapturerOpenError(t *testing.T) {
	src := NewSyntheticScreen(32, 32)
	boom := errors.New("no output")
	src.FailOpens(boom)
	sc, _, _ := newTestScreen(t, src, 0, 0)
	if _, _, err := sc.Open(); !errors.Is(err, boom) {
		t.Fatalf("Open() = %v, want %v", err, boom)
	}
	sc.Stop()
}

func TestScreenCapturerStopBeforeStart(t *testing.T) {
	src := NewSyntheticScreen(32, 32)
	sc, q, _ := newTestScreen(t, src, 0, 0)
	if _, _, err := sc.Open(); err != nil {
		t.Fatal(err)
	}
	sc.Stop()
	sc.Stop()
	if q.Len() != 0 {
		t.Fatalf("no frames expected without Start, got %d", q.Len())
	}
	if src.Closes() != 1 {
		t.Fatalf("closes = %d, want 1", src.Closes())
	}
}

func TestRotateBGRA(t *testing.T) {
	// 2x1 native image: pixel A then pixel B.
	src := &media.VideoFrame{Width: 2, Height: 1, Stride: 8, Data: []byte{1, 1, 1, 1, 2, 2, 2, 2}}

	r90 := rotateBGRA(src, dxgiRotationRotate90)
	if r90.Width != 1 || r90.Height != 2 {
		t.Fatalf("rotate90 geometry %dx%d", r90.Width, r90.Height)
	}
	// desktop(0,0) = native(0, 0); desktop(0,1) = native(1, 0)
	if r90.Data[0] != 1 || r90.Data[4] != 2 {
		t.Fatalf("rotate90 pixels %v", r90.Data)
	}

	r270 := rotateBGRA(src, dxgiRotationRotate270)
	if r270.Data[0] != 2 || r270.Data[4] != 1 {
		t.Fatalf("rotate270 pixels %v", r270.Data)
	}

	r180 := rotateBGRA(src, dxgiRotationRotate180)
	if r180.Width != 2 || r180.Data[0] != 2 || r180.Data[4] != 1 {
		t.Fatalf("rotate180 pixels %v", r180.Data)
	}

	id := rotateBGRA(src, 1)
	if &id.Data[0] == &src.Data[0] {
		t.Fatal("identity rotation must copy out of device memory")
	}
}
