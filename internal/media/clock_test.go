package media

import (
	"testing"
	"time"
)

func TestClockElapsedSeconds(t *testing.T) {
	ticks := NewManualTicks(1000)
	ticks.Set(5000)
	c := NewClock(ticks)
	c.Start()

	if got := c.ElapsedSeconds(5000); got != 0 {
		t.Fatalf("expected 0 at start, got %v", got)
	}
	if got := c.ElapsedSeconds(6500); got != 1.5 {
		t.Fatalf("expected 1.5s, got %v", got)
	}
	if got := c.ElapsedSeconds(4000); got != 0 {
		t.Fatalf("ticks before start should clamp to 0, got %v", got)
	}
}

func TestClockZeroFrequencyIsUnavailable(t *testing.T) {
	c := NewClock(NewManualTicks(0))
	c.Start()
	if c.Available() {
		t.Fatal("zero frequency should report unavailable")
	}
	if got := c.ElapsedSeconds(1_000_000); got != 0 {
		t.Fatalf("expected 0 elapsed without timing, got %v", got)
	}
}

func TestManualTicksAdvance(t *testing.T) {
	ticks := NewManualTicks(int64(time.Second))
	c := NewClock(ticks)
	c.Start()
	ticks.Advance(250 * time.Millisecond)
	if got := c.Elapsed(); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
}

func TestMonotonicClockAdvances(t *testing.T) {
	c := NewClock(nil)
	c.Start()
	first := c.Now()
	time.Sleep(2 * time.Millisecond)
	if c.Now() <= first {
		t.Fatal("monotonic clock did not advance")
	}
	if !c.Available() {
		t.Fatal("monotonic clock should be available")
	}
}
