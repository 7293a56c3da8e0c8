package media

import (
	"sync/atomic"
	"time"
)

// TickSource is a monotonic high-resolution counter.
type TickSource interface {
	Frequency() int64 // ticks per second; 0 means timing is unavailable
	Ticks() int64
}

type monotonicSource struct {
	base time.Time
}

func (m monotonicSource) Frequency() int64 { return int64(time.Second) }
func (m monotonicSource) Ticks() int64     { return int64(time.Since(m.base)) }

// Clock anchors a session start tick and converts later ticks to elapsed
// seconds. Start must run before any producer stamps a frame.
type Clock struct {
	src   TickSource
	freq  atomic.Int64
	start atomic.Int64
}

// NewClock returns a clock over src, or over the runtime monotonic clock
// when src is nil.
func NewClock(src TickSource) *Clock {
	if src == nil {
		src = monotonicSource{base: time.Now()}
	}
	return &Clock{src: src}
}

// Start captures the counter frequency and the session start tick.
func (c *Clock) Start() {
	c.freq.Store(c.src.Frequency())
	c.start.Store(c.src.Ticks())
}

// Now returns the current tick.
func (c *Clock) Now() int64 {
	return c.src.Ticks()
}

// StartTick returns the tick captured by Start.
func (c *Clock) StartTick() int64 {
	return c.start.Load()
}

// Frequency returns the ticks per second captured by Start.
func (c *Clock) Frequency() int64 {
	return c.freq.Load()
}

// Available reports whether elapsed time can be derived from ticks.
func (c *Clock) Available() bool {
	return c.freq.Load() > 0
}

// ElapsedSeconds converts tick to seconds since Start, clamped to >= 0.
func (c *Clock) ElapsedSeconds(tick int64) float64 {
	freq := c.freq.Load()
	if freq <= 0 {
		return 0
	}
	d := tick - c.start.Load()
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(freq)
}

// Elapsed returns the wall time since Start.
func (c *Clock) Elapsed() time.Duration {
	return time.Duration(c.ElapsedSeconds(c.Now()) * float64(time.Second))
}

// ManualTicks is a TickSource driven by the caller, for simulated time.
type ManualTicks struct {
	freq int64
	now  atomic.Int64
}

// NewManualTicks returns a manual source with the given frequency.
func NewManualTicks(freq int64) *ManualTicks {
	return &ManualTicks{freq: freq}
}

func (m *ManualTicks) Frequency() int64 { return m.freq }
func (m *ManualTicks) Ticks() int64     { return m.now.Load() }

// Set moves the counter to tick.
func (m *ManualTicks) Set(tick int64) { m.now.Store(tick) }

// Advance moves the counter forward by d of wall time.
func (m *ManualTicks) Advance(d time.Duration) {
	m.now.Add(int64(d.Seconds() * float64(m.freq)))
}
