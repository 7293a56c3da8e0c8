package media

import (
	"math"
	"sync/atomic"
)

// peakDecay is applied to the held peak on every update so the meter falls
// back after a transient.
const peakDecay = 0.95

// Levels returns the RMS and absolute peak of samples.
func Levels(samples []float32) (rms, peak float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}

// LevelMeter publishes the latest RMS level and a decaying peak hold.
// Update is called by one writer; readers may call from any goroutine.
type LevelMeter struct {
	level atomic.Uint64
	peak  atomic.Uint64
}

// Update records the levels of one packet.
func (m *LevelMeter) Update(rms, peak float64) {
	m.level.Store(math.Float64bits(rms))
	held := math.Float64frombits(m.peak.Load()) * peakDecay
	if peak > held {
		held = peak
	}
	m.peak.Store(math.Float64bits(held))
}

// Silence records a silent packet: level drops to zero and the peak decays.
func (m *LevelMeter) Silence() {
	m.Update(0, 0)
}

// Level returns the most recent RMS level in [0, 1].
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Peak returns the held peak level in [0, 1].
func (m *LevelMeter) Peak() float64 {
	return math.Float64frombits(m.peak.Load())
}

// Reset zeroes both readings.
func (m *LevelMeter) Reset() {
	m.level.Store(0)
	m.peak.Store(0)
}
