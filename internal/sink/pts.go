package sink

import (
	"math"

	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

// VideoPTS assigns frame-index timestamps in a 1/fps time base from capture
// ticks. Timestamps are strictly increasing.
type VideoPTS struct {
	clock *media.Clock
	fps   int
	last  int64
}

// NewVideoPTS returns a counter whose first timestamp is 0.
func NewVideoPTS(clock *media.Clock, fps int) *VideoPTS {
	return &VideoPTS{clock: clock, fps: fps, last: -1}
}

// Next returns the timestamp for a frame captured at tick.
func (p *VideoPTS) Next(tick int64) int64 {
	pts := p.last + 1
	if p.clock != nil && p.clock.Available() && p.fps > 0 {
		if v := int64(math.Floor(p.clock.ElapsedSeconds(tick) * float64(p.fps))); v > p.last {
			pts = v
		}
	}
	p.last = pts
	return pts
}

// Last returns the most recent timestamp, or -1 before the first frame.
func (p *VideoPTS) Last() int64 { return p.last }

// AudioPTS assigns sample-count timestamps in a 1/sampleRate time base.
type AudioPTS struct {
	total int64
	last  int64
}

// NewAudioPTS returns a counter whose first timestamp is 0.
func NewAudioPTS() *AudioPTS {
	return &AudioPTS{last: -1}
}

// Next returns the timestamp of a chunk of frames and advances the running
// sample count past it.
func (p *AudioPTS) Next(frames int) int64 {
	pts := p.total
	if pts <= p.last {
		pts = p.last + 1
	}
	p.last = pts
	p.total += int64(frames)
	return pts
}

// Last returns the most recent timestamp, or -1 before the first chunk.
func (p *AudioPTS) Last() int64 { return p.last }

// Samples returns the number of frames accounted for so far.
func (p *AudioPTS) Samples() int64 { return p.total }
