package capture

import (
	"math"
	"sync"
	"time"

	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

// SyntheticScreen renders a moving test pattern. It backs capture on
// platforms without a native backend and drives the recorder in tests.
type SyntheticScreen struct {
	mu       sync.Mutex
	width    int
	height   int
	open     bool
	static   bool
	produced int
	script   []error
	openErrs []error
	opens    int
	closes   int
}

// NewSyntheticScreen returns a width x height pattern source.
func NewSyntheticScreen(width, height int) *SyntheticScreen {
	return &SyntheticScreen{width: width, height: height}
}

func (s *SyntheticScreen) Name() string { return "synthetic-screen" }

// SetStatic makes every Acquire after the first image time out, like an
// unchanging desktop.
func (s *SyntheticScreen) SetStatic(static bool) {
	s.mu.Lock()
	s.static = static
	s.mu.Unlock()
}

// Script queues errors returned by the next Acquire calls, in order.
func (s *SyntheticScreen) Script(errs ...error) {
	s.mu.Lock()
	s.script = append(s.script, errs...)
	s.mu.Unlock()
}

// FailOpens queues errors returned by the next Open calls, in order.
func (s *SyntheticScreen) FailOpens(errs ...error) {
	s.mu.Lock()
	s.openErrs = append(s.openErrs, errs...)
	s.mu.Unlock()
}

// Opens and Closes count successful opens and closes.
func (s *SyntheticScreen) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *SyntheticScreen) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *SyntheticScreen) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		return err
	}
	s.open = true
	s.opens++
	return nil
}

func (s *SyntheticScreen) Bounds() (int, int) {
	return s.width, s.height
}

func (s *SyntheticScreen) Acquire(timeout time.Duration) (*media.VideoFrame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		return nil, err
	}
	if s.static && s.produced > 0 {
		s.mu.Unlock()
		time.Sleep(timeout)
		return nil, ErrFrameTimeout
	}
	n := s.produced
	s.produced++
	s.mu.Unlock()

	return s.render(n), nil
}

// render draws a vertical bar sweeping across a dark gradient.
func (s *SyntheticScreen) render(n int) *media.VideoFrame {
	f := media.NewVideoFrame(s.width, s.height)
	barX := (n * 8) % s.width
	for y := 0; y < s.height; y++ {
		row := f.Data[y*f.Stride:]
		shade := byte(32 + 64*y/s.height)
		for x := 0; x < s.width; x++ {
			p := row[x*media.BytesPerPixel:]
			if x >= barX && x < barX+16 {
				p[0], p[1], p[2] = 0xF0, 0xF0, 0xF0
			} else {
				p[0], p[1], p[2] = shade, shade/2, 0x20
			}
			p[3] = 0xFF
		}
	}
	return f
}

func (s *SyntheticScreen) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.open = false
		s.closes++
	}
	return nil
}

// SyntheticAudio produces a sine tone in real time, in 10 ms packets.
type SyntheticAudio struct {
	mu           sync.Mutex
	format       Format
	freq         float64
	packetFrames int
	open         bool
	silent       bool
	start        time.Time
	emitted      int64
	script       []error
}

// NewSyntheticAudio returns a tone source at the given format and pitch.
func NewSyntheticAudio(sampleRate, channels int, freq float64) *SyntheticAudio {
	return &SyntheticAudio{
		format:       Format{SampleRate: sampleRate, Channels: channels},
		freq:         freq,
		packetFrames: sampleRate / 100,
	}
}

func (a *SyntheticAudio) Name() string { return "synthetic-audio" }

// SetSilent flags every following packet silent, like an idle endpoint.
func (a *SyntheticAudio) SetSilent(silent bool) {
	a.mu.Lock()
	a.silent = silent
	a.mu.Unlock()
}

// Script queues errors returned by the next Read calls, in order.
func (a *SyntheticAudio) Script(errs ...error) {
	a.mu.Lock()
	a.script = append(a.script, errs...)
	a.mu.Unlock()
}

func (a *SyntheticAudio) Open() (Format, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = true
	a.start = time.Now()
	a.emitted = 0
	return a.format, nil
}

// Read returns every whole packet due since Open.
func (a *SyntheticAudio) Read() ([]Packet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, ErrNotOpen
	}
	if len(a.script) > 0 {
		err := a.script[0]
		a.script = a.script[1:]
		return nil, err
	}

	due := int64(time.Since(a.start).Seconds() * float64(a.format.SampleRate))
	var out []Packet
	for due-a.emitted >= int64(a.packetFrames) {
		out = append(out, a.packet())
	}
	return out, nil
}

func (a *SyntheticAudio) packet() Packet {
	n := a.packetFrames
	p := Packet{Frames: n, Silent: a.silent}
	if !a.silent {
		ch := a.format.Channels
		samples := make([]float32, n*ch)
		for i := 0; i < n; i++ {
			t := float64(a.emitted+int64(i)) / float64(a.format.SampleRate)
			v := float32(0.25 * math.Sin(2*math.Pi*a.freq*t))
			for c := 0; c < ch; c++ {
				samples[i*ch+c] = v
			}
		}
		p.Data = media.EncodeFloat32(samples)
	}
	a.emitted += int64(n)
	return p
}

func (a *SyntheticAudio) Close() error {
	a.mu.Lock()
	a.open = false
	a.mu.Unlock()
	return nil
}
