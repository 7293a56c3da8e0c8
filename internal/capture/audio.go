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

const audioLogEvery = 100

// AudioConfig wires an AudioCapturer to its session.
type AudioConfig struct {
	Source  AudioSource
	Clock   *media.Clock
	Queue   *media.SampleQueue
	Options Options
	// OnOutage runs on the capture goroutine when capture ends on a
	// non-recoverable error. It must not wait for Stop.
	OnOutage func(error)
	Logger   *slog.Logger
}

// AudioStats is a snapshot of the capturer's counters.
type AudioStats struct {
	Packets       uint64 `json:"packets"`
	SilentPackets uint64 `json:"silentPackets"`
	Frames        uint64 `json:"frames"`
	Recoveries    uint64 `json:"recoveries"`
	Error         string `json:"error,omitempty"`
}

// AudioCapturer polls a loopback source and turns every packet into an
// AudioChunk. Silent packets become zero-filled chunks of the same size so
// the audio timeline never has gaps.
type AudioCapturer struct {
	cfg     AudioConfig
	log     *slog.Logger
	format  Format
	srcOpen bool
	meter   media.LevelMeter

	begin     chan struct{}
	stop      chan struct{}
	done      chan struct{}
	beginOnce sync.Once
	stopOnce  sync.Once
	opened    atomic.Bool

	mu  sync.Mutex
	err error

	packets    atomic.Uint64
	silent     atomic.Uint64
	frames     atomic.Uint64
	recoveries atomic.Uint64
}

// NewAudioCapturer returns an idle capturer. Call Open, then Start.
func NewAudioCapturer(cfg AudioConfig) *AudioCapturer {
	if cfg.Options.AudioPollInterval <= 0 {
		cfg.Options.AudioPollInterval = DefaultOptions().AudioPollInterval
	}
	l := cfg.Logger
	if l == nil {
		l = log
	}
	return &AudioCapturer{
		cfg:   cfg,
		log:   l.With("source", cfg.Source.Name()),
		begin: make(chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Open starts the capture goroutine, opens the endpoint on it and returns
// its format. Packets flow only after Start.
func (a *AudioCapturer) Open() (Format, error) {
	if !a.opened.CompareAndSwap(false, true) {
		return Format{}, ErrStarted
	}
	ready := make(chan error, 1)
	go a.run(ready)
	if err := <-ready; err != nil {
		<-a.done
		return Format{}, err
	}
	return a.format, nil
}

// Start releases the capture loop.
func (a *AudioCapturer) Start() {
	a.beginOnce.Do(func() { close(a.begin) })
}

// Stop requests the loop to exit and waits for it. Safe to call more than
// once.
func (a *AudioCapturer) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	if a.opened.Load() {
		<-a.done
	}
}

// Err returns the failure that ended capture, if any.
func (a *AudioCapturer) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Level returns the RMS of the latest packet, 0 for silence.
func (a *AudioCapturer) Level() float64 { return a.meter.Level() }

// Peak returns the decaying peak hold.
func (a *AudioCapturer) Peak() float64 { return a.meter.Peak() }

func (a *AudioCapturer) Stats() AudioStats {
	return AudioStats{
		Packets:       a.packets.Load(),
		SilentPackets: a.silent.Load(),
		Frames:        a.frames.Load(),
		Recoveries:    a.recoveries.Load(),
		Error:         errString(a.Err()),
	}
}

func (a *AudioCapturer) run(ready chan<- error) {
	defer close(a.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	signalled := false
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("audio capture panic: %v", r)
			if !signalled {
				ready <- err
				return
			}
			a.outage(err)
		}
	}()
	defer a.closeSource()

	format, err := a.cfg.Source.Open()
	if err == nil && (format.SampleRate <= 0 || format.Channels <= 0) {
		a.srcOpen = true
		err = fmt.Errorf("%w: %d Hz %d ch", media.ErrInvalidChunk, format.SampleRate, format.Channels)
	}
	if err != nil {
		signalled = true
		ready <- fmt.Errorf("open %s: %w", a.cfg.Source.Name(), err)
		return
	}
	a.srcOpen = true
	a.format = format
	a.log.Info("audio source opened", "sampleRate", format.SampleRate, "channels", format.Channels)
	signalled = true
	ready <- nil

	select {
	case <-a.begin:
	case <-a.stop:
		return
	}
	a.loop()
}

func (a *AudioCapturer) loop() {
	ticker := time.NewTicker(a.cfg.Options.AudioPollInterval)
	defer ticker.Stop()
	attempts := 0

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}

		packets, err := a.cfg.Source.Read()
		if err != nil {
			if errors.Is(err, ErrDeviceLost) {
				if !a.recover(&attempts) {
					return
				}
				continue
			}
			a.outage(fmt.Errorf("audio capture: %w", err))
			return
		}
		if len(packets) > 0 {
			attempts = 0
		}
		for _, p := range packets {
			a.emit(p)
		}
	}
}

func (a *AudioCapturer) emit(p Packet) {
	tick := a.cfg.Clock.Now()
	f := a.format

	var chunk *media.AudioChunk
	if !p.Silent && p.Data != nil {
		chunk = &media.AudioChunk{
			Data:          p.Data,
			Frames:        p.Frames,
			SampleRate:    f.SampleRate,
			Channels:      f.Channels,
			BitsPerSample: media.FloatSampleBits,
			Tick:          tick,
		}
		if err := chunk.Validate(); err != nil {
			a.log.Warn("malformed audio packet, substituting silence", logging.KeyError, err)
			chunk = nil
		}
	}
	if chunk == nil {
		chunk = media.NewSilentChunk(p.Frames, f.SampleRate, f.Channels, tick)
		a.meter.Silence()
		a.silent.Add(1)
	} else {
		a.meter.Update(media.Levels(chunk.Samples()))
	}

	if err := a.cfg.Queue.Push(chunk); err != nil {
		a.log.Debug("audio chunk dropped", logging.KeyError, err)
	}
	a.frames.Add(uint64(p.Frames))
	if n := a.packets.Add(1); n%audioLogEvery == 0 {
		a.log.Debug("audio packets captured", "packets", n, "silent", a.silent.Load(),
			"level", a.meter.Level(), "peak", a.meter.Peak())
	}
}

// recover reopens the endpoint after invalidation. The reopened endpoint
// must keep the session format because the sink is already configured.
func (a *AudioCapturer) recover(attempts *int) bool {
	opts := a.cfg.Options
	a.closeSource()
	for {
		*attempts++
		if *attempts > opts.MaxRecoveries {
			a.outage(fmt.Errorf("audio capture: %w after %d recovery attempts", ErrDeviceLost, opts.MaxRecoveries))
			return false
		}
		a.recoveries.Add(1)
		a.log.Warn("audio device lost, reopening", "attempt", *attempts)
		if !sleepOrStop(a.stop, opts.RecoveryBackoff) {
			return false
		}
		format, err := a.cfg.Source.Open()
		if err != nil {
			a.log.Warn("audio reopen failed", "attempt", *attempts, logging.KeyError, err)
			continue
		}
		a.srcOpen = true
		if format != a.format {
			a.outage(fmt.Errorf("audio capture: endpoint format changed from %+v to %+v", a.format, format))
			return false
		}
		a.log.Info("audio source recovered")
		return true
	}
}

func (a *AudioCapturer) closeSource() {
	if !a.srcOpen {
		return
	}
	a.srcOpen = false
	if err := a.cfg.Source.Close(); err != nil {
		a.log.Debug("audio source close", logging.KeyError, err)
	}
}

func (a *AudioCapturer) outage(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	a.meter.Reset()
	a.log.Warn("audio capture stopped", logging.KeyError, err)
	if a.cfg.OnOutage != nil {
		a.cfg.OnOutage(err)
	}
}
