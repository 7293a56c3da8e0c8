package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

var ErrEncode = errors.New("encode failed")

// countingWriter tracks bytes that reached the output file.
type countingWriter struct {
	f *os.File
	n *atomic.Uint64
}

func (w countingWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.n.Add(uint64(n))
	return n, err
}

// EmbeddedSink encodes in process and muxes straight to the output file.
// Video goes through the registry's video encoder frame by frame; audio is
// regrouped into AudioFrameSize blocks with the remainder carried over.
type EmbeddedSink struct {
	log *slog.Logger

	mu      sync.Mutex
	cfg     Config
	file    *os.File
	mux     muxer
	venc    videoBackend
	aenc    audioBackend
	vpts    *VideoPTS
	apts    *AudioPTS
	carry   []byte
	encoded int64 // audio frames handed to the encoder
	stopped bool

	started     atomic.Bool
	videoFrames atomic.Uint64
	audioFrames atomic.Uint64
	written     atomic.Uint64
	maxVideoPTS atomic.Int64
	maxAudioPTS atomic.Int64
	encoderName atomic.Value
}

func NewEmbeddedSink() *EmbeddedSink {
	s := &EmbeddedSink{log: log.With(logging.KeySink, KindEmbedded)}
	s.maxVideoPTS.Store(-1)
	s.maxAudioPTS.Store(-1)
	s.encoderName.Store("")
	return s
}

func (s *EmbeddedSink) Name() string { return KindEmbedded }

func checkEmbedded(ec config.EmbeddedConfig) error {
	switch strings.ToLower(ec.Container) {
	case "mp4", "ts", "":
	default:
		return fmt.Errorf("%w: container %q", ErrInvalidConfig, ec.Container)
	}
	if _, err := videoCandidates(ec.VideoEncoder, containerName(ec)); err != nil {
		return err
	}
	_, err := audioCandidates(ec.AudioEncoder, containerName(ec))
	return err
}

func containerName(ec config.EmbeddedConfig) string {
	if ec.Container == "" {
		return "mp4"
	}
	return strings.ToLower(ec.Container)
}

// Start opens both encoders and the output file and prepares the muxer.
func (s *EmbeddedSink) Start(_ context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := checkEmbedded(cfg.Embedded); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return fmt.Errorf("%w: already started", ErrInvalidConfig)
	}
	ec := cfg.Embedded
	container := containerName(ec)

	venc, err := newVideoBackend(ec.VideoEncoder, container, VideoParams{
		Width:   cfg.Width,
		Height:  cfg.Height,
		FPS:     cfg.FPS,
		Bitrate: ec.VideoBitrate,
		Quality: ec.JPEGQuality,
		Library: ec.OpenH264Library,
	})
	if err != nil {
		return err
	}
	aenc, err := newAudioBackend(ec.AudioEncoder, container, AudioParams{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Bitrate:    ec.AudioBitrate,
	})
	if err != nil {
		venc.Close()
		return err
	}

	if dir := filepath.Dir(cfg.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			venc.Close()
			aenc.Close()
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		venc.Close()
		aenc.Close()
		return fmt.Errorf("create output: %w", err)
	}
	mux, err := newMuxer(countingWriter{f: f, n: &s.written}, muxParams{
		container:   container,
		videoCodec:  venc.Codec(),
		audioCodec:  aenc.Codec(),
		audioConfig: aenc.Config(),
		width:       cfg.Width,
		height:      cfg.Height,
		fps:         cfg.FPS,
		sampleRate:  cfg.SampleRate,
		channels:    cfg.Channels,
	})
	if err != nil {
		venc.Close()
		aenc.Close()
		f.Close()
		os.Remove(cfg.OutputPath)
		return err
	}

	s.cfg = cfg
	s.file = f
	s.mux = mux
	s.venc, s.aenc = venc, aenc
	s.vpts = NewVideoPTS(cfg.Clock, cfg.FPS)
	s.apts = NewAudioPTS()
	s.carry = s.carry[:0]
	s.encoded = 0
	s.stopped = false
	s.encoderName.Store(venc.Name() + "+" + aenc.Name())
	s.started.Store(true)

	s.log.Info("embedded encoder started",
		"output", cfg.OutputPath,
		"container", container,
		"video", venc.Name(),
		"hardware", venc.IsHardware(),
		"audio", aenc.Name(),
		"size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS)
	return nil
}

// EncodeVideo converts, encodes and muxes one frame.
func (s *EmbeddedSink) EncodeVideo(f *media.VideoFrame) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Width != s.cfg.Width || f.Height != s.cfg.Height {
		return fmt.Errorf("%w: frame %dx%d, session %dx%d", ErrInvalidConfig, f.Width, f.Height, s.cfg.Width, s.cfg.Height)
	}
	pts := s.vpts.Next(f.Tick)
	if err := s.venc.Submit(f, pts); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncode, s.venc.Name(), err)
	}
	pkts, err := s.venc.Drain()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncode, s.venc.Name(), err)
	}
	if err := s.writeVideo(pkts); err != nil {
		return err
	}
	s.maxVideoPTS.Store(pts)
	s.videoFrames.Add(1)
	return nil
}

func (s *EmbeddedSink) writeVideo(pkts []VideoPacket) error {
	for _, pkt := range pkts {
		if err := s.mux.WriteVideo(pkt); err != nil {
			return err
		}
	}
	return nil
}

func (s *EmbeddedSink) writeAudio(pkts []AudioPacket) error {
	for _, pkt := range pkts {
		if err := s.mux.WriteAudio(pkt); err != nil {
			return err
		}
	}
	return nil
}

// EncodeAudio appends the chunk to the carry-over buffer and encodes every
// complete block.
func (s *EmbeddedSink) EncodeAudio(c *media.AudioChunk) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.SampleRate != s.cfg.SampleRate || c.Channels != s.cfg.Channels {
		return fmt.Errorf("%w: chunk %d Hz %d ch, session %d Hz %d ch", ErrInvalidConfig, c.SampleRate, c.Channels, s.cfg.SampleRate, s.cfg.Channels)
	}
	pts := s.apts.Next(c.Frames)
	s.carry = media.F32ToS16LE(s.carry, c.Data)
	if err := s.encodeBlocks(); err != nil {
		return err
	}
	s.maxAudioPTS.Store(pts)
	s.audioFrames.Add(uint64(c.Frames))
	return nil
}

func (s *EmbeddedSink) blockBytes() int {
	return AudioFrameSize * s.cfg.Channels * 2
}

func (s *EmbeddedSink) encodeBlocks() error {
	block := s.blockBytes()
	off := 0
	for len(s.carry)-off >= block {
		pkts, err := s.aenc.Encode(s.carry[off:off+block], s.encoded)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrEncode, s.aenc.Name(), err)
		}
		s.encoded += AudioFrameSize
		off += block
		if err := s.writeAudio(pkts); err != nil {
			return err
		}
	}
	if off > 0 {
		s.carry = append(s.carry[:0], s.carry[off:]...)
	}
	return nil
}

// Stop drains both encoders, pads the trailing audio block with silence,
// writes the last fragment and closes the file.
func (s *EmbeddedSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.Load() || s.stopped {
		return nil
	}
	s.stopped = true
	s.started.Store(false)

	var errs []error
	if pkts, err := s.venc.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("%w: flush video: %v", ErrEncode, err))
	} else if err := s.writeVideo(pkts); err != nil {
		errs = append(errs, err)
	}

	if n := len(s.carry); n > 0 {
		s.carry = append(s.carry, make([]byte, s.blockBytes()-n)...)
		if err := s.encodeBlocks(); err != nil {
			errs = append(errs, err)
		}
	}
	if pkts, err := s.aenc.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("%w: flush audio: %v", ErrEncode, err))
	} else if err := s.writeAudio(pkts); err != nil {
		errs = append(errs, err)
	}

	if err := s.mux.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("%w: sync: %v", ErrTransport, err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: close: %v", ErrTransport, err))
	}
	if err := s.venc.Close(); err != nil {
		s.log.Warn("closing video encoder", logging.KeyError, err)
	}
	if err := s.aenc.Close(); err != nil {
		s.log.Warn("closing audio encoder", logging.KeyError, err)
	}
	s.mux, s.venc, s.aenc, s.file = nil, nil, nil, nil
	s.carry = nil

	s.log.Info("embedded encoder stopped",
		"videoFrames", s.videoFrames.Load(),
		"audioFrames", s.audioFrames.Load(),
		"bytes", s.written.Load())
	return errors.Join(errs...)
}

func (s *EmbeddedSink) Stats() Stats {
	return Stats{
		VideoFrames:  s.videoFrames.Load(),
		AudioFrames:  s.audioFrames.Load(),
		BytesWritten: s.written.Load(),
		MaxVideoPTS:  s.maxVideoPTS.Load(),
		MaxAudioPTS:  s.maxAudioPTS.Load(),
		Encoder:      s.encoderName.Load().(string),
	}
}
