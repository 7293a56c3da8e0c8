package sink

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

func init() {
	registerVideoFactory(videoFactory{
		name:       "mjpeg",
		codec:      CodecMJPEG,
		priority:   priorityPortable,
		containers: []string{"mp4"},
		new:        newMJPEGEncoder,
	})
	registerAudioFactory(audioFactory{
		name:       "lpcm",
		codec:      CodecLPCM,
		priority:   priorityPortable,
		containers: []string{"mp4"},
		new:        newLPCMEncoder,
	})
}

// mjpegEncoder compresses every frame as an independent JPEG picture.
type mjpegEncoder struct {
	conv    *media.PixelConverter
	opts    jpeg.Options
	pending []VideoPacket
}

func newMJPEGEncoder(p VideoParams) (videoBackend, error) {
	conv, err := media.NewPixelConverter(p.Width, p.Height)
	if err != nil {
		return nil, err
	}
	q := p.Quality
	if q <= 0 || q > 100 {
		q = 80
	}
	return &mjpegEncoder{conv: conv, opts: jpeg.Options{Quality: q}}, nil
}

func (e *mjpegEncoder) Name() string     { return "mjpeg" }
func (e *mjpegEncoder) Codec() Codec     { return CodecMJPEG }
func (e *mjpegEncoder) IsHardware() bool { return false }

func (e *mjpegEncoder) Submit(f *media.VideoFrame, pts int64) error {
	img, err := e.conv.RGBA(f)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &e.opts); err != nil {
		return fmt.Errorf("jpeg encode: %w", err)
	}
	e.pending = append(e.pending, VideoPacket{Data: buf.Bytes(), PTS: pts, DTS: pts, Key: true})
	return nil
}

func (e *mjpegEncoder) Drain() ([]VideoPacket, error) {
	out := e.pending
	e.pending = nil
	return out, nil
}

func (e *mjpegEncoder) Flush() ([]VideoPacket, error) { return e.Drain() }

func (e *mjpegEncoder) Close() error {
	e.pending = nil
	return nil
}

// lpcmEncoder passes 16-bit PCM through in fixed-size frames.
type lpcmEncoder struct {
	channels int
}

func newLPCMEncoder(p AudioParams) (audioBackend, error) {
	if p.Channels <= 0 || p.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d Hz %d ch", ErrInvalidConfig, p.SampleRate, p.Channels)
	}
	return &lpcmEncoder{channels: p.Channels}, nil
}

func (e *lpcmEncoder) Name() string   { return "lpcm" }
func (e *lpcmEncoder) Codec() Codec   { return CodecLPCM }
func (e *lpcmEncoder) Config() []byte { return nil }

func (e *lpcmEncoder) Encode(pcm []byte, pts int64) ([]AudioPacket, error) {
	frames := len(pcm) / (2 * e.channels)
	data := make([]byte, frames*2*e.channels)
	copy(data, pcm)
	return []AudioPacket{{Data: data, PTS: pts, Frames: frames}}, nil
}

func (e *lpcmEncoder) Flush() ([]AudioPacket, error) { return nil, nil }
func (e *lpcmEncoder) Close() error                  { return nil }
