// Package media holds the data types shared by the capture producers and the
// sinks: raw frames and audio chunks, the session clock, the bounded hand-off
// queues and the pixel/sample format conversions.
package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// BytesPerPixel is the size of one packed BGRA pixel.
	BytesPerPixel = 4
	// FloatSampleBits is the bit depth of captured PCM samples.
	FloatSampleBits = 32
)

var (
	ErrQueueClosed  = errors.New("queue closed")
	ErrInvalidFrame = errors.New("invalid video frame")
	ErrInvalidChunk = errors.New("invalid audio chunk")
)

// VideoFrame is one captured desktop image: packed BGRA, top-down rows.
// A frame is immutable once enqueued, so repeats may share Data.
type VideoFrame struct {
	Data   []byte
	Width  int
	Height int
	Stride int
	Tick   int64
}

// NewVideoFrame allocates a zeroed tightly packed frame.
func NewVideoFrame(width, height int) *VideoFrame {
	return &VideoFrame{
		Data:   make([]byte, width*height*BytesPerPixel),
		Width:  width,
		Height: height,
		Stride: width * BytesPerPixel,
	}
}

// Repeat returns a frame with the same pixels stamped with a new tick.
func (f *VideoFrame) Repeat(tick int64) *VideoFrame {
	c := *f
	c.Tick = tick
	return &c
}

// Validate checks that the buffer covers the declared geometry.
func (f *VideoFrame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if f.Stride < f.Width*BytesPerPixel {
		return fmt.Errorf("%w: stride %d < %d", ErrInvalidFrame, f.Stride, f.Width*BytesPerPixel)
	}
	if need := (f.Height-1)*f.Stride + f.Width*BytesPerPixel; len(f.Data) < need {
		return fmt.Errorf("%w: %d bytes, need %d", ErrInvalidFrame, len(f.Data), need)
	}
	return nil
}

// Packed returns the pixels with stride == width*4, copying only when the
// source carries row padding.
func (f *VideoFrame) Packed() []byte {
	rowBytes := f.Width * BytesPerPixel
	if f.Stride == rowBytes {
		return f.Data[:rowBytes*f.Height]
	}
	out := make([]byte, rowBytes*f.Height)
	for y := 0; y < f.Height; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes], f.Data[y*f.Stride:y*f.Stride+rowBytes])
	}
	return out
}

// AudioChunk is a run of interleaved little-endian float32 PCM frames.
type AudioChunk struct {
	Data          []byte
	Frames        int
	SampleRate    int
	Channels      int
	BitsPerSample int
	Silent        bool
	Tick          int64
}

// ChunkBytes returns the byte size of frames interleaved frames.
func ChunkBytes(frames, channels, bitsPerSample int) int {
	return frames * channels * bitsPerSample / 8
}

// NewSilentChunk returns a zero-filled chunk of exactly frames frames.
func NewSilentChunk(frames, sampleRate, channels int, tick int64) *AudioChunk {
	return &AudioChunk{
		Data:          make([]byte, ChunkBytes(frames, channels, FloatSampleBits)),
		Frames:        frames,
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: FloatSampleBits,
		Silent:        true,
		Tick:          tick,
	}
}

// Validate checks the byte size against the frame count.
func (c *AudioChunk) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil", ErrInvalidChunk)
	}
	if c.Channels <= 0 || c.SampleRate <= 0 || c.BitsPerSample != FloatSampleBits {
		return fmt.Errorf("%w: %d ch %d Hz %d bit", ErrInvalidChunk, c.Channels, c.SampleRate, c.BitsPerSample)
	}
	if want := ChunkBytes(c.Frames, c.Channels, c.BitsPerSample); len(c.Data) != want {
		return fmt.Errorf("%w: %d bytes for %d frames, want %d", ErrInvalidChunk, len(c.Data), c.Frames, want)
	}
	return nil
}

// Samples decodes the interleaved float32 samples.
func (c *AudioChunk) Samples() []float32 {
	out := make([]float32, len(c.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(c.Data[i*4:]))
	}
	return out
}

// EncodeFloat32 packs samples as little-endian float32 bytes.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
