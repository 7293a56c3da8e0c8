// Package sink turns the captured frame and sample streams into an encoded
// file. Two backends exist: PipeSink feeds a child ffmpeg process over two
// byte channels, EmbeddedSink encodes and muxes in process.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Eyebottle/sat-lec-rec/internal/config"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

var log = logging.L("sink")

var (
	ErrTransport      = errors.New("sink transport failed")
	ErrConnectTimeout = errors.New("encoder did not connect in time")
	ErrProcessExited  = errors.New("encoder process exited")
	ErrNotStarted     = errors.New("sink not started")
	ErrInvalidConfig  = errors.New("invalid sink config")
	ErrNoEncoder      = errors.New("no usable encoder")
)

const (
	KindPipe     = "pipe"
	KindEmbedded = "embedded"
)

// Sink consumes raw frames and chunks on a single goroutine. Stop is
// idempotent and safe after a failed Start.
type Sink interface {
	Start(ctx context.Context, cfg Config) error
	EncodeVideo(f *media.VideoFrame) error
	EncodeAudio(c *media.AudioChunk) error
	Stop() error
	Name() string
	Stats() Stats
}

// Config describes one encoding session.
type Config struct {
	OutputPath string
	Width      int
	Height     int
	FPS        int
	SampleRate int
	Channels   int
	Clock      *media.Clock

	Pipe     config.PipeConfig
	Embedded config.EmbeddedConfig
}

// Validate rejects geometry and formats no backend can encode.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.OutputPath) == "" {
		problems = append(problems, "output path is empty")
	}
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		problems = append(problems, fmt.Sprintf("frame size %dx%d must be positive and even", c.Width, c.Height))
	}
	if c.FPS <= 0 {
		problems = append(problems, fmt.Sprintf("fps %d must be positive", c.FPS))
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		problems = append(problems, fmt.Sprintf("audio format %d Hz %d ch is invalid", c.SampleRate, c.Channels))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Stats is a snapshot of a sink's counters.
type Stats struct {
	VideoFrames  uint64        `json:"videoFrames"`
	AudioFrames  uint64        `json:"audioFrames"`
	BytesWritten uint64        `json:"bytesWritten"`
	MaxVideoPTS  int64         `json:"maxVideoPts"`
	MaxAudioPTS  int64         `json:"maxAudioPts"`
	Encoder      string        `json:"encoder,omitempty"`
	Process      *ProcessStats `json:"process,omitempty"`
}

// New builds an unstarted sink of the given kind.
func New(kind string) (Sink, error) {
	switch strings.ToLower(kind) {
	case KindPipe, "":
		return NewPipeSink(nil), nil
	case KindEmbedded:
		return NewEmbeddedSink(), nil
	}
	return nil, fmt.Errorf("%w: unknown sink %q", ErrInvalidConfig, kind)
}

// Probe reports whether a sink of the given kind could start with cfg's
// backend options, without touching any output.
func Probe(kind string, cfg *config.Config) error {
	switch strings.ToLower(kind) {
	case KindPipe, "":
		_, err := ResolveFFmpeg(cfg.Pipe.FFmpegPath)
		return err
	case KindEmbedded:
		return checkEmbedded(cfg.Embedded)
	}
	return fmt.Errorf("%w: unknown sink %q", ErrInvalidConfig, kind)
}

func containerExt(container string) string {
	if strings.EqualFold(container, "ts") {
		return ".ts"
	}
	return ".mp4"
}

// ExtFor returns the file extension a sink of the given kind writes.
func ExtFor(kind string, cfg *config.Config) string {
	if strings.EqualFold(kind, KindEmbedded) {
		return containerExt(cfg.Embedded.Container)
	}
	return ".mp4"
}

// IsFatal reports whether err means the sink can no longer produce output,
// as opposed to a single rejected frame or chunk.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrEncode) ||
		errors.Is(err, ErrProcessExited) || errors.Is(err, ErrNotStarted)
}
