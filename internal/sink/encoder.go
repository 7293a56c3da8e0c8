package sink

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

type Codec string

const (
	CodecH264  Codec = "h264"
	CodecMJPEG Codec = "mjpeg"
	CodecAAC   Codec = "aac"
	CodecLPCM  Codec = "lpcm"
)

// AudioFrameSize is the number of PCM frames per encoded audio packet.
const AudioFrameSize = 1024

var ErrEncoderUnavailable = errors.New("encoder unavailable on this platform")

// VideoParams configures a video encoder. The encoder time base is 1/FPS.
type VideoParams struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int
	Quality int
	// Library is the OpenH264 shared library path; empty uses the
	// platform's default name.
	Library string
}

// AudioParams configures an audio encoder. Input is interleaved s16le and
// the time base is 1/SampleRate.
type AudioParams struct {
	SampleRate int
	Channels   int
	Bitrate    int
}

// VideoPacket is one encoded picture. H.264 payloads are split into NAL
// units without start codes.
type VideoPacket struct {
	NALUs [][]byte
	Data  []byte
	PTS   int64
	DTS   int64
	Key   bool
}

// AudioPacket is one encoded audio frame.
type AudioPacket struct {
	Data   []byte
	PTS    int64
	Frames int
}

type videoBackend interface {
	Name() string
	Codec() Codec
	IsHardware() bool
	// Submit hands one converted picture to the encoder.
	Submit(f *media.VideoFrame, pts int64) error
	// Drain returns every packet the encoder has ready.
	Drain() ([]VideoPacket, error)
	// Flush signals end of stream and returns the remaining packets.
	Flush() ([]VideoPacket, error)
	Close() error
}

type audioBackend interface {
	Name() string
	Codec() Codec
	// Config is the codec setup blob for the container, if any.
	Config() []byte
	// Encode consumes exactly AudioFrameSize frames of s16le PCM.
	Encode(pcm []byte, pts int64) ([]AudioPacket, error)
	Flush() ([]AudioPacket, error)
	Close() error
}

type videoFactory struct {
	name     string
	codec    Codec
	priority int // lower is preferred by auto
	// containers the output can be muxed into; empty means all.
	containers []string
	new        func(VideoParams) (videoBackend, error)
}

type audioFactory struct {
	name       string
	codec      Codec
	priority   int
	containers []string
	new        func(AudioParams) (audioBackend, error)
}

const (
	priorityPlatform = 0
	priorityLibrary  = 5
	priorityPortable = 10
)

const defaultVideoBitrate = 4_000_000

var (
	factoriesMu    sync.Mutex
	videoFactories []videoFactory
	audioFactories []audioFactory
)

// registerVideoFactory adds an encoder from init. The registry stays ordered
// by priority so auto tries platform encoders before portable ones.
func registerVideoFactory(f videoFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	videoFactories = append(videoFactories, f)
	slices.SortStableFunc(videoFactories, func(a, b videoFactory) int { return a.priority - b.priority })
}

func registerAudioFactory(f audioFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	audioFactories = append(audioFactories, f)
	slices.SortStableFunc(audioFactories, func(a, b audioFactory) int { return a.priority - b.priority })
}

func fitsContainer(containers []string, container string) bool {
	if len(containers) == 0 {
		return true
	}
	for _, c := range containers {
		if strings.EqualFold(c, container) {
			return true
		}
	}
	return false
}

// videoCandidates returns the factories matching name ("auto" or "" for all) in
// registry order, skipping those the container cannot carry.
func videoCandidates(name, container string) ([]videoFactory, error) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	var out []videoFactory
	for _, f := range videoFactories {
		if name != "" && name != "auto" && f.name != name {
			continue
		}
		if !fitsContainer(f.containers, container) {
			if f.name == name {
				return nil, fmt.Errorf("%w: video encoder %s cannot be muxed into %s", ErrInvalidConfig, name, container)
			}
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: video encoder %q for %s", ErrNoEncoder, name, container)
	}
	return out, nil
}

func audioCandidates(name, container string) ([]audioFactory, error) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	var out []audioFactory
	for _, f := range audioFactories {
		if name != "" && name != "auto" && f.name != name {
			continue
		}
		if !fitsContainer(f.containers, container) {
			if f.name == name {
				return nil, fmt.Errorf("%w: audio encoder %s cannot be muxed into %s", ErrInvalidConfig, name, container)
			}
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: audio encoder %q for %s", ErrNoEncoder, name, container)
	}
	return out, nil
}

// newVideoBackend opens the first candidate that initializes.
func newVideoBackend(name, container string, p VideoParams) (videoBackend, error) {
	cands, err := videoCandidates(name, container)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, f := range cands {
		b, err := f.new(p)
		if err == nil {
			return b, nil
		}
		log.Warn("video encoder unavailable", "encoder", f.name, logging.KeyError, err)
		errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
	}
	return nil, fmt.Errorf("%w: %v", ErrNoEncoder, errors.Join(errs...))
}

func newAudioBackend(name, container string, p AudioParams) (audioBackend, error) {
	cands, err := audioCandidates(name, container)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, f := range cands {
		b, err := f.new(p)
		if err == nil {
			return b, nil
		}
		log.Warn("audio encoder unavailable", "encoder", f.name, logging.KeyError, err)
		errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
	}
	return nil, fmt.Errorf("%w: %v", ErrNoEncoder, errors.Join(errs...))
}

// EncoderInfo describes one registered encoder for probing.
type EncoderInfo struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Codec      Codec    `json:"codec"`
	Containers []string `json:"containers,omitempty"`
}

// Encoders lists the registered encoders in preference order.
func Encoders() []EncoderInfo {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	var out []EncoderInfo
	for _, f := range videoFactories {
		out = append(out, EncoderInfo{Name: f.name, Kind: "video", Codec: f.codec, Containers: f.containers})
	}
	for _, f := range audioFactories {
		out = append(out, EncoderInfo{Name: f.name, Kind: "audio", Codec: f.codec, Containers: f.containers})
	}
	return out
}
