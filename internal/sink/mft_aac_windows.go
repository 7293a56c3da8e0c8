//go:build windows

package sink

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/Eyebottle/sat-lec-rec/internal/com"
)

func init() {
	registerAudioFactory(audioFactory{
		name:     "aac",
		codec:    CodecAAC,
		priority: priorityPlatform,
		new:      newMFTAACEncoder,
	})
}

// The Microsoft AAC encoder accepts only these average byte rates.
var aacByteRates = []int{12000, 16000, 20000, 24000}

// mftAACEncoder drives the Media Foundation AAC-LC encoder. Output is raw
// AAC, one access unit per AudioFrameSize input frames.
type mftAACEncoder struct {
	mft      transform
	p        AudioParams
	config   []byte
	queue    []int64 // PTS of submitted blocks awaiting output
	lastPTS  int64
	blockDur int64 // 100 ns
}

// aacByteRate maps a bitrate to the nearest rate the encoder supports.
func aacByteRate(bitrate int) int {
	want := bitrate / 8
	best := aacByteRates[0]
	for _, r := range aacByteRates {
		if abs(r-want) < abs(best-want) {
			best = r
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func newMFTAACEncoder(p AudioParams) (audioBackend, error) {
	if p.SampleRate != 44100 && p.SampleRate != 48000 {
		return nil, fmt.Errorf("%w: aac encoder needs 44100 or 48000 Hz, got %d", ErrEncoderUnavailable, p.SampleRate)
	}
	if p.Channels != 1 && p.Channels != 2 && p.Channels != 6 {
		return nil, fmt.Errorf("%w: aac encoder needs 1, 2 or 6 channels, got %d", ErrEncoderUnavailable, p.Channels)
	}
	if p.Bitrate <= 0 {
		p.Bitrate = 128_000
	}
	asc := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   p.SampleRate,
		ChannelCount: p.Channels,
	}
	config, err := asc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("AudioSpecificConfig: %w", err)
	}
	if err := mfAcquire(); err != nil {
		return nil, err
	}
	ptr, err := com.CreateInstance(&clsidAACEncoder, &iidIMFTransform)
	if err != nil {
		mfRelease()
		return nil, fmt.Errorf("%w: create aac transform: %v", ErrEncoderUnavailable, err)
	}
	e := &mftAACEncoder{
		mft:      transform{ptr: ptr},
		p:        p,
		config:   config,
		lastPTS:  -AudioFrameSize,
		blockDur: int64(AudioFrameSize) * 10_000_000 / int64(p.SampleRate),
	}
	if err := e.configure(); err != nil {
		e.mft.close()
		mfRelease()
		return nil, err
	}
	log.Info("mft aac encoder ready", "sampleRate", p.SampleRate, "channels", p.Channels, "byteRate", aacByteRate(p.Bitrate))
	return e, nil
}

func (e *mftAACEncoder) configure() error {
	rate, ch := uint32(e.p.SampleRate), uint32(e.p.Channels)

	ot := newMediaType(&mfMediaTypeAudio, &mfAudioFormatAAC)
	ot.u32(&mfMTBitsPerSample, 16)
	ot.u32(&mfMTSamplesPerSecond, rate)
	ot.u32(&mfMTNumChannels, ch)
	ot.u32(&mfMTAvgBytesPerSecond, uint32(aacByteRate(e.p.Bitrate)))
	ot.u32(&mfMTAACPayloadType, 0)
	err := e.mft.setType(vtblSetOutputType, ot)
	ot.release()
	if err != nil {
		return fmt.Errorf("SetOutputType: %w", err)
	}

	it := newMediaType(&mfMediaTypeAudio, &mfAudioFormatPCM)
	it.u32(&mfMTBitsPerSample, 16)
	it.u32(&mfMTSamplesPerSecond, rate)
	it.u32(&mfMTNumChannels, ch)
	it.u32(&mfMTBlockAlignment, ch*2)
	it.u32(&mfMTAvgBytesPerSecond, rate*ch*2)
	err = e.mft.setType(vtblSetInputType, it)
	it.release()
	if err != nil {
		return fmt.Errorf("SetInputType: %w", err)
	}
	if err := e.mft.begin(); err != nil {
		return err
	}
	e.mft.outputBufSize = max(e.mft.outputBufSize, 8192)
	return nil
}

func (e *mftAACEncoder) Name() string   { return "aac" }
func (e *mftAACEncoder) Codec() Codec   { return CodecAAC }
func (e *mftAACEncoder) Config() []byte { return e.config }

func (e *mftAACEncoder) Encode(pcm []byte, pts int64) ([]AudioPacket, error) {
	sample, err := inputSample(pcm, pts*10_000_000/int64(e.p.SampleRate), e.blockDur)
	if err != nil {
		return nil, err
	}
	defer com.Release(sample)
	e.queue = append(e.queue, pts)
	out, err := e.mft.feed(sample)
	return e.packets(out), err
}

// packets stamps each access unit with the PTS of the block it came from.
// The encoder keeps input order, so blocks are matched first in first out.
func (e *mftAACEncoder) packets(out []mftOutput) []AudioPacket {
	pkts := make([]AudioPacket, 0, len(out))
	for _, o := range out {
		if len(o.data) == 0 {
			continue
		}
		pts := e.lastPTS + AudioFrameSize
		if len(e.queue) > 0 {
			pts = e.queue[0]
			e.queue = e.queue[1:]
		}
		e.lastPTS = pts
		pkts = append(pkts, AudioPacket{Data: o.data, PTS: pts, Frames: AudioFrameSize})
	}
	return pkts
}

func (e *mftAACEncoder) Flush() ([]AudioPacket, error) {
	out, err := e.mft.finish()
	return e.packets(out), err
}

func (e *mftAACEncoder) Close() error {
	if e.mft.ptr == 0 {
		return nil
	}
	e.mft.close()
	mfRelease()
	return nil
}
