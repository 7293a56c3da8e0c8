//go:build windows

package sink

import (
	"fmt"
	"unsafe"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/go-ole/go-ole"

	"github.com/Eyebottle/sat-lec-rec/internal/com"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

func init() {
	registerVideoFactory(videoFactory{
		name:     "mft",
		codec:    CodecH264,
		priority: priorityPlatform,
		new:      newMFTH264Encoder,
	})
}

// mftH264Encoder drives the Media Foundation H.264 encoder, hardware first.
// Frames are converted to NV12 on the CPU.
type mftH264Encoder struct {
	mft      transform
	codecAPI uintptr
	isHW     bool
	conv     *media.PixelConverter
	p        VideoParams
	frameDur int64 // 100 ns
	lastPTS  int64
	pending  []VideoPacket
}

func newMFTH264Encoder(p VideoParams) (videoBackend, error) {
	if p.FPS <= 0 {
		return nil, fmt.Errorf("%w: fps %d", ErrInvalidConfig, p.FPS)
	}
	if p.Bitrate <= 0 {
		p.Bitrate = defaultVideoBitrate
	}
	conv, err := media.NewPixelConverter(p.Width, p.Height)
	if err != nil {
		return nil, err
	}
	if err := mfAcquire(); err != nil {
		return nil, err
	}
	e := &mftH264Encoder{conv: conv, p: p, frameDur: 10_000_000 / int64(p.FPS), lastPTS: -1}
	if err := e.open(); err != nil {
		mfRelease()
		return nil, err
	}
	log.Info("mft h264 encoder ready",
		"hardware", e.isHW,
		"size", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"fps", p.FPS,
		"bitrate", p.Bitrate,
		"providesSamples", e.mft.providesSamples)
	return e, nil
}

// open tries a hardware transform and falls back to the synchronous
// software one when the hardware transform rejects the configuration.
func (e *mftH264Encoder) open() error {
	in := mftRegisterTypeInfo{major: mfMediaTypeVideo, subtype: mfVideoFormatNV12}
	out := mftRegisterTypeInfo{major: mfMediaTypeVideo, subtype: mfVideoFormatH264}

	if ptr, err := enumTransform(&mftCategoryVideoEncoder, mftEnumFlagHardware|mftEnumFlagSortAndFilter, &in, &out); err == nil {
		e.mft = transform{ptr: ptr}
		e.isHW = true
		err = e.configure()
		if err == nil {
			return nil
		}
		log.Warn("hardware h264 transform rejected, using software", logging.KeyError, err)
		e.releaseTransform()
	}

	for _, flags := range []uint32{mftEnumFlagSyncMFT | mftEnumFlagSortAndFilter, mftEnumFlagAll} {
		ptr, err := enumTransform(&mftCategoryVideoEncoder, flags, &in, &out)
		if err != nil {
			continue
		}
		e.mft = transform{ptr: ptr}
		e.isHW = false
		if err := e.configure(); err != nil {
			e.releaseTransform()
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: no h264 transform", ErrEncoderUnavailable)
}

func (e *mftH264Encoder) configure() error {
	if e.isHW {
		if err := e.mft.setAttr(&mfTransformAsyncUnlock, 1); err != nil {
			return fmt.Errorf("async unlock: %w", err)
		}
	}
	w, h := uint32(e.p.Width), uint32(e.p.Height)

	// The encoder only accepts an input type once its output type is set.
	ot := newMediaType(&mfMediaTypeVideo, &mfVideoFormatH264)
	ot.u32(&mfMTAvgBitrate, uint32(e.p.Bitrate))
	ot.u32(&mfMTInterlaceMode, mfVideoInterlaceProgressive)
	ot.u64(&mfMTFrameSize, com.Pack64(w, h))
	ot.u64(&mfMTFrameRate, com.Pack64(uint32(e.p.FPS), 1))
	ot.u64(&mfMTPixelAspectRatio, com.Pack64(1, 1))
	ot.u32(&mfMTMpeg2Profile, eAVEncH264VProfileMain)
	err := e.mft.setType(vtblSetOutputType, ot)
	ot.release()
	if err != nil {
		return fmt.Errorf("SetOutputType: %w", err)
	}

	it := newMediaType(&mfMediaTypeVideo, &mfVideoFormatNV12)
	it.u32(&mfMTInterlaceMode, mfVideoInterlaceProgressive)
	it.u64(&mfMTFrameSize, com.Pack64(w, h))
	it.u64(&mfMTFrameRate, com.Pack64(uint32(e.p.FPS), 1))
	it.u64(&mfMTPixelAspectRatio, com.Pack64(1, 1))
	it.u32(&mfMTDefaultStride, w)
	err = e.mft.setType(vtblSetInputType, it)
	it.release()
	if err != nil {
		return fmt.Errorf("SetInputType: %w", err)
	}

	if err := e.mft.setAttr(&mfLowLatency, 1); err != nil {
		log.Debug("MF_LOW_LATENCY not supported", logging.KeyError, err)
	}
	if err := e.mft.begin(); err != nil {
		return err
	}
	e.mft.outputBufSize = max(e.mft.outputBufSize, media.NV12Size(e.p.Width, e.p.Height))

	api, err := com.QueryInterface(e.mft.ptr, &iidICodecAPI)
	if err != nil {
		log.Debug("ICodecAPI not available", logging.KeyError, err)
		return nil
	}
	e.codecAPI = api
	// One IDR per second, no reordering and constant bitrate.
	e.setValue(&codecAPIGOPSize, uint32(e.p.FPS))
	e.setValue(&codecAPIBPictureCount, 0)
	e.setValue(&codecAPIRateControlMode, eAVEncRateControlCBR)
	e.setValue(&codecAPIMeanBitRate, uint32(e.p.Bitrate))
	return nil
}

func (e *mftH264Encoder) setValue(key *com.GUID, val uint32) {
	v := ole.NewVariant(ole.VT_UI4, int64(val))
	if _, err := com.Call(e.codecAPI, vtblCodecAPISetValue,
		uintptr(unsafe.Pointer(key)),
		uintptr(unsafe.Pointer(&v)),
	); err != nil {
		log.Debug("ICodecAPI SetValue failed", "key", key.String(), "value", val, logging.KeyError, err)
	}
}

func (e *mftH264Encoder) releaseTransform() {
	com.Release(e.codecAPI)
	e.codecAPI = 0
	e.mft.close()
}

func (e *mftH264Encoder) Name() string {
	if e.isHW {
		return "mft-hardware"
	}
	return "mft-software"
}

func (e *mftH264Encoder) Codec() Codec     { return CodecH264 }
func (e *mftH264Encoder) IsHardware() bool { return e.isHW }

func (e *mftH264Encoder) Submit(f *media.VideoFrame, pts int64) error {
	nv12, err := e.conv.NV12(f)
	if err != nil {
		return err
	}
	sample, err := inputSample(nv12, pts*e.frameDur, e.frameDur)
	if err != nil {
		return err
	}
	defer com.Release(sample)
	out, err := e.mft.feed(sample)
	e.collect(out)
	return err
}

// collect turns drained samples into packets. Output order equals input
// order because B-frames are disabled, so DTS equals PTS.
func (e *mftH264Encoder) collect(out []mftOutput) {
	for _, o := range out {
		pts := e.lastPTS + 1
		if o.hasTime {
			if t := (o.time + e.frameDur/2) / e.frameDur; t > e.lastPTS {
				pts = t
			}
		}
		e.lastPTS = pts
		nalus := splitAnnexB(o.data)
		e.pending = append(e.pending, VideoPacket{
			NALUs: nalus,
			PTS:   pts,
			DTS:   pts,
			Key:   h264.IsRandomAccess(nalus),
		})
	}
}

func (e *mftH264Encoder) Drain() ([]VideoPacket, error) {
	out := e.pending
	e.pending = nil
	return out, nil
}

func (e *mftH264Encoder) Flush() ([]VideoPacket, error) {
	out, err := e.mft.finish()
	e.collect(out)
	pkts, _ := e.Drain()
	return pkts, err
}

func (e *mftH264Encoder) Close() error {
	if e.mft.ptr == 0 {
		return nil
	}
	e.releaseTransform()
	mfRelease()
	return nil
}
