//go:build windows || linux || darwin || freebsd

package sink

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	openh264 "github.com/y9o/go-openh264"

	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

func init() {
	registerVideoFactory(videoFactory{
		name:     "openh264",
		codec:    CodecH264,
		priority: priorityLibrary,
		new:      newOpenH264Encoder,
	})
}

var (
	openh264Mu     sync.Mutex
	openh264Loaded bool
)

func defaultOpenH264Library() string {
	switch runtime.GOOS {
	case "windows":
		return "openh264-2.4.1-win64.dll"
	case "darwin":
		return "libopenh264.7.dylib"
	default:
		return "libopenh264.so.7"
	}
}

// loadOpenH264 loads the shared library once per process. A failed load is
// retried on the next session so a library installed later is picked up.
func loadOpenH264(path string) error {
	openh264Mu.Lock()
	defer openh264Mu.Unlock()
	if openh264Loaded {
		return nil
	}
	if path == "" {
		path = defaultOpenH264Library()
	}
	if err := openh264.Open(path); err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrEncoderUnavailable, path, err)
	}
	openh264Loaded = true
	v := openh264.WelsGetCodecVersion()
	log.Info("openh264 loaded", "library", path, "version", fmt.Sprintf("%d.%d.%d", v.UMajor, v.UMinor, v.URevision))
	return nil
}

// openh264Encoder is a software H.264 encoder over Cisco's OpenH264. It
// produces no B-frames, so every submitted picture yields at most one
// packet with PTS == DTS.
type openh264Encoder struct {
	enc     *openh264.ISVCEncoder
	conv    *media.PixelConverter
	p       VideoParams
	src     openh264.SSourcePicture
	info    openh264.SFrameBSInfo
	pinner  runtime.Pinner
	pinned  bool
	pending []VideoPacket
}

func newOpenH264Encoder(p VideoParams) (videoBackend, error) {
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
	if err := loadOpenH264(p.Library); err != nil {
		return nil, err
	}

	var enc *openh264.ISVCEncoder
	if rc := openh264.WelsCreateSVCEncoder(&enc); rc != 0 || enc == nil {
		return nil, fmt.Errorf("%w: WelsCreateSVCEncoder returned %d", ErrEncoderUnavailable, rc)
	}

	var param openh264.SEncParamExt
	enc.GetDefaultParams(&param)
	param.IUsageType = openh264.SCREEN_CONTENT_REAL_TIME
	param.IPicWidth = int32(p.Width)
	param.IPicHeight = int32(p.Height)
	param.ITargetBitrate = int32(p.Bitrate)
	param.IMaxBitrate = int32(p.Bitrate * 2)
	param.IRCMode = openh264.RC_BITRATE_MODE
	param.FMaxFrameRate = float32(p.FPS)
	param.UiIntraPeriod = uint32(p.FPS)
	param.BEnableFrameSkip = false
	param.ITemporalLayerNum = 1
	param.ISpatialLayerNum = 1
	layer := &param.SSpatialLayers[0]
	layer.IVideoWidth = int32(p.Width)
	layer.IVideoHeight = int32(p.Height)
	layer.FFrameRate = float32(p.FPS)
	layer.ISpatialBitrate = int32(p.Bitrate)
	layer.IMaxSpatialBitrate = int32(p.Bitrate * 2)
	layer.SSliceArgument.UiSliceMode = openh264.SM_SINGLE_SLICE

	if rc := enc.InitializeExt(&param); rc != 0 {
		openh264.WelsDestroySVCEncoder(enc)
		return nil, fmt.Errorf("%w: openh264 InitializeExt returned %d", ErrEncoderUnavailable, rc)
	}
	format := openh264.VideoFormatI420
	enc.SetOption(openh264.ENCODER_OPTION_DATAFORMAT, &format)

	e := &openh264Encoder{enc: enc, conv: conv, p: p}
	e.src = openh264.SSourcePicture{
		IColorFormat: openh264.VideoFormatI420,
		IPicWidth:    int32(p.Width),
		IPicHeight:   int32(p.Height),
	}
	e.src.IStride[0] = int32(p.Width)
	e.src.IStride[1] = int32(p.Width / 2)
	e.src.IStride[2] = int32(p.Width / 2)

	log.Info("openh264 encoder ready",
		"size", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"fps", p.FPS,
		"bitrate", p.Bitrate)
	return e, nil
}

func (e *openh264Encoder) Name() string     { return "openh264" }
func (e *openh264Encoder) Codec() Codec     { return CodecH264 }
func (e *openh264Encoder) IsHardware() bool { return false }

func (e *openh264Encoder) Submit(f *media.VideoFrame, pts int64) error {
	yuv, err := e.conv.I420(f)
	if err != nil {
		return err
	}
	// The converter reuses one buffer for the encoder's lifetime.
	if !e.pinned {
		e.pinner.Pin(&yuv[0])
		e.pinned = true
	}
	luma := e.p.Width * e.p.Height
	e.src.PData[0] = &yuv[0]
	e.src.PData[1] = &yuv[luma]
	e.src.PData[2] = &yuv[luma+luma/4]
	e.src.UiTimeStamp = pts * 1000 / int64(e.p.FPS)

	if rc := e.enc.EncodeFrame(&e.src, &e.info); rc != openh264.CmResultSuccess {
		return fmt.Errorf("openh264 EncodeFrame returned %d", rc)
	}
	switch e.info.EFrameType {
	case openh264.VideoFrameTypeSkip, openh264.VideoFrameTypeInvalid:
		return nil
	}
	au := e.collect()
	if len(au) == 0 {
		return nil
	}
	e.pending = append(e.pending, VideoPacket{
		NALUs: au,
		PTS:   pts,
		DTS:   pts,
		Key:   e.info.EFrameType == openh264.VideoFrameTypeIDR,
	})
	return nil
}

// collect copies the encoded layers out of the library's buffers, which are
// reused by the next EncodeFrame.
func (e *openh264Encoder) collect() [][]byte {
	var au [][]byte
	for i := 0; i < int(e.info.ILayerNum); i++ {
		layer := &e.info.SLayerInfo[i]
		if layer.INalCount <= 0 {
			continue
		}
		var size int32
		for _, n := range unsafe.Slice(layer.PNalLengthInByte, layer.INalCount) {
			size += n
		}
		if size <= 0 {
			continue
		}
		buf := append([]byte(nil), unsafe.Slice(layer.PBsBuf, size)...)
		au = append(au, splitAnnexB(buf)...)
	}
	return au
}

func (e *openh264Encoder) Drain() ([]VideoPacket, error) {
	out := e.pending
	e.pending = nil
	return out, nil
}

func (e *openh264Encoder) Flush() ([]VideoPacket, error) { return e.Drain() }

func (e *openh264Encoder) Close() error {
	if e.enc != nil {
		e.enc.Uninitialize()
		openh264.WelsDestroySVCEncoder(e.enc)
		e.enc = nil
	}
	e.pinner.Unpin()
	e.pending = nil
	return nil
}
