//go:build windows

package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"syscall"
	"unsafe"

	"github.com/Eyebottle/sat-lec-rec/internal/com"
)

var (
	clsidMMDeviceEnumerator = com.MustGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = com.MustGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = com.MustGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = com.MustGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")
)

// WASAPI constants
const (
	eRender                = 0
	eConsole               = 0
	clsctxAll              = 0x1 | 0x2 | 0x4 | 0x10
	audclntStreamLoopback  = 0x00020000
	audclntShareModeShared = 0
	audclntBufferSilent    = 0x2
	audclntEDeviceInvalid  = 0x88890004
	audclntEServiceNotRun  = 0x88890010
	waveFormatIEEEFloat    = 0x0003
	waveFormatExtensible   = 0xFFFE

	// COM vtable indices (IUnknown = 0,1,2)
	mmdeGetDefaultAudioEndpoint = 4
	mmDeviceActivate            = 3
	audioClientInitialize       = 3
	audioClientGetMixFormat     = 8
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4
)

// loopbackBufferDuration is the shared-mode endpoint buffer in 100 ns units.
const loopbackBufferDuration = 200 * 10000

// waveFormatEx matches WAVEFORMATEX.
type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

// wasapiLoopback captures the default render endpoint in shared loopback
// mode and converts the mix format to interleaved float32.
type wasapiLoopback struct {
	uninit        func()
	enumerator    uintptr
	device        uintptr
	audioClient   uintptr
	captureClient uintptr

	channels      int
	sampleRate    int
	bitsPerSample int
	isFloat       bool
}

func newWASAPILoopback() *wasapiLoopback {
	return &wasapiLoopback{}
}

func (w *wasapiLoopback) Name() string { return "wasapi-loopback" }

// Open must run on the goroutine that calls Read and Close; it joins that
// thread to the COM apartment.
func (w *wasapiLoopback) Open() (Format, error) {
	uninit, err := com.InitThread()
	if err != nil {
		return Format{}, err
	}
	w.uninit = uninit

	if err := w.open(); err != nil {
		w.Close()
		return Format{}, err
	}
	return Format{SampleRate: w.sampleRate, Channels: w.channels}, nil
}

func (w *wasapiLoopback) open() error {
	enumerator, err := com.CreateInstance(&clsidMMDeviceEnumerator, &iidIMMDeviceEnumerator)
	if err != nil {
		return fmt.Errorf("CoCreateInstance MMDeviceEnumerator: %w", err)
	}
	w.enumerator = enumerator

	if _, err := com.Call(enumerator, mmdeGetDefaultAudioEndpoint,
		uintptr(eRender), uintptr(eConsole), uintptr(unsafe.Pointer(&w.device))); err != nil {
		w.device = 0
		return fmt.Errorf("GetDefaultAudioEndpoint: %w", err)
	}

	if _, err := com.Call(w.device, mmDeviceActivate,
		uintptr(unsafe.Pointer(&iidIAudioClient)), uintptr(clsctxAll), 0,
		uintptr(unsafe.Pointer(&w.audioClient))); err != nil {
		w.audioClient = 0
		return fmt.Errorf("Activate IAudioClient: %w", err)
	}

	var mixFormatPtr uintptr
	if _, err := com.Call(w.audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&mixFormatPtr))); err != nil {
		return fmt.Errorf("GetMixFormat: %w", err)
	}
	mix := *(*waveFormatEx)(unsafe.Pointer(mixFormatPtr))
	w.channels = int(mix.Channels)
	w.sampleRate = int(mix.SamplesPerSec)
	w.bitsPerSample = int(mix.BitsPerSample)
	w.isFloat = mix.FormatTag == waveFormatIEEEFloat ||
		(mix.FormatTag == waveFormatExtensible && w.bitsPerSample == 32)

	log.Info("wasapi mix format",
		"channels", w.channels, "sampleRate", w.sampleRate,
		"bitsPerSample", w.bitsPerSample, "formatTag", mix.FormatTag)

	_, err = com.Call(w.audioClient, audioClientInitialize,
		uintptr(audclntShareModeShared),
		uintptr(audclntStreamLoopback),
		uintptr(loopbackBufferDuration),
		0,
		mixFormatPtr,
		0,
	)
	// Initialize copies the format; free it only afterwards.
	com.TaskMemFree(mixFormatPtr)
	if err != nil {
		return fmt.Errorf("IAudioClient::Initialize: %w", err)
	}
	if !w.isFloat && w.bitsPerSample != 16 && w.bitsPerSample != 24 && w.bitsPerSample != 32 {
		return fmt.Errorf("unsupported mix format: %d-bit tag 0x%04X", w.bitsPerSample, mix.FormatTag)
	}

	if _, err := com.Call(w.audioClient, audioClientGetService,
		uintptr(unsafe.Pointer(&iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&w.captureClient))); err != nil {
		w.captureClient = 0
		return fmt.Errorf("GetService IAudioCaptureClient: %w", err)
	}

	if _, err := com.Call(w.audioClient, audioClientStart); err != nil {
		return fmt.Errorf("IAudioClient::Start: %w", err)
	}
	return nil
}

// Read drains every packet the endpoint has ready.
func (w *wasapiLoopback) Read() ([]Packet, error) {
	if w.captureClient == 0 {
		return nil, ErrNotOpen
	}
	var out []Packet
	for {
		var dataPtr uintptr
		var numFrames, flags uint32
		hr, _, _ := syscall.SyscallN(
			com.Fn(w.captureClient, capClientGetBuffer),
			w.captureClient,
			uintptr(unsafe.Pointer(&dataPtr)),
			uintptr(unsafe.Pointer(&numFrames)),
			uintptr(unsafe.Pointer(&flags)),
			0,
			0,
		)
		if int32(hr) < 0 {
			switch uint32(hr) {
			case audclntEDeviceInvalid, audclntEServiceNotRun:
				return out, fmt.Errorf("%w: GetBuffer %v", ErrDeviceLost, com.HRESULT(hr))
			}
			return out, fmt.Errorf("GetBuffer: %w", com.HRESULT(hr))
		}
		if numFrames == 0 {
			return out, nil
		}

		p := Packet{Frames: int(numFrames), Silent: flags&audclntBufferSilent != 0 || dataPtr == 0}
		if !p.Silent {
			raw := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), int(numFrames)*w.channels*w.bitsPerSample/8)
			p.Data = w.toFloat32(raw)
		}

		if _, err := com.Call(w.captureClient, capClientReleaseBuffer, uintptr(numFrames)); err != nil {
			return out, fmt.Errorf("ReleaseBuffer: %w", err)
		}
		out = append(out, p)
	}
}

// toFloat32 copies raw mix-format samples out of the endpoint buffer as
// interleaved float32.
func (w *wasapiLoopback) toFloat32(raw []byte) []byte {
	if w.isFloat {
		return append([]byte(nil), raw...)
	}
	bytesPer := w.bitsPerSample / 8
	n := len(raw) / bytesPer
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		var v float32
		s := raw[i*bytesPer:]
		switch bytesPer {
		case 2:
			v = float32(int16(binary.LittleEndian.Uint16(s))) / 32768
		case 3:
			v = float32(int32(uint32(s[0])<<8|uint32(s[1])<<16|uint32(s[2])<<24)>>8) / 8388608
		case 4:
			v = float32(float64(int32(binary.LittleEndian.Uint32(s))) / 2147483648)
		}
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func (w *wasapiLoopback) Close() error {
	if w.audioClient != 0 && w.captureClient != 0 {
		com.Call(w.audioClient, audioClientStop)
	}
	com.Release(w.captureClient)
	com.Release(w.audioClient)
	com.Release(w.device)
	com.Release(w.enumerator)
	w.captureClient, w.audioClient, w.device, w.enumerator = 0, 0, 0, 0
	if w.uninit != nil {
		w.uninit()
		w.uninit = nil
	}
	return nil
}

var _ AudioSource = (*wasapiLoopback)(nil)
