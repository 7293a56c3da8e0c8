//go:build windows

package sink

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/Eyebottle/sat-lec-rec/internal/com"
	"github.com/Eyebottle/sat-lec-rec/internal/logging"
)

// Media Foundation transform plumbing shared by the H.264 and AAC encoders.

var (
	mfplatDLL = windows.NewLazySystemDLL("mfplat.dll")

	procMFStartup            = mfplatDLL.NewProc("MFStartup")
	procMFShutdown           = mfplatDLL.NewProc("MFShutdown")
	procMFTEnumEx            = mfplatDLL.NewProc("MFTEnumEx")
	procMFCreateMediaType    = mfplatDLL.NewProc("MFCreateMediaType")
	procMFCreateSample       = mfplatDLL.NewProc("MFCreateSample")
	procMFCreateMemoryBuffer = mfplatDLL.NewProc("MFCreateMemoryBuffer")
)

const (
	mfVersion     = 0x00020070
	mfStartupFull = 0

	mftEnumFlagSyncMFT       = 0x00000001
	mftEnumFlagHardware      = 0x00000004
	mftEnumFlagSortAndFilter = 0x00000040
	mftEnumFlagAll           = 0x0000003F

	mftMessageCommandFlush         = 0x00000000
	mftMessageCommandDrain         = 0x00000001
	mftMessageNotifyBeginStreaming = 0x10000000
	mftMessageNotifyEndStreaming   = 0x10000001
	mftMessageNotifyEndOfStream    = 0x10000002
	mftMessageNotifyStartOfStream  = 0x10000003

	mfVideoInterlaceProgressive = 2
	eAVEncH264VProfileMain      = 77
	eAVEncRateControlCBR        = 0

	mfENotAccepting          = 0xC00D36B5
	mfETransformNeedInput    = 0xC00D6D72
	mfETransformStreamChange = 0xC00D6D61
	mfEBufferTooSmall        = 0xC00D36B1
	eUnexpected              = 0x8000FFFF

	mftOutputStreamProvidesSamples = 0x00000100

	maxStreamChanges = 5
)

// vtable indices
const (
	vtblGetOutputStreamInfo = 7 // IMFTransform
	vtblGetAttributes       = 8
	vtblGetOutputAvailType  = 14
	vtblSetInputType        = 15
	vtblSetOutputType       = 16
	vtblProcessMessage      = 23
	vtblProcessInput        = 24
	vtblProcessOutput       = 25

	vtblAttrSetUINT32 = 21 // IMFAttributes
	vtblAttrSetUINT64 = 22
	vtblAttrSetGUID   = 24

	vtblSampleGetSampleTime = 35 // IMFSample
	vtblSampleSetSampleTime = 36
	vtblSampleSetDuration   = 38
	vtblSampleToContiguous  = 41
	vtblSampleAddBuffer     = 42

	vtblBufLock             = 3 // IMFMediaBuffer
	vtblBufUnlock           = 4
	vtblBufSetCurrentLength = 6

	vtblActivateObject   = 33 // IMFActivate
	vtblCodecAPISetValue = 9  // ICodecAPI
)

var (
	mftCategoryVideoEncoder = com.MustGUID("{F79EAC7D-E545-4387-BDEE-D647D7BDE42A}")
	iidIMFTransform         = com.MustGUID("{BF94C121-5B05-4E6F-8000-BA598961414D}")
	iidICodecAPI            = com.MustGUID("{901DB4C7-31CE-41A2-85DC-8FA0BF41B8DA}")
	clsidAACEncoder         = com.MustGUID("{93AF0C51-2275-45D2-A35B-F2BA21CAED00}")

	mfMediaTypeVideo  = com.MustGUID("{73646976-0000-0010-8000-00AA00389B71}")
	mfMediaTypeAudio  = com.MustGUID("{73647561-0000-0010-8000-00AA00389B71}")
	mfVideoFormatH264 = com.MustGUID("{34363248-0000-0010-8000-00AA00389B71}")
	mfVideoFormatNV12 = com.MustGUID("{3231564E-0000-0010-8000-00AA00389B71}")
	mfAudioFormatAAC  = com.MustGUID("{00001610-0000-0010-8000-00AA00389B71}")
	mfAudioFormatPCM  = com.MustGUID("{00000001-0000-0010-8000-00AA00389B71}")

	mfMTMajorType          = com.MustGUID("{48EBA18E-F8C9-4687-BF11-0A74C9F96A8F}")
	mfMTSubtype            = com.MustGUID("{F7E34C9A-42E8-4714-B74B-CB29D72C35E5}")
	mfMTAvgBitrate         = com.MustGUID("{20332624-FB0D-4D9E-BD0D-CBF6786C102E}")
	mfMTInterlaceMode      = com.MustGUID("{E2724BB8-E676-4806-B4B2-A8D6EFB44CCD}")
	mfMTFrameSize          = com.MustGUID("{1652C33D-D6B2-4012-B834-72030849A37D}")
	mfMTFrameRate          = com.MustGUID("{C459A2E8-3D2C-4E44-B132-FEE5156C7BB0}")
	mfMTPixelAspectRatio   = com.MustGUID("{C6376A1E-8D0A-4027-BE45-6D9A0AD39BB6}")
	mfMTMpeg2Profile       = com.MustGUID("{AD76A80B-2D5C-4E0B-B375-64E520137036}")
	mfMTDefaultStride      = com.MustGUID("{644B4E48-1E02-4516-B0EB-C01CA9D49AC6}")
	mfMTNumChannels        = com.MustGUID("{37E48BF5-645E-4C5B-89DE-ADA9E29B696A}")
	mfMTSamplesPerSecond   = com.MustGUID("{5FAEEAE7-0290-4C31-9E8A-C534F68D9DBA}")
	mfMTBitsPerSample      = com.MustGUID("{F2DEB57F-40FA-4764-AA33-ED4F2D1FF669}")
	mfMTAvgBytesPerSecond  = com.MustGUID("{1AAB75C8-CFEF-451C-AB95-AC034B8E1731}")
	mfMTBlockAlignment     = com.MustGUID("{322DE230-9EEB-43BD-AB7A-FF412251541D}")
	mfMTAACPayloadType     = com.MustGUID("{BFBABE79-7434-4D1C-94F0-72A3B9E17188}")
	mfLowLatency           = com.MustGUID("{9C27891A-ED7A-40E1-88E8-B22727A024EE}")
	mfTransformAsyncUnlock = com.MustGUID("{E5666D6B-3422-4EB6-A421-DA7DB1F8E207}")

	codecAPIGOPSize         = com.MustGUID("{95F31B26-95A4-41AA-9303-246A7FC6EEF1}")
	codecAPIBPictureCount   = com.MustGUID("{8D390AAC-DC5C-4200-B57F-814D04BABAB2}")
	codecAPIRateControlMode = com.MustGUID("{1C0608E9-370C-4710-8A58-CB6181C42423}")
	codecAPIMeanBitRate     = com.MustGUID("{F7222374-2144-4815-B550-A37F8E12EE52}")
)

type mftRegisterTypeInfo struct {
	major   com.GUID
	subtype com.GUID
}

type mftOutputDataBuffer struct {
	streamID uint32
	sample   uintptr
	status   uint32
	events   uintptr
}

type mftOutputStreamInfo struct {
	flags     uint32
	size      uint32
	alignment uint32
}

var mfState struct {
	sync.Mutex
	refs int
}

// mfAcquire starts Media Foundation on first use. Transforms are created
// in the MTA so the consumer goroutine may call them from any thread.
func mfAcquire() error {
	mfState.Lock()
	defer mfState.Unlock()
	if mfState.refs == 0 {
		if err := com.JoinMTA(); err != nil {
			return err
		}
		if hr, _, _ := procMFStartup.Call(mfVersion, mfStartupFull); int32(hr) < 0 {
			return fmt.Errorf("MFStartup: %w", com.HRESULT(hr))
		}
	}
	mfState.refs++
	return nil
}

func mfRelease() {
	mfState.Lock()
	defer mfState.Unlock()
	if mfState.refs == 0 {
		return
	}
	mfState.refs--
	if mfState.refs == 0 {
		procMFShutdown.Call()
	}
}

// enumTransform activates the first transform matching the given category,
// types and flags.
func enumTransform(category *com.GUID, flags uint32, in, out *mftRegisterTypeInfo) (uintptr, error) {
	var activates uintptr
	var count uint32
	hr, _, _ := procMFTEnumEx.Call(
		uintptr(unsafe.Pointer(category)),
		uintptr(flags),
		uintptr(unsafe.Pointer(in)),
		uintptr(unsafe.Pointer(out)),
		uintptr(unsafe.Pointer(&activates)),
		uintptr(unsafe.Pointer(&count)),
	)
	if int32(hr) < 0 || count == 0 {
		return 0, fmt.Errorf("%w: MFTEnumEx found no transform (flags=0x%X)", ErrEncoderUnavailable, flags)
	}
	list := unsafe.Slice((*uintptr)(unsafe.Pointer(activates)), count)
	var mft uintptr
	_, err := com.Call(list[0], vtblActivateObject,
		uintptr(unsafe.Pointer(&iidIMFTransform)),
		uintptr(unsafe.Pointer(&mft)),
	)
	for _, a := range list {
		com.Release(a)
	}
	com.TaskMemFree(activates)
	if err != nil {
		return 0, fmt.Errorf("ActivateObject: %w", err)
	}
	return mft, nil
}

// mediaType builds an IMFMediaType from GUID, UINT32 and UINT64 attributes.
type mediaType struct {
	ptr uintptr
	err error
}

func newMediaType(major, subtype *com.GUID) *mediaType {
	t := &mediaType{}
	if hr, _, _ := procMFCreateMediaType.Call(uintptr(unsafe.Pointer(&t.ptr))); int32(hr) < 0 {
		t.err = fmt.Errorf("MFCreateMediaType: %w", com.HRESULT(hr))
		return t
	}
	t.guid(&mfMTMajorType, major)
	t.guid(&mfMTSubtype, subtype)
	return t
}

func (t *mediaType) guid(key, val *com.GUID) {
	if t.err == nil {
		_, t.err = com.Call(t.ptr, vtblAttrSetGUID, uintptr(unsafe.Pointer(key)), uintptr(unsafe.Pointer(val)))
	}
}

func (t *mediaType) u32(key *com.GUID, val uint32) {
	if t.err == nil {
		_, t.err = com.Call(t.ptr, vtblAttrSetUINT32, uintptr(unsafe.Pointer(key)), uintptr(val))
	}
}

func (t *mediaType) u64(key *com.GUID, val uint64) {
	if t.err == nil {
		_, t.err = com.Call(t.ptr, vtblAttrSetUINT64, uintptr(unsafe.Pointer(key)), uintptr(val))
	}
}

func (t *mediaType) release() { com.Release(t.ptr) }

// mftOutput is one sample drained from a transform.
type mftOutput struct {
	data    []byte
	time    int64 // 100 ns
	hasTime bool
}

// transform wraps an IMFTransform with a single input and output stream.
type transform struct {
	ptr             uintptr
	providesSamples bool
	outputBufSize   int
}

func (t *transform) message(msg uintptr) error {
	_, err := com.Call(t.ptr, vtblProcessMessage, msg, 0)
	return err
}

func (t *transform) setType(idx int, mt *mediaType) error {
	if mt.err != nil {
		return mt.err
	}
	_, err := com.Call(t.ptr, idx, 0, mt.ptr, 0)
	return err
}

func (t *transform) setAttr(key *com.GUID, val uint32) error {
	var attrs uintptr
	if _, err := com.Call(t.ptr, vtblGetAttributes, uintptr(unsafe.Pointer(&attrs))); err != nil || attrs == 0 {
		return fmt.Errorf("GetAttributes: %w", err)
	}
	defer com.Release(attrs)
	_, err := com.Call(attrs, vtblAttrSetUINT32, uintptr(unsafe.Pointer(key)), uintptr(val))
	return err
}

func (t *transform) begin() error {
	if err := t.message(mftMessageNotifyBeginStreaming); err != nil {
		return fmt.Errorf("begin streaming: %w", err)
	}
	if err := t.message(mftMessageNotifyStartOfStream); err != nil {
		return fmt.Errorf("start of stream: %w", err)
	}
	t.refreshStreamInfo()
	return nil
}

func (t *transform) refreshStreamInfo() {
	var info mftOutputStreamInfo
	if _, err := com.Call(t.ptr, vtblGetOutputStreamInfo, 0, uintptr(unsafe.Pointer(&info))); err != nil {
		return
	}
	t.providesSamples = info.flags&mftOutputStreamProvidesSamples != 0
	if int(info.size) > t.outputBufSize {
		t.outputBufSize = int(info.size)
	}
}

// feed submits one sample. A transform that is not accepting input is
// drained first and the sample retried once.
func (t *transform) feed(sample uintptr) ([]mftOutput, error) {
	ret, _, _ := syscall.SyscallN(com.Fn(t.ptr, vtblProcessInput), t.ptr, 0, sample, 0)
	if uint32(ret) == mfENotAccepting {
		out, err := t.drain()
		if err != nil {
			return out, err
		}
		ret, _, _ = syscall.SyscallN(com.Fn(t.ptr, vtblProcessInput), t.ptr, 0, sample, 0)
		if int32(ret) < 0 {
			return out, fmt.Errorf("ProcessInput after drain: %w", com.HRESULT(ret))
		}
		more, err := t.drain()
		return append(out, more...), err
	}
	if int32(ret) < 0 {
		return nil, fmt.Errorf("ProcessInput: %w", com.HRESULT(ret))
	}
	return t.drain()
}

// drain pulls output until the transform asks for more input.
func (t *transform) drain() ([]mftOutput, error) {
	var out []mftOutput
	changes := 0
	for {
		buf := mftOutputDataBuffer{}
		var own uintptr
		if !t.providesSamples {
			s, err := newSample(t.outputBufSize)
			if err != nil {
				return out, err
			}
			own = s
			buf.sample = s
		}
		var status uint32
		ret, _, _ := syscall.SyscallN(com.Fn(t.ptr, vtblProcessOutput), t.ptr, 0, 1,
			uintptr(unsafe.Pointer(&buf)), uintptr(unsafe.Pointer(&status)))
		if buf.events != 0 {
			com.Release(buf.events)
		}

		switch uint32(ret) {
		case mfETransformNeedInput, eUnexpected:
			com.Release(own)
			return out, nil
		case mfETransformStreamChange:
			com.Release(own)
			changes++
			if changes > maxStreamChanges {
				return out, fmt.Errorf("too many stream changes (%d)", changes)
			}
			t.renegotiate()
			continue
		case mfEBufferTooSmall:
			com.Release(own)
			t.outputBufSize *= 2
			continue
		}
		if int32(ret) < 0 {
			com.Release(own)
			return out, fmt.Errorf("ProcessOutput: %w", com.HRESULT(ret))
		}
		if buf.sample == 0 {
			return out, fmt.Errorf("ProcessOutput returned no sample")
		}

		o, err := readSample(buf.sample)
		if t.providesSamples {
			com.Release(buf.sample)
		} else {
			com.Release(own)
		}
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
}

// renegotiate re-applies the transform's preferred output type after a
// stream change.
func (t *transform) renegotiate() {
	var next uintptr
	if _, err := com.Call(t.ptr, vtblGetOutputAvailType, 0, 0, uintptr(unsafe.Pointer(&next))); err == nil && next != 0 {
		if _, err := com.Call(t.ptr, vtblSetOutputType, 0, next, 0); err != nil {
			log.Debug("output type renegotiation rejected", logging.KeyError, err)
		}
		com.Release(next)
	}
	t.refreshStreamInfo()
	log.Debug("mft stream change", "providesSamples", t.providesSamples, "outputBufSize", t.outputBufSize)
}

// finish sends end of stream, drains the transform and returns the tail.
func (t *transform) finish() ([]mftOutput, error) {
	if err := t.message(mftMessageNotifyEndOfStream); err != nil {
		return nil, err
	}
	if err := t.message(mftMessageCommandDrain); err != nil {
		return nil, err
	}
	return t.drain()
}

func (t *transform) close() {
	if t.ptr == 0 {
		return
	}
	t.message(mftMessageCommandFlush)
	t.message(mftMessageNotifyEndStreaming)
	com.Release(t.ptr)
	t.ptr = 0
}

// newSample creates a sample backed by one memory buffer of size bytes.
func newSample(size int) (uintptr, error) {
	var buffer uintptr
	if hr, _, _ := procMFCreateMemoryBuffer.Call(uintptr(uint32(size)), uintptr(unsafe.Pointer(&buffer))); int32(hr) < 0 {
		return 0, fmt.Errorf("MFCreateMemoryBuffer: %w", com.HRESULT(hr))
	}
	var sample uintptr
	if hr, _, _ := procMFCreateSample.Call(uintptr(unsafe.Pointer(&sample))); int32(hr) < 0 {
		com.Release(buffer)
		return 0, fmt.Errorf("MFCreateSample: %w", com.HRESULT(hr))
	}
	_, err := com.Call(sample, vtblSampleAddBuffer, buffer)
	com.Release(buffer)
	if err != nil {
		com.Release(sample)
		return 0, fmt.Errorf("AddBuffer: %w", err)
	}
	return sample, nil
}

// inputSample copies data into a new sample stamped with time and duration
// in 100 ns units.
func inputSample(data []byte, time, duration int64) (uintptr, error) {
	var buffer uintptr
	if hr, _, _ := procMFCreateMemoryBuffer.Call(uintptr(uint32(len(data))), uintptr(unsafe.Pointer(&buffer))); int32(hr) < 0 {
		return 0, fmt.Errorf("MFCreateMemoryBuffer: %w", com.HRESULT(hr))
	}
	var p uintptr
	if _, err := com.Call(buffer, vtblBufLock, uintptr(unsafe.Pointer(&p)), 0, 0); err != nil {
		com.Release(buffer)
		return 0, fmt.Errorf("buffer Lock: %w", err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), len(data)), data)
	com.Call(buffer, vtblBufUnlock)
	com.Call(buffer, vtblBufSetCurrentLength, uintptr(uint32(len(data))))

	var sample uintptr
	if hr, _, _ := procMFCreateSample.Call(uintptr(unsafe.Pointer(&sample))); int32(hr) < 0 {
		com.Release(buffer)
		return 0, fmt.Errorf("MFCreateSample: %w", com.HRESULT(hr))
	}
	com.Call(sample, vtblSampleSetSampleTime, uintptr(time))
	com.Call(sample, vtblSampleSetDuration, uintptr(duration))
	_, err := com.Call(sample, vtblSampleAddBuffer, buffer)
	com.Release(buffer)
	if err != nil {
		com.Release(sample)
		return 0, fmt.Errorf("AddBuffer: %w", err)
	}
	return sample, nil
}

func readSample(sample uintptr) (mftOutput, error) {
	var o mftOutput
	var t int64
	if _, err := com.Call(sample, vtblSampleGetSampleTime, uintptr(unsafe.Pointer(&t))); err == nil {
		o.time, o.hasTime = t, true
	}
	var contiguous uintptr
	if _, err := com.Call(sample, vtblSampleToContiguous, uintptr(unsafe.Pointer(&contiguous))); err != nil {
		return o, fmt.Errorf("ConvertToContiguousBuffer: %w", err)
	}
	defer com.Release(contiguous)
	var p uintptr
	var n uint32
	if _, err := com.Call(contiguous, vtblBufLock, uintptr(unsafe.Pointer(&p)), 0, uintptr(unsafe.Pointer(&n))); err != nil {
		return o, fmt.Errorf("output buffer Lock: %w", err)
	}
	o.data = make([]byte, n)
	copy(o.data, unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
	com.Call(contiguous, vtblBufUnlock)
	return o, nil
}
