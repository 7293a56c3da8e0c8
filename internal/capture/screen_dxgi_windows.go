//go:build windows

package capture

import (
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"github.com/Eyebottle/sat-lec-rec/internal/com"
	"github.com/Eyebottle/sat-lec-rec/internal/media"
)

var (
	d3d11DLL              = syscall.NewLazyDLL("d3d11.dll")
	procD3D11CreateDevice = d3d11DLL.NewProc("D3D11CreateDevice")
)

// D3D11/DXGI constants
const (
	d3dDriverTypeHardware        = 1
	d3dFeatureLevel11_0          = 0xb000
	d3d11SDKVersion              = 7
	d3d11CreateDeviceBGRASupport = 0x20

	d3d11UsageStaging  = 3
	d3d11CPUAccessRead = 0x20000
	d3d11MapRead       = 1
	dxgiFormatB8G8R8A8 = 87

	dxgiErrWaitTimeout   = 0x887A0027
	dxgiErrAccessLost    = 0x887A0026
	dxgiErrDeviceRemoved = 0x887A0005
	dxgiErrDeviceReset   = 0x887A0007

	// COM vtable indices
	dxgiDeviceGetAdapter       = 7
	dxgiAdapterEnumOutputs     = 7
	dxgiOutput1DuplicateOutput = 22
	dxgiDuplGetDesc            = 7
	dxgiDuplAcquireNextFrame   = 8
	dxgiDuplReleaseFrame       = 14
	d3d11DeviceCreateTexture2D = 5
	d3d11CtxMap                = 14
	d3d11CtxUnmap              = 15
	d3d11CtxCopyResource       = 47
)

var (
	iidIDXGIDevice     = com.MustGUID("{54EC77FA-1377-44E6-8C32-88FD5F44C84C}")
	iidID3D11Texture2D = com.MustGUID("{6F15AAF2-D208-4E89-9AB4-489535D34F9C}")
	iidIDXGIOutput1    = com.MustGUID("{00CDDEA8-939B-4B83-A340-A685226666CC}")
)

// d3d11Texture2DDesc matches D3D11_TEXTURE2D_DESC.
type d3d11Texture2DDesc struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         uint32
	SampleCount    uint32
	SampleQuality  uint32
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

// d3d11MappedSubresource matches D3D11_MAPPED_SUBRESOURCE.
type d3d11MappedSubresource struct {
	PData      uintptr
	RowPitch   uint32
	DepthPitch uint32
}

type dxgiRational struct {
	Numerator   uint32
	Denominator uint32
}

// dxgiModeDesc matches DXGI_MODE_DESC.
type dxgiModeDesc struct {
	Width            uint32
	Height           uint32
	RefreshRate      dxgiRational
	Format           uint32
	ScanlineOrdering uint32
	Scaling          uint32
}

// dxgiOutDuplDesc matches DXGI_OUTDUPL_DESC.
type dxgiOutDuplDesc struct {
	ModeDesc                   dxgiModeDesc
	Rotation                   uint32
	DesktopImageInSystemMemory int32
}

// dxgiOutDuplFrameInfo matches DXGI_OUTDUPL_FRAME_INFO.
type dxgiOutDuplFrameInfo struct {
	LastPresentTime           int64
	LastMouseUpdateTime       int64
	AccumulatedFrames         uint32
	RectsCoalesced            int32
	ProtectedContentMaskedOut int32
	PointerPositionX          int32
	PointerPositionY          int32
	PointerVisible            int32
	TotalMetadataBufferSize   uint32
	PointerShapeBufferSize    uint32
}

// dxgiScreen reads one output through DXGI Desktop Duplication. Each
// acquired texture is copied GPU-to-GPU into a CPU-readable staging texture
// and then into a freshly allocated frame buffer owned by the caller.
type dxgiScreen struct {
	display int

	device      uintptr // ID3D11Device
	context     uintptr // ID3D11DeviceContext
	duplication uintptr // IDXGIOutputDuplication
	staging     uintptr // ID3D11Texture2D

	width     int // post-rotation desktop size
	height    int
	texWidth  int // native texture size
	texHeight int
	rotation  uint32
}

func newDXGIScreen(display int) *dxgiScreen {
	return &dxgiScreen{display: display}
}

func (c *dxgiScreen) Name() string { return "dxgi" }

func (c *dxgiScreen) Bounds() (int, int) { return c.width, c.height }

func (c *dxgiScreen) Open() error {
	var device, context uintptr
	featureLevel := uint32(d3dFeatureLevel11_0)
	var actualLevel uint32

	hr, _, _ := procD3D11CreateDevice.Call(
		0, // default adapter
		uintptr(d3dDriverTypeHardware),
		0,
		uintptr(d3d11CreateDeviceBGRASupport),
		uintptr(unsafe.Pointer(&featureLevel)),
		1,
		uintptr(d3d11SDKVersion),
		uintptr(unsafe.Pointer(&device)),
		uintptr(unsafe.Pointer(&actualLevel)),
		uintptr(unsafe.Pointer(&context)),
	)
	if int32(hr) < 0 {
		return fmt.Errorf("D3D11CreateDevice: %w", com.HRESULT(hr))
	}
	c.device, c.context = device, context

	if err := c.duplicate(); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *dxgiScreen) duplicate() error {
	dxgiDevice, err := com.QueryInterface(c.device, &iidIDXGIDevice)
	if err != nil {
		return fmt.Errorf("QueryInterface IDXGIDevice: %w", err)
	}
	defer com.Release(dxgiDevice)

	var adapter uintptr
	if _, err := com.Call(dxgiDevice, dxgiDeviceGetAdapter, uintptr(unsafe.Pointer(&adapter))); err != nil {
		return fmt.Errorf("IDXGIDevice::GetAdapter: %w", err)
	}
	defer com.Release(adapter)

	var output uintptr
	if _, err := com.Call(adapter, dxgiAdapterEnumOutputs, uintptr(c.display), uintptr(unsafe.Pointer(&output))); err != nil {
		return fmt.Errorf("IDXGIAdapter::EnumOutputs(%d): %w", c.display, err)
	}
	output1, err := com.QueryInterface(output, &iidIDXGIOutput1)
	com.Release(output)
	if err != nil {
		return fmt.Errorf("QueryInterface IDXGIOutput1: %w", err)
	}
	defer com.Release(output1)

	if _, err := com.Call(output1, dxgiOutput1DuplicateOutput, c.device, uintptr(unsafe.Pointer(&c.duplication))); err != nil {
		c.duplication = 0
		return fmt.Errorf("IDXGIOutput1::DuplicateOutput: %w", err)
	}

	// GetDesc returns void, so it cannot go through com.Call.
	var desc dxgiOutDuplDesc
	syscall.SyscallN(com.Fn(c.duplication, dxgiDuplGetDesc), c.duplication, uintptr(unsafe.Pointer(&desc)))
	c.width, c.height = int(desc.ModeDesc.Width), int(desc.ModeDesc.Height)
	if c.width <= 0 || c.height <= 0 {
		return fmt.Errorf("invalid duplication dimensions: %dx%d", c.width, c.height)
	}

	// Duplication hands out textures in native panel orientation; ModeDesc is
	// post-rotation.
	c.rotation = desc.Rotation
	c.texWidth, c.texHeight = c.width, c.height
	if c.rotation == dxgiRotationRotate90 || c.rotation == dxgiRotationRotate270 {
		c.texWidth, c.texHeight = c.height, c.width
	}

	stagingDesc := d3d11Texture2DDesc{
		Width:          uint32(c.texWidth),
		Height:         uint32(c.texHeight),
		MipLevels:      1,
		ArraySize:      1,
		Format:         dxgiFormatB8G8R8A8,
		SampleCount:    1,
		Usage:          d3d11UsageStaging,
		CPUAccessFlags: d3d11CPUAccessRead,
	}
	if _, err := com.Call(c.device, d3d11DeviceCreateTexture2D,
		uintptr(unsafe.Pointer(&stagingDesc)), 0, uintptr(unsafe.Pointer(&c.staging))); err != nil {
		c.staging = 0
		return fmt.Errorf("CreateTexture2D staging: %w", err)
	}

	log.Info("dxgi duplication ready",
		"display", c.display, "width", c.width, "height", c.height, "rotation", c.rotation)
	return nil
}

func (c *dxgiScreen) Acquire(timeout time.Duration) (*media.VideoFrame, error) {
	if c.duplication == 0 {
		return nil, ErrNotOpen
	}

	var info dxgiOutDuplFrameInfo
	var resource uintptr
	hr, _, _ := syscall.SyscallN(
		com.Fn(c.duplication, dxgiDuplAcquireNextFrame),
		c.duplication,
		uintptr(timeout.Milliseconds()),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unsafe.Pointer(&resource)),
	)
	switch uint32(hr) {
	case dxgiErrWaitTimeout:
		return nil, ErrFrameTimeout
	case dxgiErrAccessLost, dxgiErrDeviceRemoved, dxgiErrDeviceReset:
		return nil, fmt.Errorf("%w: AcquireNextFrame %v", ErrDeviceLost, com.HRESULT(hr))
	}
	if int32(hr) < 0 {
		return nil, fmt.Errorf("AcquireNextFrame: %w", com.HRESULT(hr))
	}
	defer syscall.SyscallN(com.Fn(c.duplication, dxgiDuplReleaseFrame), c.duplication)

	// Pointer-only update: the desktop image did not change.
	if info.AccumulatedFrames == 0 {
		com.Release(resource)
		return nil, ErrFrameTimeout
	}

	texture, err := com.QueryInterface(resource, &iidID3D11Texture2D)
	com.Release(resource)
	if err != nil {
		return nil, fmt.Errorf("QueryInterface ID3D11Texture2D: %w", err)
	}
	// CopyResource returns void.
	syscall.SyscallN(com.Fn(c.context, d3d11CtxCopyResource), c.context, c.staging, texture)
	com.Release(texture)

	var mapped d3d11MappedSubresource
	hr, _, _ = syscall.SyscallN(
		com.Fn(c.context, d3d11CtxMap),
		c.context,
		c.staging,
		0,
		d3d11MapRead,
		0,
		uintptr(unsafe.Pointer(&mapped)),
	)
	if int32(hr) < 0 {
		return nil, fmt.Errorf("Map staging texture: %w", com.HRESULT(hr))
	}
	defer syscall.SyscallN(com.Fn(c.context, d3d11CtxUnmap), c.context, c.staging, 0)

	rowPitch := int(mapped.RowPitch)
	src := unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData)), (c.texHeight-1)*rowPitch+c.texWidth*media.BytesPerPixel)
	native := &media.VideoFrame{Data: src, Width: c.texWidth, Height: c.texHeight, Stride: rowPitch}
	return rotateBGRA(native, c.rotation), nil
}

func (c *dxgiScreen) Close() error {
	com.Release(c.staging)
	com.Release(c.duplication)
	com.Release(c.context)
	com.Release(c.device)
	c.staging, c.duplication, c.context, c.device = 0, 0, 0, 0
	return nil
}

var _ ScreenSource = (*dxgiScreen)(nil)
