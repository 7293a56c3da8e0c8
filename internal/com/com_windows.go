//go:build windows

package com

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
)

// GUID has the COM GUID layout.
type GUID = ole.GUID

// HRESULT is a failed COM status code.
type HRESULT uint32

func (hr HRESULT) Error() string {
	return fmt.Sprintf("HRESULT 0x%08X", uint32(hr))
}

// IsHRESULT reports whether err carries the given status code.
func IsHRESULT(err error, code uint32) bool {
	var hr HRESULT
	return errors.As(err, &hr) && uint32(hr) == code
}

// IUnknown vtable indices.
const (
	VtblQueryInterface = 0
	VtblAddRef         = 1
	VtblRelease        = 2
)

const sFalse = 1

// Fn resolves the vtable function pointer at idx.
// obj is a pointer to a COM interface (pointer to pointer to vtable).
func Fn(obj uintptr, idx int) uintptr {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
}

// Call invokes the vtable method at idx and converts a failed HRESULT into
// an error wrapping HRESULT.
func Call(obj uintptr, idx int, args ...uintptr) (uintptr, error) {
	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)
	ret, _, _ := syscall.SyscallN(Fn(obj, idx), allArgs...)
	if int32(ret) < 0 {
		return ret, fmt.Errorf("COM vtable[%d]: %w", idx, HRESULT(ret))
	}
	return ret, nil
}

// Release calls IUnknown::Release on a non-zero pointer.
func Release(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(Fn(obj, VtblRelease), obj)
	}
}

// QueryInterface returns obj's implementation of iid.
func QueryInterface(obj uintptr, iid *GUID) (uintptr, error) {
	var out uintptr
	if _, err := Call(obj, VtblQueryInterface, uintptr(unsafe.Pointer(iid)), uintptr(unsafe.Pointer(&out))); err != nil {
		return 0, err
	}
	return out, nil
}

// CreateInstance creates an in-process COM object and returns its iid
// interface pointer.
func CreateInstance(clsid, iid *GUID) (uintptr, error) {
	unk, err := ole.CreateInstance(clsid, iid)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(unk)), nil
}

// TaskMemFree frees memory a COM method allocated for the caller.
func TaskMemFree(p uintptr) {
	if p != 0 {
		ole.CoTaskMemFree(p)
	}
}

// InitThread locks the calling goroutine to its OS thread and joins the
// multithreaded apartment. The returned func undoes both and must run on the
// same goroutine.
func InitThread() (func(), error) {
	runtime.LockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("CoInitializeEx: %w", err)
		}
	}
	return func() {
		ole.CoUninitialize()
		runtime.UnlockOSThread()
	}, nil
}

// MustGUID parses a registry-format GUID and panics on malformed input.
func MustGUID(s string) GUID {
	g := ole.NewGUID(s)
	if g == nil {
		panic("com: malformed GUID " + s)
	}
	return *g
}

// Pack64 packs two uint32 values into one uint64 (high << 32 | low), the
// layout of MF_MT_FRAME_SIZE and MF_MT_FRAME_RATE.
func Pack64(high, low uint32) uint64 {
	return uint64(high)<<32 | uint64(low)
}

// JoinMTA puts the calling thread in the multithreaded apartment without
// locking it. The reference is never released, which keeps the apartment
// alive for any thread that later calls into MTA objects.
func JoinMTA() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return fmt.Errorf("CoInitializeEx: %w", err)
		}
	}
	return nil
}
