//go:build linux

package numa

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// from <numaif.h>
const (
	mpolBind     = 2
	mpolMFStrict = 1 << 0
	mpolMFMove   = 1 << 1

	maskBits = 64
)

// MbindPlacer applies a strict MPOL_BIND policy and asks the kernel to
// migrate pages that are already resident elsewhere.
type MbindPlacer struct{}

func NewPlacer() Placer {
	return MbindPlacer{}
}

func (MbindPlacer) Bind(addr uintptr, length int, node int) error {
	if node < 0 || node >= maskBits {
		return fmt.Errorf("node %d outside mask", node)
	}
	mask := uint64(1) << uint(node)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		addr,
		uintptr(length),
		mpolBind,
		uintptr(unsafe.Pointer(&mask)),
		maskBits,
		mpolMFMove|mpolMFStrict)
	runtime.KeepAlive(&mask)
	if errno != 0 {
		return errno
	}
	return nil
}
