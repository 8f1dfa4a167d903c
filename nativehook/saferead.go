// File: nativehook/saferead.go
//
// SafeReadMemory is a reference implementation of the Interceptor
// MemReadU64 contract for same-process reads: it probes page residency
// with mincore(2) before dereferencing, so a watch pointing at an unmapped
// page returns "not ok" instead of crashing the host. A real Interceptor
// wraps the instrumentation framework's own memory-safety primitive if it
// has one and can ignore this helper; it is provided because the agent
// runs in the host's address space and can service simple reads itself.

package nativehook

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SafeReadMemory reads size bytes (1, 2, 4, or 8) at address, returning
// ok=false if the containing page is not resident rather than risking a
// fault. Callers are still responsible for the natural-alignment check
// spec §4.3 requires before calling this.
func SafeReadMemory(address uint64, size uint8) (uint64, bool) {
	if address == 0 {
		return 0, false
	}
	pageSize := uint64(unix.Getpagesize())
	pageStart := address &^ (pageSize - 1)

	vec := make([]byte, 1)
	if err := unix.Mincore(byteSliceAt(pageStart, int(pageSize)), vec); err != nil {
		return 0, false
	}
	if vec[0]&1 == 0 {
		return 0, false
	}

	switch size {
	case 1:
		return uint64(*(*uint8)(unsafe.Pointer(uintptr(address)))), true
	case 2:
		return uint64(*(*uint16)(unsafe.Pointer(uintptr(address)))), true
	case 4:
		return uint64(*(*uint32)(unsafe.Pointer(uintptr(address)))), true
	case 8:
		return *(*uint64)(unsafe.Pointer(uintptr(address))), true
	default:
		return 0, false
	}
}

// byteSliceAt builds a zero-copy []byte view over an arbitrary address
// range, needed because unix.Mincore takes a []byte naming the region to
// probe rather than a bare pointer.
func byteSliceAt(addr uint64, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}
