//go:build linux || darwin

package patch

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func pageStart(addr uintptr) uintptr {
	pageSize := uintptr(os.Getpagesize())
	return addr &^ (pageSize - 1)
}

// withWritableRegion flips the page(s) covering [addr, addr+size) to
// RWX, runs fn against a slice over exactly that range, then sets the
// protection to RX.
func withWritableRegion(addr uintptr, size int, fn func(mem []byte)) error {
	pageSize := uintptr(os.Getpagesize())
	start := pageStart(addr)
	end := addr + uintptr(size)
	endAligned := (end + pageSize - 1) &^ (pageSize - 1)
	span := int(endAligned - start)

	page := unsafe.Slice((*byte)(unsafe.Pointer(start)), span)

	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return &ErrProtectionDenied{Cause: fmt.Errorf("mprotect RWX: %w", err)}
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	fn(mem)

	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return &ErrProtectionDenied{Cause: fmt.Errorf("mprotect RX: %w", err)}
	}
	return nil
}

// flushInstructionCache is a no-op on x86/x86-64: the architecture
// guarantees self-modifying code is visible to the local core without an
// explicit cache flush once the store completes.
func flushInstructionCache(addr uintptr, size int) {}
