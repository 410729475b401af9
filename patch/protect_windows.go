//go:build windows

package patch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// withWritableRegion mirrors evasion_windows.go's writeGoodBytes: flip to
// PAGE_EXECUTE_READWRITE for the duration of the write, then restore
// whatever protection VirtualProtect reports was there before — not a
// hardcoded flag, since the target page's original protection is the
// detour's to preserve, not overwrite.
func withWritableRegion(addr uintptr, size int, fn func(mem []byte)) error {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return &ErrProtectionDenied{Cause: fmt.Errorf("VirtualProtect RWX: %w", err)}
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	fn(mem)

	var restored uint32
	if err := windows.VirtualProtect(addr, uintptr(size), old, &restored); err != nil {
		return &ErrProtectionDenied{Cause: fmt.Errorf("VirtualProtect restore: %w", err)}
	}
	return nil
}

// flushInstructionCache is a no-op on x86/x86-64. Nothing in the package
// calls it at present.
func flushInstructionCache(addr uintptr, size int) {}
