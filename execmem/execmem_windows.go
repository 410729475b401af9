//go:build windows

package execmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type platformSlab struct{}

func pageSize() int {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	if info.PageSize == 0 {
		return 4096
	}
	return int(info.PageSize)
}

// mapSlabNear probes addresses on both sides of anchor, doubling the
// stride each attempt, until VirtualAlloc accepts one within reach —
// mirroring the probe-and-retry shape VirtualAlloc itself requires for a
// hinted address, since Windows gives no query for "nearest free region".
func (p *Pool) mapSlabNear(anchor uintptr, minSize int) (*slab, error) {
	size := p.slabSize
	if size < minSize {
		size = minSize
	}

	for stride := uintptr(pageSize()); stride < maxAnchorDistance; stride *= 2 {
		for _, hint := range []uintptr{anchor + stride, anchor - stride} {
			addr, err := windows.VirtualAlloc(hint, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
			if err == nil {
				return &slab{base: addr, size: size}, nil
			}
		}
	}

	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoReachableMemory, err)
	}
	if !withinReach(addr, anchor) {
		windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		return nil, ErrNoReachableMemory
	}
	return &slab{base: addr, size: size}, nil
}

// unmapSlab returns a fully-emptied slab's pages to the OS.
func unmapSlab(s *slab) error {
	return windows.VirtualFree(s.base, 0, windows.MEM_RELEASE)
}

// writeExecutable drops to RWX only for the duration of the copy, then
// flips to the slab's permanent target protection, RX — never back to
// whatever the previous call left behind. A slab starts out PAGE_READWRITE
// (mapSlabNear never asks for PAGE_EXECUTE_*), so the first write's "old"
// protection is never executable; restoring it instead of a fixed RX
// target would leave the trampoline unable to run.
func writeExecutable(addr uintptr, data []byte) error {
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(len(data)), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return fmt.Errorf("VirtualProtect RWX: %w", err)
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)

	if err := windows.VirtualProtect(addr, uintptr(len(data)), windows.PAGE_EXECUTE_READ, &old); err != nil {
		return fmt.Errorf("VirtualProtect RX: %w", err)
	}
	return nil
}
