//go:build linux || darwin

package execmem

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type platformSlab struct{}

func pageSize() int {
	return os.Getpagesize()
}

// mmapAt asks the kernel for an anonymous read+write (not executable)
// mapping at the given address hint; writeExecutable makes it executable. MAP_FIXED is deliberately not set: a hint lets the kernel place the
// mapping elsewhere instead of clobbering whatever already lives at hint,
// which withinReach then checks for usability.
func mmapAt(hint uintptr, size int) (uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		hint,
		uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON),
		^uintptr(0), // fd -1
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

func asSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// mapSlabNear mmaps a hinted region near anchor, the Unix analogue of the
// Windows path's VirtualAlloc probing loop: ask for a hinted address, and
// if the kernel places the mapping too far away, unmap and widen the stride.
func (p *Pool) mapSlabNear(anchor uintptr, minSize int) (*slab, error) {
	size := p.slabSize
	if size < minSize {
		size = minSize
	}

	for stride := uintptr(pageSize()); stride < maxAnchorDistance; stride *= 2 {
		for _, hint := range []uintptr{anchor + stride, anchor - stride} {
			base, err := mmapAt(hint, size)
			if err != nil {
				continue
			}
			if withinReach(base, anchor) {
				return &slab{base: base, size: size}, nil
			}
			unix.Munmap(asSlice(base, size))
		}
	}

	base, err := mmapAt(0, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoReachableMemory, err)
	}
	if !withinReach(base, anchor) {
		unix.Munmap(asSlice(base, size))
		return nil, ErrNoReachableMemory
	}
	return &slab{base: base, size: size}, nil
}

// unmapSlab returns a fully-emptied slab's pages to the OS.
func unmapSlab(s *slab) error {
	return unix.Munmap(asSlice(s.base, s.size))
}

// writeExecutable flips the page(s) covering the write to writable, copies,
// and flips them to read+execute — the same flip-to-a-fixed-RX shape the
// Windows path uses, since W^X kernels reject pages that are simultaneously
// writable and executable.
func writeExecutable(addr uintptr, data []byte) error {
	ps := uintptr(pageSize())
	start := addr &^ (ps - 1)
	end := (addr + uintptr(len(data)) + ps - 1) &^ (ps - 1)
	pages := asSlice(start, int(end-start))
	region := asSlice(addr, len(data))

	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect RW: %w", err)
	}

	copy(region, data)

	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect RX: %w", err)
	}
	return nil
}
