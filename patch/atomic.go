package patch

import "unsafe"

// selfLoop is "EB FE" — jmp $-2 — a one-byte opcode that spins forever on
// itself. Any thread that samples it mid-patch just loops instead of
// executing garbage; the next write replaces it with the real jump.
var selfLoop = []byte{0xEB, 0xFE}

// writeAtomic copies newBytes into mem (which starts at the bytes'
// eventual live address), taking the two-phase self-loop path when the
// write straddles an 8-byte boundary: a thread reading the first byte at
// any point during the write must see either the old code, the self-loop,
// or the finished jump — never a torn half-old half-new sequence that
// happens to decode as something else entirely.
//
// x86 guarantees a naturally aligned write of up to pointer size is
// observed atomically by other cores; a write that doesn't straddle a
// boundary already has that guarantee for free and skips the self-loop.
func writeAtomic(mem []byte, newBytes []byte) {
	addr := uintptr(unsafe.Pointer(&mem[0]))

	if !straddles8ByteBoundary(addr, len(newBytes)) {
		// Merge newBytes into the aligned 8-byte word that holds them and
		// publish the result with a single 64-bit store.
		word := (*uint64)(unsafe.Add(unsafe.Pointer(&mem[0]), -int(addr%8)))
		var buf [8]byte
		*(*uint64)(unsafe.Pointer(&buf[0])) = *word
		copy(buf[addr%8:], newBytes)
		*word = *(*uint64)(unsafe.Pointer(&buf[0]))
		return
	}

	*(*uint16)(unsafe.Pointer(&mem[0])) = uint16(selfLoop[0]) | uint16(selfLoop[1])<<8
	if len(newBytes) > 2 {
		copy(mem[2:], newBytes[2:])
	}
	// Flip the self-loop's own two bytes to the real opcode and first
	// displacement byte last, as a single 16-bit store.
	word := uint16(newBytes[0]) | uint16(newBytes[1])<<8
	*(*uint16)(unsafe.Pointer(&mem[0])) = word
}

func straddles8ByteBoundary(addr uintptr, length int) bool {
	const alignment = 8
	startBlock := addr / alignment
	endBlock := (addr + uintptr(length) - 1) / alignment
	return startBlock != endBlock
}
