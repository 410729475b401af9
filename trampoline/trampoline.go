// Package trampoline builds the relocated copy of a function's stolen
// prologue bytes that a Detour jumps back into after the replacement runs.
package trampoline

import (
	"fmt"

	"github.com/hexwrap/detourx/decode"
	"github.com/hexwrap/detourx/execmem"
	"github.com/hexwrap/detourx/relocate"
)

// entry mirrors the old-offset/new-offset bookkeeping a relocator needs,
// trimmed to the single-pass, read-only case a trampoline builds in: one
// instruction list walked once, no dead-code insertion, no mutation after
// construction, so no mutex is needed.
type entry struct {
	oldOffset int
	oldLength int
	newOffset int
	newLength int
}

// Trampoline is a small block of executable memory holding a relocated copy
// of a function's stolen prologue instructions, followed by a jump back
// into the original function past the stolen bytes.
type Trampoline struct {
	alloc *execmem.Allocation
	code  []byte
}

// Address returns the entry address a detour should redirect callers to.
func (t *Trampoline) Address() uintptr { return t.alloc.Addr }

// Code returns the trampoline's emitted bytes, for inspection or testing.
func (t *Trampoline) Code() []byte { return t.code }

// Release gives the trampoline's backing memory back to the pool.
func (t *Trampoline) Release() error { return t.alloc.Release() }

// Build assembles a trampoline out of the instructions stolen from a
// function's prologue (originAddr is where they used to live) and a
// resumeAddr to jump to once they've executed (originAddr + stolen byte
// count). It walks the instructions once, relocating any branch or
// RIP-relative operand that no longer reaches its target from the new
// location, widening short branches to near form when required, and
// finally appends a terminal jump back into the original function.
func Build(pool *execmem.Pool, originAddr uintptr, instrs []*decode.Instruction, resumeAddr uintptr) (*Trampoline, error) {
	oldTotal := 0
	for _, instr := range instrs {
		oldTotal += int(instr.Length)
	}

	// First pass: size every instruction for the budget, counting each
	// short branch at its widened length since whether its target stays in
	// 8-bit reach is only known once the real address is; new offsets are
	// assigned in the emission pass below. The trampoline is never more
	// than a handful of instructions long, so a worst-case budget (every
	// instruction maxed out to its widened size) is cheap and safe to
	// allocate before the real addresses are known.
	budget := 0
	entries := make([]entry, len(instrs))
	oldOffset := 0
	for i, instr := range instrs {
		length := int(instr.Length)
		switch {
		case instr.Kind == decode.KindShortBranch && relocate.IsLoopFamilyOpcode(instr.Opcode):
			length = relocate.LoopFamilyStubLength(instr)
		case instr.Kind == decode.KindShortBranch:
			length = relocate.ExpandedLength(instr)
		}
		entries[i] = entry{oldOffset: oldOffset, oldLength: int(instr.Length), newLength: length}
		budget += length
		oldOffset += int(instr.Length)
	}
	budget += 14 // worst-case terminal jump: FF 25 00000000 + 8-byte absolute address

	alloc, err := pool.Alloc(budget, originAddr)
	if err != nil {
		return nil, fmt.Errorf("allocating trampoline memory: %w", err)
	}

	code := make([]byte, 0, budget)
	newOffset := 0
	terminated := false
	for i, instr := range instrs {
		entries[i].newOffset = newOffset
		absoluteOriginalAddr := uint64(originAddr) + uint64(entries[i].oldOffset)
		newIP := uint64(alloc.Addr) + uint64(newOffset)

		switch instr.Kind {
		case decode.KindShortBranch, decode.KindNearBranch, decode.KindCall:
			target, terr := instr.ResolveTarget(absoluteOriginalAddr)
			if terr != nil {
				alloc.Release()
				return nil, fmt.Errorf("resolving branch target: %w", terr)
			}

			emitted := append([]byte(nil), instr.Bytes...)
			if instr.Kind == decode.KindShortBranch && !relocate.FitsShortForm(newIP, instr.Length, target) {
				if relocate.IsLoopFamilyOpcode(instr.Opcode) {
					stub, serr := relocate.ExpandLoopFamilyStub(instr)
					if serr != nil {
						alloc.Release()
						return nil, fmt.Errorf("widening loop-family branch: %w", serr)
					}
					if err := relocate.WriteLoopFamilyLongJump(stub, 0, len(stub), newIP, target); err != nil {
						alloc.Release()
						return nil, fmt.Errorf("fixing up loop-family long jump: %w", err)
					}
					emitted = stub
				} else {
					expanded, eerr := relocate.ExpandShortToNear(instr)
					if eerr != nil {
						alloc.Release()
						return nil, fmt.Errorf("widening short branch: %w", eerr)
					}
					emitted = expanded
					widened, werr := decode.Decode(emitted, 0, true)
					if werr != nil {
						alloc.Release()
						return nil, fmt.Errorf("re-decoding widened branch: %w", werr)
					}
					if err := relocate.WriteBranchDisplacement(emitted, widened, 0, newIP, target); err != nil {
						alloc.Release()
						return nil, fmt.Errorf("fixing up widened branch: %w", err)
					}
				}
			} else {
				if err := relocate.WriteBranchDisplacement(emitted, instr, 0, newIP, target); err != nil {
					alloc.Release()
					return nil, fmt.Errorf("fixing up branch: %w", err)
				}
			}
			code = append(code, emitted...)
			entries[i].newLength = len(emitted)
			newOffset += len(emitted)

		case decode.KindRIPRelativeMemory:
			target, terr := instr.ResolveTarget(absoluteOriginalAddr)
			if terr != nil {
				alloc.Release()
				return nil, fmt.Errorf("resolving rip-relative operand: %w", terr)
			}
			emitted := append([]byte(nil), instr.Bytes...)
			if err := relocate.WriteRIPDisplacement(emitted, instr, 0, newIP, target); err != nil {
				alloc.Release()
				return nil, fmt.Errorf("fixing up rip-relative operand: %w", err)
			}
			code = append(code, emitted...)
			entries[i].newLength = len(emitted)
			newOffset += len(emitted)

		case decode.KindIndirectBranch, decode.KindReturn:
			// These already terminate control flow on their own; copied
			// unchanged, with no terminal jump appended afterward, and no
			// further stolen instructions can possibly execute past them.
			code = append(code, instr.Bytes...)
			entries[i].newLength = len(instr.Bytes)
			newOffset += len(instr.Bytes)
			terminated = true

		default:
			code = append(code, instr.Bytes...)
			entries[i].newLength = len(instr.Bytes)
			newOffset += len(instr.Bytes)
		}

		if terminated {
			break
		}
	}

	if !terminated {
		jump, jerr := buildTerminalJump(uint64(alloc.Addr)+uint64(newOffset), uint64(resumeAddr))
		if jerr != nil {
			alloc.Release()
			return nil, fmt.Errorf("building terminal jump: %w", jerr)
		}
		code = append(code, jump...)
	}

	if err := alloc.Write(code); err != nil {
		alloc.Release()
		return nil, fmt.Errorf("writing trampoline code: %w", err)
	}

	return &Trampoline{alloc: alloc, code: code}, nil
}

// buildTerminalJump returns a jump from ip to target: a 5-byte relative
// E9 when target is within +/-2GiB, else a 14-byte absolute indirect jump.
func buildTerminalJump(ip uint64, target uint64) ([]byte, error) {
	const relJumpLen = 5
	rel := int64(target) - int64(ip+relJumpLen)
	if rel >= -(1<<31) && rel < (1<<31) {
		buf := make([]byte, 5)
		buf[0] = 0xE9
		buf[1] = byte(rel)
		buf[2] = byte(rel >> 8)
		buf[3] = byte(rel >> 16)
		buf[4] = byte(rel >> 24)
		return buf, nil
	}

	// FF 25 00000000 ; jmp [rip+0]   followed by the 8-byte absolute address
	buf := make([]byte, 14)
	buf[0] = 0xFF
	buf[1] = 0x25
	// disp32 is 0: the absolute address immediately follows the instruction.
	for i := 0; i < 8; i++ {
		buf[6+i] = byte(target >> (8 * i))
	}
	return buf, nil
}
