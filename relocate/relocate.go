// Package relocate rewrites branch displacements and RIP-relative operands
// so that instructions stolen from a function's prologue keep working once
// they live at a different address inside a trampoline.
package relocate

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hexwrap/detourx/decode"
)

// WriteBranchDisplacement patches the displacement field of a relative
// branch/call instruction in place so it targets absoluteTarget, given that
// the instruction now sits at newIP. It dispatches on opcode exactly the
// way the original, unrelocated encoding requires: short branches get an
// 8-bit write, near branches and calls a 32-bit write.
func WriteBranchDisplacement(code []byte, instr *decode.Instruction, instrOffset int, newIP uint64, absoluteTarget uint64) error {
	if instrOffset+int(instr.Length) > len(code) {
		return fmt.Errorf("instruction at %d runs past buffer of length %d", instrOffset, len(code))
	}

	nextIP := newIP + uint64(instr.Length)
	rel := int64(absoluteTarget) - int64(nextIP)

	opcode := code[instrOffset]

	switch {
	case opcode >= 0x70 && opcode <= 0x7F, opcode == 0xEB, opcode >= 0xE0 && opcode <= 0xE3:
		return writeOffset8(code, instrOffset+1, rel)

	case opcode == 0xE8, opcode == 0xE9:
		return writeOffset32(code, instrOffset+1, rel)

	case opcode == 0x0F:
		if instrOffset+1 >= len(code) {
			return fmt.Errorf("truncated two-byte opcode at %d", instrOffset)
		}
		op2 := code[instrOffset+1]
		if op2 >= 0x80 && op2 <= 0x8F {
			return writeOffset32(code, instrOffset+2, rel)
		}
		return fmt.Errorf("unrelocatable two-byte opcode 0F %02X", op2)

	default:
		return fmt.Errorf("unrelocatable branch opcode %02X", opcode)
	}
}

// WriteRIPDisplacement patches the disp32 field of a RIP-relative memory
// operand so it still addresses absoluteTarget from the instruction's new
// location newIP.
func WriteRIPDisplacement(code []byte, instr *decode.Instruction, instrOffset int, newIP uint64, absoluteTarget uint64) error {
	if instr.DispFieldOffset < 0 || instr.Properties.DisplacementSize != 4 {
		return fmt.Errorf("instruction has no disp32 field to relocate")
	}
	fieldOffset := instrOffset + instr.DispFieldOffset
	if fieldOffset+4 > len(code) {
		return fmt.Errorf("displacement field at %d runs past buffer", fieldOffset)
	}

	nextIP := newIP + uint64(instr.Length)
	rel := int64(absoluteTarget) - int64(nextIP)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return fmt.Errorf("rip-relative target unreachable from new location: offset %d out of 32-bit range", rel)
	}
	binary.LittleEndian.PutUint32(code[fieldOffset:], uint32(int32(rel)))
	return nil
}

func writeOffset8(code []byte, at int, rel int64) error {
	if at >= len(code) {
		return fmt.Errorf("offset location %d beyond buffer of length %d", at, len(code))
	}
	if rel < -128 || rel > 127 {
		return fmt.Errorf("relative offset %d does not fit in 8-bit signed range", rel)
	}
	code[at] = byte(int8(rel))
	return nil
}

func writeOffset32(code []byte, at int, rel int64) error {
	if at+4 > len(code) {
		return fmt.Errorf("offset location %d+4 beyond buffer of length %d", at, len(code))
	}
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return fmt.Errorf("relative offset %d does not fit in 32-bit signed range", rel)
	}
	binary.LittleEndian.PutUint32(code[at:], uint32(int32(rel)))
	return nil
}

// FitsShortForm reports whether rel, the displacement a branch at newIP
// would need in order to reach absoluteTarget, still fits an 8-bit signed
// field — i.e. whether the original short encoding can be kept instead of
// being widened.
func FitsShortForm(newIP uint64, instrLen uint8, absoluteTarget uint64) bool {
	next := int64(newIP) + int64(instrLen)
	rel := int64(absoluteTarget) - next
	return rel >= -128 && rel <= 127
}

// ExpandShortToNear produces the near-form encoding of a short branch or
// jump, preserving its semantics (Jcc short -> 0F 8x near, EB -> E9) with
// the displacement field left at zero — the caller fixes it up afterwards
// via WriteBranchDisplacement once the instruction's final address is known.
func ExpandShortToNear(instr *decode.Instruction) ([]byte, error) {
	op := instr.Opcode

	switch {
	case op >= 0x70 && op <= 0x7F:
		return []byte{0x0F, 0x80 + (op - 0x70), 0, 0, 0, 0}, nil
	case op == 0xEB:
		return []byte{0xE9, 0, 0, 0, 0}, nil
	default:
		return nil, fmt.Errorf("opcode %02X has no near-form expansion", op)
	}
}

// ExpandedLength returns the length ExpandShortToNear would produce for instr.
func ExpandedLength(instr *decode.Instruction) int {
	switch instr.Opcode {
	case 0xEB:
		return 5
	default:
		return 6 // 0F 8x rel32
	}
}

// IsLoopFamilyOpcode reports whether op is LOOPNE/LOOPE/LOOP (E0-E2) or
// JCXZ/JECXZ/JRCXZ (E3) — the short branches with no near-form encoding.
func IsLoopFamilyOpcode(op byte) bool {
	return op >= 0xE0 && op <= 0xE3
}

// ExpandLoopFamilyStub builds the relocation fallback for a loop-family
// branch whose target falls outside 8-bit reach from its new address: no
// 0F-8x-style near form exists for these opcodes, so instead the original
// short branch is kept (preserving its own semantics — decrement-and-test
// or CX/ECX/RCX-is-zero) but re-pointed 2 bytes ahead, to a short jump
// that skips over a 5-byte inline long jump; the long jump carries the
// real (possibly far) target, and not-taken control flow falls through
// the short jump to resume immediately after it:
//
//	<prefixes> op  02         ; taken  -> skip to the long jump below
//	           EB  05         ; not taken -> skip over the long jump
//	           E9  rel32      ; long jump to the real target
//
// The displacement fields of the first two jumps are fixed by this fixed
// layout and never need further fixing up; only the trailing rel32 does,
// via WriteLoopFamilyLongJump once the stub's final address is known.
func ExpandLoopFamilyStub(instr *decode.Instruction) ([]byte, error) {
	if !IsLoopFamilyOpcode(instr.Opcode) {
		return nil, fmt.Errorf("opcode %02X is not a loop-family branch", instr.Opcode)
	}
	if len(instr.Bytes) < 2 {
		return nil, fmt.Errorf("loop-family instruction shorter than opcode+rel8")
	}
	prefixes := instr.Bytes[:len(instr.Bytes)-2]

	stub := make([]byte, 0, len(prefixes)+9)
	stub = append(stub, prefixes...)
	stub = append(stub, instr.Opcode, 0x02, 0xEB, 0x05, 0xE9, 0, 0, 0, 0)
	return stub, nil
}

// LoopFamilyStubLength returns the length ExpandLoopFamilyStub would
// produce for instr, without building the stub itself.
func LoopFamilyStubLength(instr *decode.Instruction) int {
	return len(instr.Bytes) - 2 + 9
}

// WriteLoopFamilyLongJump patches the rel32 field of the inline long jump
// inside a loop-family stub (see ExpandLoopFamilyStub) so it reaches
// absoluteTarget. newIP is the address of the stub's first byte; the
// long jump always occupies the stub's last 5 bytes.
func WriteLoopFamilyLongJump(code []byte, instrOffset, stubLen int, newIP uint64, absoluteTarget uint64) error {
	jmpOffset := instrOffset + stubLen - 5
	if jmpOffset < instrOffset || jmpOffset+5 > len(code) {
		return fmt.Errorf("loop-family stub too short for an inline long jump")
	}
	if code[jmpOffset] != 0xE9 {
		return fmt.Errorf("loop-family stub missing its inline long jump opcode")
	}

	jmpIP := newIP + uint64(stubLen-5)
	nextIP := jmpIP + 5
	rel := int64(absoluteTarget) - int64(nextIP)
	return writeOffset32(code, jmpOffset+1, rel)
}
