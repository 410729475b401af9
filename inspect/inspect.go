// Package inspect analyzes a target function's prologue and decides how
// many bytes a detour must steal to make room for a redirecting jump.
package inspect

import (
	"fmt"
	"unsafe"

	"github.com/hexwrap/detourx/decode"
)

// Mode identifies which stealing strategy a StealPlan uses.
type Mode uint8

const (
	// ModeDirect steals >=5 bytes (the size of a relative jmp) from the
	// function's true entry point.
	ModeDirect Mode = iota
	// ModeHotPatch exploits the Microsoft hot-patch convention: a 2-byte
	// "mov edi, edi" (8B FF) at the entry point, preceded by 5 padding
	// bytes, lets a 2-byte short jump back into a 5-byte long jump in the
	// padding be installed atomically.
	ModeHotPatch
)

func (m Mode) String() string {
	if m == ModeHotPatch {
		return "hot-patch"
	}
	return "direct"
}

// minStolenBytes is the size of the relative jmp a direct detour writes at
// the function entry point.
const minStolenBytes = 5

// hotPatchPadding is the number of padding bytes the hot-patch convention
// requires immediately before the entry point.
const hotPatchPadding = 5

// StealPlan describes which bytes of a target function a trampoline must
// take ownership of, and how the eventual patch should be installed.
type StealPlan struct {
	StolenBytes  int
	Instructions []*decode.Instruction
	Mode         Mode
	SavedBytes   []byte
	PatchSite    uintptr
	RedirectSite uintptr
}

// ErrNotEnoughBytes is returned when the target's prologue has fewer
// decodable whole instructions than a jump needs to overwrite.
var ErrNotEnoughBytes = fmt.Errorf("inspect: not enough whole instructions to steal a jump's worth of bytes")

// ErrAlreadyHooked is returned when the target's first instruction is
// itself a relative branch — the function is already detoured or is a
// thunk, and stealing through it would chain onto whatever it jumps to
// rather than the function's real behavior.
var ErrAlreadyHooked = fmt.Errorf("inspect: target's first instruction is already a relative branch")

// ErrUnsupportedInstruction is returned when a prologue instruction inside
// the stolen region cannot be decoded. Returns and indirect branches are
// not rejected here; they end the stolen prologue (see stealDirect).
type ErrUnsupportedInstruction struct {
	Offset int
	Reason string
}

func (e *ErrUnsupportedInstruction) Error() string {
	return fmt.Sprintf("inspect: unsupported instruction at offset %d: %s", e.Offset, e.Reason)
}

// Analyze decodes prologue, which must already contain the machine code
// found at addr, and produces a StealPlan. addr is used to read the
// hot-patch padding just before the entry and is recorded as the plan's
// PatchSite/RedirectSite; decoding the prologue does not depend on it.
func Analyze(addr uintptr, prologue []byte) (*StealPlan, error) {
	if mode, saved, ok := detectHotPatch(addr, prologue); ok {
		return &StealPlan{
			StolenBytes:  2,
			Mode:         mode,
			SavedBytes:   saved,
			PatchSite:    addr,
			RedirectSite: addr - hotPatchPadding,
		}, nil
	}

	instrs, stolen, err := stealDirect(prologue)
	if err != nil {
		return nil, err
	}

	saved := append([]byte(nil), prologue[:stolen]...)
	return &StealPlan{
		StolenBytes:  stolen,
		Instructions: instrs,
		Mode:         ModeDirect,
		SavedBytes:   saved,
		PatchSite:    addr,
		RedirectSite: addr,
	}, nil
}

// stealDirect decodes whole instructions from the start of prologue until
// at least minStolenBytes have been consumed. A return or indirect branch
// is copied into the plan but terminates the walk immediately — it ends
// the relocated prologue, so whatever follows it is never reached by
// fall-through and needs no relocation. If that leaves the steal short of
// minStolenBytes, the remainder must be NOP/INT3 trailing padding; any
// other content there cannot be safely overwritten.
func stealDirect(prologue []byte) ([]*decode.Instruction, int, error) {
	var instrs []*decode.Instruction
	offset := 0
	terminated := false

	for offset < minStolenBytes && !terminated {
		if offset >= len(prologue) {
			return nil, 0, ErrNotEnoughBytes
		}
		instr, err := decode.Decode(prologue, offset, true)
		if err != nil {
			return nil, 0, &ErrUnsupportedInstruction{Offset: offset, Reason: err.Error()}
		}
		if offset == 0 && (instr.Kind == decode.KindShortBranch || instr.Kind == decode.KindNearBranch) {
			return nil, 0, ErrAlreadyHooked
		}
		instrs = append(instrs, instr)
		offset += int(instr.Length)
		if instr.Kind == decode.KindReturn || instr.Kind == decode.KindIndirectBranch {
			terminated = true
		}
	}

	if offset < minStolenBytes {
		if len(prologue) < minStolenBytes {
			return nil, 0, ErrNotEnoughBytes
		}
		pad := prologue[offset:minStolenBytes]
		for _, b := range pad {
			if b != 0x90 && b != 0xCC {
				return nil, 0, ErrNotEnoughBytes
			}
		}
		offset = minStolenBytes
	}

	if offset > len(prologue) {
		return nil, 0, ErrNotEnoughBytes
	}
	return instrs, offset, nil
}

// detectHotPatch checks for the Microsoft hot-patch layout documented at
// the function's true entry point: 8B FF (mov edi, edi) preceded by 5
// bytes that are uniformly either NOP (0x90) or INT3 (0xCC). Compiler-
// specific padding-byte identity beyond that documented pair is not
// guessed at; anything else before the entry falls through to ModeDirect.
func detectHotPatch(addr uintptr, prologue []byte) (Mode, []byte, bool) {
	if len(prologue) < 2 || prologue[0] != 0x8B || prologue[1] != 0xFF {
		return 0, nil, false
	}

	padding := readPadding(addr, hotPatchPadding)
	if padding == nil {
		return 0, nil, false
	}

	allNOP, allINT3 := true, true
	for _, b := range padding {
		if b != 0x90 {
			allNOP = false
		}
		if b != 0xCC {
			allINT3 = false
		}
	}
	if !allNOP && !allINT3 {
		return 0, nil, false
	}

	saved := append(append([]byte(nil), padding...), prologue[:2]...)
	return ModeHotPatch, saved, true
}

// readPadding reads n bytes immediately before addr. It is a thin wrapper
// over unsafe pointer arithmetic so tests can substitute a fake prologue
// without touching real process memory.
var readPadding = func(addr uintptr, n int) []byte {
	if addr < uintptr(n) {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr-uintptr(n))), n)
}
