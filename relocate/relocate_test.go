package relocate

import (
	"testing"

	"github.com/hexwrap/detourx/decode"
)

func mustDecode(t *testing.T, code []byte) *decode.Instruction {
	t.Helper()
	instr, err := decode.Decode(code, 0, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return instr
}

func TestWriteBranchDisplacementShortForm(t *testing.T) {
	code := []byte{0xEB, 0x00} // JMP short, placeholder displacement
	instr := mustDecode(t, code)

	// instruction now lives at 0x2000, original target was 0x2010
	if err := WriteBranchDisplacement(code, instr, 0, 0x2000, 0x2010); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reloaded := mustDecode(t, code)
	target, err := reloaded.ResolveTarget(0x2000)
	if err != nil {
		t.Fatalf("unexpected error resolving: %v", err)
	}
	if target != 0x2010 {
		t.Errorf("expected target 0x2010, got 0x%x", target)
	}
}

func TestWriteBranchDisplacementOutOfShortRange(t *testing.T) {
	code := []byte{0xEB, 0x00}
	instr := mustDecode(t, code)

	if err := WriteBranchDisplacement(code, instr, 0, 0x1000, 0x1000+1000); err == nil {
		t.Fatal("expected error for out-of-range short displacement")
	}
}

func TestExpandShortToNearConditional(t *testing.T) {
	code := []byte{0x74, 0x00} // JE short
	instr := mustDecode(t, code)

	expanded, err := ExpandShortToNear(instr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(expanded) != 6 || expanded[0] != 0x0F || expanded[1] != 0x84 {
		t.Fatalf("unexpected expansion: %x", expanded)
	}

	if err := WriteBranchDisplacement(expanded, mustDecode(t, expanded), 0, 0x3000, 0x3000+0x10000); err != nil {
		t.Fatalf("unexpected error fixing up expanded form: %v", err)
	}
}

func TestExpandShortToNearUnconditional(t *testing.T) {
	code := []byte{0xEB, 0x00}
	instr := mustDecode(t, code)

	expanded, err := ExpandShortToNear(instr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(expanded) != 5 || expanded[0] != 0xE9 {
		t.Fatalf("unexpected expansion: %x", expanded)
	}
}

func TestExpandLoopFamilyStubAndFixup(t *testing.T) {
	code := []byte{0xE2, 0x00} // LOOP short, placeholder displacement
	instr := mustDecode(t, code)

	stub, err := ExpandLoopFamilyStub(instr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub) != 9 {
		t.Fatalf("expected 9-byte stub, got %d bytes: %x", len(stub), stub)
	}
	if stub[0] != 0xE2 || stub[1] != 0x02 {
		t.Fatalf("expected LOOP +2 at stub start, got %x", stub[:2])
	}
	if stub[2] != 0xEB || stub[3] != 0x05 {
		t.Fatalf("expected JMP short +5 skipping the long jump, got %x", stub[2:4])
	}
	if stub[4] != 0xE9 {
		t.Fatalf("expected inline long jump opcode E9, got %02X", stub[4])
	}
	if got := LoopFamilyStubLength(instr); got != len(stub) {
		t.Errorf("LoopFamilyStubLength disagrees with ExpandLoopFamilyStub: %d vs %d", got, len(stub))
	}

	// Stub placed at 0x4000, real LOOP target is far enough away that the
	// original 8-bit displacement could never have reached it directly.
	const stubAddr = 0x4000
	const target = 0x4000 + 100000
	if err := WriteLoopFamilyLongJump(stub, 0, len(stub), stubAddr, target); err != nil {
		t.Fatalf("unexpected error fixing up long jump: %v", err)
	}

	longJump := mustDecode(t, stub[4:])
	resolved, err := longJump.ResolveTarget(stubAddr + 4)
	if err != nil {
		t.Fatalf("unexpected error resolving inline long jump: %v", err)
	}
	if resolved != target {
		t.Errorf("expected inline long jump to reach 0x%x, got 0x%x", target, resolved)
	}
}

func TestIsLoopFamilyOpcode(t *testing.T) {
	for _, op := range []byte{0xE0, 0xE1, 0xE2, 0xE3} {
		if !IsLoopFamilyOpcode(op) {
			t.Errorf("expected %02X to be classified as loop-family", op)
		}
	}
	if IsLoopFamilyOpcode(0xEB) {
		t.Error("EB (JMP short) must not be classified as loop-family")
	}
}

func TestWriteRIPDisplacement(t *testing.T) {
	code := []byte{0x8B, 0x05, 0x00, 0x00, 0x00, 0x00} // MOV EAX, [RIP+0]
	instr := mustDecode(t, code)

	// Original instruction at 0x1000 addressed data at 0x1006+0x100.
	// Relocated to 0x5000, must still address the same absolute data.
	dataAddr := uint64(0x1006 + 0x100)
	if err := WriteRIPDisplacement(code, instr, 0, 0x5000, dataAddr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reloaded := mustDecode(t, code)
	target, err := reloaded.ResolveTarget(0x5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != dataAddr {
		t.Errorf("expected target 0x%x, got 0x%x", dataAddr, target)
	}
}

func TestFitsShortForm(t *testing.T) {
	if !FitsShortForm(0x1000, 2, 0x1000+2+100) {
		t.Error("expected short form to fit for nearby target")
	}
	if FitsShortForm(0x1000, 2, 0x1000+2+1000) {
		t.Error("expected short form not to fit for distant target")
	}
}
