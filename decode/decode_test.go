package decode

import "testing"

func TestSingleByteInstructions(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		expected int
	}{
		{"NOP", []byte{0x90}, 1},
		{"PUSH EAX", []byte{0x50}, 1},
		{"POP EDI", []byte{0x5F}, 1},
		{"RET", []byte{0xC3}, 1},
		{"INT3", []byte{0xCC}, 1},
		{"CLC", []byte{0xF8}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instr, err := Decode(tt.code, 0, true)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if int(instr.Length) != tt.expected {
				t.Errorf("expected length %d, got %d", tt.expected, instr.Length)
			}
		})
	}
}

func TestModRMInstructions(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		expected int
	}{
		{"MOV EAX, EBX", []byte{0x89, 0xD8}, 2},
		{"ADD EAX, EBX", []byte{0x01, 0xD8}, 2},
		{"XOR ECX, ECX", []byte{0x31, 0xC9}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instr, err := Decode(tt.code, 0, true)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if int(instr.Length) != tt.expected {
				t.Errorf("expected length %d, got %d", tt.expected, instr.Length)
			}
		})
	}
}

func TestREXPrefixedMOV(t *testing.T) {
	// REX.W MOV RAX, RBX -> 48 89 D8
	code := []byte{0x48, 0x89, 0xD8}
	instr, err := Decode(code, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instr.Length != 3 {
		t.Fatalf("expected length 3, got %d", instr.Length)
	}
	if !instr.Properties.HasREX {
		t.Error("expected HasREX true")
	}
}

func TestShortJumpClassifiedAndResolved(t *testing.T) {
	// JMP short +5 at address 0x1000: EB 05
	code := []byte{0xEB, 0x05}
	instr, err := Decode(code, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instr.Kind != KindShortBranch {
		t.Fatalf("expected KindShortBranch, got %v", instr.Kind)
	}
	target, err := instr.ResolveTarget(0x1000)
	if err != nil {
		t.Fatalf("unexpected error resolving target: %v", err)
	}
	if want := uint64(0x1000 + 2 + 5); target != want {
		t.Errorf("expected target 0x%x, got 0x%x", want, target)
	}
}

func TestConditionalJumpNegativeOffset(t *testing.T) {
	// JE short -2 at address 0x2000: 74 FE
	code := []byte{0x74, 0xFE}
	instr, err := Decode(code, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	target, err := instr.ResolveTarget(0x2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint64(0x2000 + 2 - 2); target != want {
		t.Errorf("expected target 0x%x, got 0x%x", want, target)
	}
}

func TestNearCallResolvesTarget(t *testing.T) {
	// CALL rel32 +0x10: E8 10 00 00 00
	code := []byte{0xE8, 0x10, 0x00, 0x00, 0x00}
	instr, err := Decode(code, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instr.Kind != KindCall {
		t.Fatalf("expected KindCall, got %v", instr.Kind)
	}
	target, err := instr.ResolveTarget(0x4000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint64(0x4000 + 5 + 0x10); target != want {
		t.Errorf("expected target 0x%x, got 0x%x", want, target)
	}
}

func TestRIPRelativeMemoryOperand(t *testing.T) {
	// MOV EAX, [RIP+0x100]: 8B 05 00 01 00 00
	code := []byte{0x8B, 0x05, 0x00, 0x01, 0x00, 0x00}
	instr, err := Decode(code, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instr.Kind != KindRIPRelativeMemory {
		t.Fatalf("expected KindRIPRelativeMemory, got %v", instr.Kind)
	}
	if !instr.Properties.IsRIPRelative {
		t.Error("expected IsRIPRelative true")
	}
	target, err := instr.ResolveTarget(0x5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint64(0x5000 + 6 + 0x100); target != want {
		t.Errorf("expected target 0x%x, got 0x%x", want, target)
	}
}

func TestRIPRelativeNotDecodedInLegacyMode(t *testing.T) {
	// Same bytes in 32-bit mode: mod=00,rm=101 means a bare [disp32], not RIP-relative.
	code := []byte{0x8B, 0x05, 0x00, 0x01, 0x00, 0x00}
	instr, err := Decode(code, 0, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instr.Properties.IsRIPRelative {
		t.Error("expected IsRIPRelative false in 32-bit mode")
	}
}

func TestIndirectCallThroughRegister(t *testing.T) {
	// CALL RAX (FF /2): FF D0
	code := []byte{0xFF, 0xD0}
	instr, err := Decode(code, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instr.Kind != KindIndirectBranch {
		t.Fatalf("expected KindIndirectBranch, got %v", instr.Kind)
	}
}

func TestTruncatedInstructionErrors(t *testing.T) {
	// MOV EAX, imm32 missing its immediate bytes.
	code := []byte{0xB8, 0x01, 0x02}
	if _, err := Decode(code, 0, true); err == nil {
		t.Fatal("expected error for truncated immediate")
	}
}

func TestDecodeAllWalksSequentialInstructions(t *testing.T) {
	code := []byte{0x90, 0x50, 0x58, 0xC3} // NOP, PUSH EAX, POP EAX, RET
	instrs, err := DecodeAll(code, 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(instrs) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(instrs))
	}
	if !instrs[3].IsControlFlow() {
		t.Error("expected RET to be control flow")
	}
}
