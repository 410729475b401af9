package patch

import (
	"testing"
	"unsafe"

	"github.com/hexwrap/detourx/execmem"
	"github.com/hexwrap/detourx/inspect"
)

func readLive(addr uintptr, n int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	return append([]byte(nil), src...)
}

func TestByteRangeOverlaps(t *testing.T) {
	a := byteRange{start: 0x1000, end: 0x1005}
	b := byteRange{start: 0x1004, end: 0x1009}
	c := byteRange{start: 0x1005, end: 0x1009}

	if !a.overlaps(b) {
		t.Error("expected overlapping ranges to overlap")
	}
	if a.overlaps(c) {
		t.Error("adjacent, non-overlapping ranges should not overlap")
	}
}

func TestRangeOfHotPatchSpansPaddingAndEntry(t *testing.T) {
	plan := &inspect.StealPlan{
		Mode:         inspect.ModeHotPatch,
		StolenBytes:  2,
		PatchSite:    0x2000,
		RedirectSite: 0x2000 - 5,
	}
	r := rangeOf(plan)
	if r.start != 0x2000-5 {
		t.Errorf("expected range to start at padding, got 0x%x", r.start)
	}
	if r.end != 0x2000+2 {
		t.Errorf("expected range to end after the entry's 2 stolen bytes, got 0x%x", r.end)
	}
}

func TestEncodeRel32Jump(t *testing.T) {
	jump := encodeRel32Jump(0x1000, 0x2000)
	if jump[0] != 0xE9 {
		t.Fatalf("expected E9 opcode, got %02x", jump[0])
	}
	rel := int32(uint32(jump[1]) | uint32(jump[2])<<8 | uint32(jump[3])<<16 | uint32(jump[4])<<24)
	if int64(0x1000)+5+int64(rel) != 0x2000 {
		t.Errorf("encoded jump does not land on destination")
	}
}

func TestInstallAndUninstallDirectRoundtrips(t *testing.T) {
	pool := execmem.NewPool(execmem.PoolOptions{})
	alloc, err := pool.Alloc(16, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer alloc.Release()

	original := []byte{0x31, 0xC0, 0x83, 0xC0, 0x05, 0xC3} // xor eax,eax; add eax,5; ret
	if err := alloc.Write(original); err != nil {
		t.Fatalf("seed original bytes: %v", err)
	}

	plan := &inspect.StealPlan{
		Mode:        inspect.ModeDirect,
		StolenBytes: 5,
		SavedBytes:  append([]byte(nil), original[:5]...),
		PatchSite:   alloc.Addr,
		RedirectSite: alloc.Addr,
	}

	reg := NewRegistry()
	dest := alloc.Addr + 64
	if err := reg.Install(plan, dest); err != nil {
		t.Fatalf("install: %v", err)
	}

	live := readLive(alloc.Addr, 5)
	if live[0] != 0xE9 {
		t.Fatalf("expected installed bytes to start with E9, got %02x", live[0])
	}

	if err := reg.Uninstall(plan); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	restored := readLive(alloc.Addr, 5)
	for i := range restored {
		if restored[i] != original[i] {
			t.Fatalf("byte %d not restored: want %02x got %02x", i, original[i], restored[i])
		}
	}
}

func TestInstallRejectsOverlap(t *testing.T) {
	pool := execmem.NewPool(execmem.PoolOptions{})
	alloc, err := pool.Alloc(16, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer alloc.Release()

	mkPlan := func() *inspect.StealPlan {
		return &inspect.StealPlan{
			Mode:         inspect.ModeDirect,
			StolenBytes:  5,
			SavedBytes:   make([]byte, 5),
			PatchSite:    alloc.Addr,
			RedirectSite: alloc.Addr,
		}
	}

	reg := NewRegistry()
	first := mkPlan()
	if err := reg.Install(first, alloc.Addr+64); err != nil {
		t.Fatalf("first install: %v", err)
	}
	defer reg.Uninstall(first)

	second := &inspect.StealPlan{
		Mode:         inspect.ModeDirect,
		StolenBytes:  5,
		SavedBytes:   make([]byte, 5),
		PatchSite:    alloc.Addr + 3,
		RedirectSite: alloc.Addr + 3,
	}
	if err := reg.Install(second, alloc.Addr+64); err == nil {
		t.Fatal("expected overlap rejection")
	} else if err != ErrOverlappingDetour {
		t.Fatalf("expected ErrOverlappingDetour, got %v", err)
	}
}
