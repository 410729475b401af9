package execmem

import "testing"

func TestWithinReach(t *testing.T) {
	anchor := uintptr(0x7f0000000000)

	if !withinReach(anchor+0x1000, anchor) {
		t.Error("expected nearby address to be within reach")
	}
	if !withinReach(anchor-0x1000, anchor) {
		t.Error("expected nearby address below anchor to be within reach")
	}
	if withinReach(anchor+maxAnchorDistance+1, anchor) {
		t.Error("expected address beyond max distance to be out of reach")
	}
}

func TestPoolReusesSlabSpareCapacity(t *testing.T) {
	p := NewPool(PoolOptions{SlabSize: 4096})
	anchor := uintptr(0x7f0000000000)

	first, err := p.Alloc(16, anchor)
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	defer first.Release()

	second, err := p.Alloc(16, anchor)
	if err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	defer second.Release()

	if len(p.slabs) != 1 {
		t.Fatalf("expected both allocations to share one slab, got %d slabs", len(p.slabs))
	}
	if second.Addr != first.Addr+uintptr(first.Size) {
		t.Errorf("expected second allocation to be carved from the first slab's spare capacity right after the first, got first=0x%x second=0x%x", first.Addr, second.Addr)
	}
}

func TestPoolRecyclesReleasedCell(t *testing.T) {
	p := NewPool(PoolOptions{SlabSize: 4096})
	anchor := uintptr(0x7f0000000000)

	a, err := p.Alloc(32, anchor)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := p.Alloc(32, anchor)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	defer b.Release()

	freedAddr := a.Addr
	if err := a.Release(); err != nil {
		t.Fatalf("release a: %v", err)
	}
	if len(p.slabs) != 1 {
		t.Fatalf("expected the slab to survive (b is still live), got %d slabs", len(p.slabs))
	}

	c, err := p.Alloc(32, anchor)
	if err != nil {
		t.Fatalf("alloc c: %v", err)
	}
	defer c.Release()

	if c.Addr != freedAddr {
		t.Errorf("expected a same-size allocation to reuse the freed cell at 0x%x, got 0x%x", freedAddr, c.Addr)
	}
	if len(p.slabs) != 1 {
		t.Fatalf("expected reuse to happen within the existing slab, got %d slabs", len(p.slabs))
	}
}

func TestPoolUnmapsFullyEmptiedSlab(t *testing.T) {
	p := NewPool(PoolOptions{SlabSize: 4096})
	anchor := uintptr(0x7f0000000000)

	a, err := p.Alloc(32, anchor)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if len(p.slabs) != 1 {
		t.Fatalf("expected one slab after the first alloc, got %d", len(p.slabs))
	}

	if err := a.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(p.slabs) != 0 {
		t.Fatalf("expected the fully-emptied slab to be unmapped and dropped, got %d slabs remaining", len(p.slabs))
	}

	// A further allocation must still work: the pool maps a fresh slab
	// rather than mistakenly believing it has nothing left to give out.
	b, err := p.Alloc(32, anchor)
	if err != nil {
		t.Fatalf("alloc after unmap: %v", err)
	}
	defer b.Release()
	if len(p.slabs) != 1 {
		t.Fatalf("expected a fresh slab to be mapped, got %d slabs", len(p.slabs))
	}
}
