package mem

import "testing"

func TestAllocExactFit(t *testing.T) {
	p := NewPool(8)

	a, ok := p.Alloc(8)
	if !ok {
		t.Fatalf("expected exact-fit allocation to succeed")
	}
	if a != 0 {
		t.Fatalf("expected base 0, got %d", a)
	}
	if _, ok := p.Alloc(1); ok {
		t.Fatalf("expected pool exhaustion")
	}
}

func TestAllocExactFitReusesFirstFreedChunk(t *testing.T) {
	p := NewPool(16)

	// free two adjacent 4-page chunks; the pool keeps them as separate entries
	a, _ := p.Alloc(4) // [0,4)
	b, _ := p.Alloc(4) // [4,8)
	_, _ = p.Alloc(8)  // [8,16)

	p.Free(a, 4)
	p.Free(b, 4)
	// free list now has chunk [0,8) coalesced only if code coalesces,
	// which it deliberately does not: two adjacent 4-page chunks remain
	// distinct entries.
	got, ok := p.Alloc(4)
	if !ok {
		t.Fatalf("expected allocation to succeed")
	}
	if got != a {
		t.Fatalf("expected exact-fit reuse of first freed chunk %d, got %d", a, got)
	}
}

func TestFreeAddressOrdered(t *testing.T) {
	p := NewPool(4)
	a, _ := p.Alloc(4)
	p.Free(a, 2)
	p.Free(a+Pa_t(2*PageSize), 2)

	if p.free.base != a || p.free.next == nil || p.free.next.base != a+Pa_t(2*PageSize) {
		t.Fatalf("expected two adjacent non-coalesced frees to remain address-ordered and distinct chunks")
	}
}

func TestAllocOneFreeOneRoundTrip(t *testing.T) {
	p := NewPool(2)
	pa, ok := p.AllocOne()
	if !ok {
		t.Fatalf("expected alloc to succeed")
	}
	b := p.Bytes(pa, 1)
	b[0] = 0xAB
	p.FreeOne(pa)

	pa2, ok := p.AllocOne()
	if !ok || pa2 != pa {
		t.Fatalf("expected freed page to be reused")
	}
}

func TestAllocExhaustionReturnsENOMEM(t *testing.T) {
	p := NewPool(1)
	if _, err := p.AllocErr(2); err == 0 {
		t.Fatalf("expected ENOMEM for an over-large request")
	}
}
