package vm

import (
	"testing"

	"github.com/Neil-Rayu/rvkernel-go/mem"
)

func newSpace(t *testing.T, pages int) (*AddressSpace, *mem.Pool) {
	t.Helper()
	pool := mem.NewPool(pages)
	as, err := NewAddressSpace(pool)
	if err != 0 {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as, pool
}

func TestMapPageThenTranslate(t *testing.T) {
	as, pool := newSpace(t, 64)
	pa, ok := pool.AllocOne()
	if !ok {
		t.Fatalf("alloc")
	}
	const va = uintptr(0x10_0000)
	if err := as.MapPage(va, pa, PteR|PteW|PteU); err != 0 {
		t.Fatalf("MapPage: %v", err)
	}
	got, ok := as.Translate(va)
	if !ok || got != pa {
		t.Fatalf("Translate: got (%v,%v), want (%v,true)", got, ok, pa)
	}

	// Mapping the same leaf again is a no-op, not an error.
	if err := as.MapPage(va, pa, PteR); err != 0 {
		t.Fatalf("second MapPage: %v", err)
	}
}

func TestUnmapAndFreeRangeCascades(t *testing.T) {
	as, _ := newSpace(t, 64)
	const va = uintptr(0x20_0000)

	if err := as.AllocAndMapRange(va, 3, PteR|PteW|PteU); err != 0 {
		t.Fatalf("AllocAndMapRange: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, ok := as.Translate(va + uintptr(i)*mem.PageSize); !ok {
			t.Fatalf("page %d should be mapped", i)
		}
	}

	as.UnmapAndFreeRange(va, 3)
	for i := 0; i < 3; i++ {
		if _, ok := as.Translate(va + uintptr(i)*mem.PageSize); ok {
			t.Fatalf("page %d should be unmapped", i)
		}
	}

	// The interior subtables should have cascaded away: the root's own
	// entry for this VA's subtree must now be invalid too.
	top := as.tableAt(as.root)
	if top.get(vpn(va, levels-1)) != 0 {
		t.Fatalf("expected emptied subtable to cascade-free up to the root")
	}
}

func TestAllocAndMapRangeUnwindsOnFailure(t *testing.T) {
	// Pool of four frames: the root plus three more, enough for the two
	// interior tables and one data page, so a three-page request must fail
	// partway through and unwind.
	as, pool := newSpace(t, 4)
	const va = uintptr(0x40_0000)

	err := as.AllocAndMapRange(va, 3, PteR|PteW)
	if err == 0 {
		t.Fatalf("expected allocation to fail given constrained pool")
	}
	// Every frame the failed call took should have been returned to the
	// pool. The pool does not coalesce, so the three non-root frames come
	// back as separate one-page chunks.
	for i := 0; i < 3; i++ {
		if _, ok := pool.AllocOne(); !ok {
			t.Fatalf("expected unwound frames to be available again")
		}
	}
}

func TestCloneActiveIsolatesParent(t *testing.T) {
	as, pool := newSpace(t, 64)
	pa, _ := pool.AllocOne()
	pool.Bytes(pa, 1)[0] = 0x11

	const va = uintptr(0x30_0000)
	as.MapPage(va, pa, PteR|PteW|PteU)

	clone, err := as.CloneActive()
	if err != 0 {
		t.Fatalf("CloneActive: %v", err)
	}
	cpa, ok := clone.Translate(va)
	if !ok {
		t.Fatalf("clone should see the mapping")
	}
	if cpa == pa {
		t.Fatalf("clone must copy to a new frame, not alias the parent's")
	}

	pool.Bytes(cpa, 1)[0] = 0x22
	if pool.Bytes(pa, 1)[0] != 0x11 {
		t.Fatalf("writing through the clone must not affect the parent")
	}
}

func TestResetActiveLeavesGlobalEntries(t *testing.T) {
	as, pool := newSpace(t, 64)
	gpa, _ := pool.AllocOne()
	upa, _ := pool.AllocOne()

	const gva = uintptr(0x1000_0000)
	const uva = uintptr(0x50_0000)
	as.MapPage(gva, gpa, PteR|PteW|PteG)
	as.MapPage(uva, upa, PteR|PteW|PteU)

	as.ResetActive()

	if _, ok := as.Translate(gva); !ok {
		t.Fatalf("global mapping must survive reset")
	}
	if _, ok := as.Translate(uva); ok {
		t.Fatalf("non-global mapping must be cleared by reset")
	}
}

func TestHandleUserFaultMapsAndRejectsOutOfRange(t *testing.T) {
	as, _ := newSpace(t, 64)

	if err := as.HandleUserFault(UserMin + 5); err != 0 {
		t.Fatalf("expected fault in range to succeed: %v", err)
	}
	if _, ok := as.Translate(UserMin &^ (mem.PageSize - 1)); !ok {
		t.Fatalf("expected page to be installed")
	}

	if err := as.HandleUserFault(UserMax + 1); err == 0 {
		t.Fatalf("expected fault outside range to be fatal")
	}
}
