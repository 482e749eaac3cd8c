// Package vm implements the Sv39 three-level page-table manager: map,
// unmap, permission-change, clone, reset, and the user page-fault handler,
// all built over a mem.Pool of physical frames.
//
// Grounded on original_source/code/sys/memory.c for the exact walk and
// cascade semantics, and on biscuit's vm/as.go for the Go idiom (panic on
// violated invariant, "every valid interior entry has a non-zero
// subtable"). Addresses here are plain uintptr keys into the bookkeeping
// tree, not real hardware virtual addresses — there is no MMU to program,
// only its data structure and invariants, which is what the spec asks for.
package vm

import (
	"log/slog"
	"sync"

	"github.com/Neil-Rayu/rvkernel-go/defs"
	"github.com/Neil-Rayu/rvkernel-go/internal/klog"
	"github.com/Neil-Rayu/rvkernel-go/mem"
	"github.com/Neil-Rayu/rvkernel-go/util"
)

// Sv39 geometry: three 9-bit levels over a 12-bit page offset.
const (
	entriesPerTable = 512
	entrySize       = 8 // bytes per PTE on disk/in the simulated table page
	levels          = 3
)

// Permission and status bits, laid out the way riscv.h does: valid,
// read/write/execute, user, global, accessed, dirty, then the PPN.
const (
	PteV uint64 = 1 << 0
	PteR uint64 = 1 << 1
	PteW uint64 = 1 << 2
	PteX uint64 = 1 << 3
	PteU uint64 = 1 << 4
	PteG uint64 = 1 << 5
	PteA uint64 = 1 << 6
	PteD uint64 = 1 << 7

	permMask = PteR | PteW | PteX | PteU
	ppnShift = 10
)

// UserMin and UserMax bound the user address range accepted by
// HandleUserFault; everything else is a fatal fault.
const (
	UserMin uintptr = 0x1000
	UserMax uintptr = 1 << 38
)

func vpn(va uintptr, level int) int {
	shift := 12 + 9*level
	return int(va>>uint(shift)) & (entriesPerTable - 1)
}

func mkpte(pa mem.Pa_t, flags uint64) uint64 {
	return (uint64(pa/mem.PageSize) << ppnShift) | flags
}

func ptePa(pte uint64) mem.Pa_t {
	return mem.Pa_t((pte >> ppnShift) * mem.PageSize)
}

func pteValid(pte uint64) bool { return pte&PteV != 0 }
func pteLeaf(pte uint64) bool  { return pte&permMask != 0 }

// table is a thin view of one page-table frame's 512 8-byte entries.
type table struct {
	bytes []byte
}

func (t table) get(i int) uint64 {
	return uint64(util.Readn(t.bytes, 8, i*entrySize))
}

func (t table) set(i int, v uint64) {
	util.Writen(t.bytes, 8, i*entrySize, int(v))
}

func (t table) validCount() int {
	n := 0
	for i := 0; i < entriesPerTable; i++ {
		if pteValid(t.get(i)) {
			n++
		}
	}
	return n
}

// AddressSpace is one process's three-level page table over a shared pool
// of physical frames.
type AddressSpace struct {
	mu   sync.Mutex
	pool *mem.Pool
	root mem.Pa_t
	log  *slog.Logger
}

// NewAddressSpace allocates a fresh, zeroed root table.
func NewAddressSpace(pool *mem.Pool) (*AddressSpace, defs.Err_t) {
	root, ok := pool.AllocOne()
	if !ok {
		return nil, defs.ENOMEM
	}
	zero(pool, root)
	return &AddressSpace{pool: pool, root: root, log: klog.Default()}, 0
}

func zero(pool *mem.Pool, pa mem.Pa_t) {
	b := pool.Bytes(pa, 1)
	for i := range b {
		b[i] = 0
	}
}

func (a *AddressSpace) tableAt(pa mem.Pa_t) table {
	return table{bytes: a.pool.Bytes(pa, 1)}
}

// walk descends from the root to the level-0 table holding va's leaf,
// allocating any missing interior tables when alloc is true. It returns the
// level-0 table and the index of va's leaf within it.
func (a *AddressSpace) walk(va uintptr, alloc bool) (table, int, defs.Err_t) {
	cur := a.root
	for lvl := levels - 1; lvl > 0; lvl-- {
		t := a.tableAt(cur)
		idx := vpn(va, lvl)
		pte := t.get(idx)
		if !pteValid(pte) {
			if !alloc {
				return table{}, 0, defs.ENOENT
			}
			np, ok := a.pool.AllocOne()
			if !ok {
				return table{}, 0, defs.ENOMEM
			}
			zero(a.pool, np)
			t.set(idx, mkpte(np, PteV))
			pte = t.get(idx)
		}
		if pteLeaf(pte) {
			panic("vm: superpage where a subtable was expected")
		}
		cur = ptePa(pte)
	}
	t := a.tableAt(cur)
	return t, vpn(va, 0), 0
}

// MapPage installs a leaf entry for va -> pa with the given permission
// bits, allocating any missing interior tables. It is a no-op if a valid
// leaf already exists at va.
func (a *AddressSpace) MapPage(va uintptr, pa mem.Pa_t, perm uint64) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, idx, err := a.walk(va, true)
	if err != 0 {
		return err
	}
	if pteValid(t.get(idx)) {
		return 0
	}
	t.set(idx, mkpte(pa, perm|PteV))
	return 0
}

// MapRange applies MapPage over pages consecutive frames starting at pa,
// mapped starting at va.
func (a *AddressSpace) MapRange(va uintptr, pa mem.Pa_t, pages int, perm uint64) defs.Err_t {
	for i := 0; i < pages; i++ {
		off := uintptr(i) * mem.PageSize
		if err := a.MapPage(va+off, pa+mem.Pa_t(i*mem.PageSize), perm); err != 0 {
			return err
		}
	}
	return 0
}

// AllocAndMapRange allocates a fresh frame for every page in the range and
// installs it. On any failure it unwinds every page it allocated during
// this call (SPEC_FULL.md §9 Open Question, choice (b): unwind on failure),
// rather than leaving a partial mapping.
func (a *AddressSpace) AllocAndMapRange(va uintptr, pages int, perm uint64) defs.Err_t {
	mapped := 0
	for i := 0; i < pages; i++ {
		off := uintptr(i) * mem.PageSize
		pa, ok := a.pool.AllocOne()
		if !ok {
			a.UnmapAndFreeRange(va, mapped)
			return defs.ENOMEM
		}
		zero(a.pool, pa)
		if err := a.MapPage(va+off, pa, perm); err != 0 {
			a.pool.FreeOne(pa)
			a.UnmapAndFreeRange(va, mapped)
			return err
		}
		mapped++
	}
	return 0
}

// SetRangeFlags rewrites the permission bits of every leaf in the range
// without changing the physical mapping.
func (a *AddressSpace) SetRangeFlags(va uintptr, pages int, perm uint64) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < pages; i++ {
		off := uintptr(i) * mem.PageSize
		t, idx, err := a.walk(va+off, false)
		if err != 0 {
			return err
		}
		pte := t.get(idx)
		if !pteValid(pte) {
			return defs.EINVAL
		}
		t.set(idx, mkpte(ptePa(pte), perm|PteV|(pte&PteG)))
	}
	return 0
}

// UnmapAndFreeRange removes each leaf in the range, frees its frame, and
// cascades emptiness checks up through the containing subtables, freeing
// and unlinking any subtable left with zero valid entries.
func (a *AddressSpace) UnmapAndFreeRange(va uintptr, pages int) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < pages; i++ {
		off := uintptr(i) * mem.PageSize
		a.unmapOne(va + off)
	}
	return 0
}

// unmapOne removes one leaf (if present) and performs the cascade.
func (a *AddressSpace) unmapOne(va uintptr) {
	// Collect the chain of (table, index) from root down to the leaf so
	// we can cascade the emptiness check back upward.
	type step struct {
		t   table
		idx int
	}
	chain := make([]step, 0, levels)
	cur := a.root
	for lvl := levels - 1; lvl >= 0; lvl-- {
		t := a.tableAt(cur)
		idx := vpn(va, lvl)
		chain = append(chain, step{t, idx})
		pte := t.get(idx)
		if !pteValid(pte) {
			return
		}
		if lvl == 0 {
			break
		}
		cur = ptePa(pte)
	}

	leaf := chain[len(chain)-1]
	lpte := leaf.t.get(leaf.idx)
	if !pteValid(lpte) {
		return
	}
	a.pool.FreeOne(ptePa(lpte))
	leaf.t.set(leaf.idx, 0)

	// Cascade: walk back up; a subtable is freed only once it holds zero
	// valid entries, and freeing it nulls its parent's entry, which may
	// in turn empty the next level up.
	for i := len(chain) - 2; i >= 0; i-- {
		child := chain[i+1].t
		if child.validCount() != 0 {
			break
		}
		parent := chain[i]
		ppte := parent.t.get(parent.idx)
		subtablePa := ptePa(ppte)
		a.pool.FreeOne(subtablePa)
		parent.t.set(parent.idx, 0)
	}
}

// CloneActive deep-copies every non-global mapping into a freshly rooted
// address space: each non-global subtable is recursively copied and each
// leaf's data page is duplicated into a new frame, preserving permissions.
func (a *AddressSpace) CloneActive() (*AddressSpace, defs.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nroot, ok := a.pool.AllocOne()
	if !ok {
		return nil, defs.ENOMEM
	}
	zero(a.pool, nroot)
	clone := &AddressSpace{pool: a.pool, root: nroot, log: a.log}

	if err := a.cloneLevel(a.root, nroot, levels-1); err != 0 {
		return nil, err
	}
	return clone, 0
}

func (a *AddressSpace) cloneLevel(srcPa, dstPa mem.Pa_t, lvl int) defs.Err_t {
	src := a.tableAt(srcPa)
	dst := a.tableAt(dstPa)

	for i := 0; i < entriesPerTable; i++ {
		pte := src.get(i)
		if !pteValid(pte) || pte&PteG != 0 {
			continue
		}
		if lvl == 0 || pteLeaf(pte) {
			npa, ok := a.pool.AllocOne()
			if !ok {
				return defs.ENOMEM
			}
			copy(a.pool.Bytes(npa, 1), a.pool.Bytes(ptePa(pte), 1))
			dst.set(i, mkpte(npa, pte&(permMask|PteV)))
			continue
		}
		nsub, ok := a.pool.AllocOne()
		if !ok {
			return defs.ENOMEM
		}
		zero(a.pool, nsub)
		dst.set(i, mkpte(nsub, PteV))
		if err := a.cloneLevel(ptePa(pte), nsub, lvl-1); err != 0 {
			return err
		}
	}
	return 0
}

// ResetActive frees every non-global leaf's frame and any now-empty
// subtable, leaving global entries (the kernel identity map) untouched.
func (a *AddressSpace) ResetActive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLevel(a.root, levels-1)
}

func (a *AddressSpace) resetLevel(pa mem.Pa_t, lvl int) {
	t := a.tableAt(pa)
	for i := 0; i < entriesPerTable; i++ {
		pte := t.get(i)
		if !pteValid(pte) || pte&PteG != 0 {
			continue
		}
		if lvl == 0 || pteLeaf(pte) {
			a.pool.FreeOne(ptePa(pte))
			t.set(i, 0)
			continue
		}
		a.resetLevel(ptePa(pte), lvl-1)
		if a.tableAt(ptePa(pte)).validCount() == 0 {
			a.pool.FreeOne(ptePa(pte))
			t.set(i, 0)
		}
	}
}

// Translate returns the physical frame mapped at va, if any.
func (a *AddressSpace) Translate(va uintptr) (mem.Pa_t, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, idx, err := a.walk(va, false)
	if err != 0 {
		return 0, false
	}
	pte := t.get(idx)
	if !pteValid(pte) {
		return 0, false
	}
	return ptePa(pte), true
}

// HandleUserFault resolves a fault at va: if va lies in the user range it
// allocates and installs a zeroed RWU page and signals retry (a zero Err_t);
// otherwise it signals fatal.
func (a *AddressSpace) HandleUserFault(va uintptr) defs.Err_t {
	if va < UserMin || va >= UserMax {
		return defs.EACCES
	}
	page := va &^ (mem.PageSize - 1)
	pa, ok := a.pool.AllocOne()
	if !ok {
		return defs.ENOMEM
	}
	zero(a.pool, pa)
	if err := a.MapPage(page, pa, PteR|PteW|PteU); err != 0 {
		a.pool.FreeOne(pa)
		return err
	}
	return 0
}
