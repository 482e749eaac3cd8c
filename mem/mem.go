// Package mem implements the physical page pool: an address-ordered,
// non-coalescing free list of page-run chunks over a simulated RAM arena.
//
// biscuit's own direct-map (mem/dmap.go) reaches real physical memory via
// runtime.Vtop and a forked Go runtime's recursive page-table slot; neither
// exists in an ordinary Go program. This package instead follows
// smoynes-elsie's model of physical memory as a Go-owned backing array: Pa_t
// is an index into that array, not a raw pointer into hardware.
package mem

import (
	"log/slog"
	"sync"

	"github.com/Neil-Rayu/rvkernel-go/defs"
	"github.com/Neil-Rayu/rvkernel-go/internal/klog"
)

// PageSize is the size in bytes of one physical frame (Sv39 base page).
const PageSize = 4096

// Pa_t is a physical address: a byte offset into the simulated RAM arena.
// It is always a multiple of PageSize when it denotes a frame.
type Pa_t uintptr

// NoPage is the sentinel returned on pool exhaustion.
const NoPage Pa_t = ^Pa_t(0)

// chunk is a contiguous run of free frames, linked in address order.
type chunk struct {
	base  Pa_t
	pages int
	next  *chunk
}

// Pool owns all free RAM as an address-ordered list of chunks plus the
// arena backing every allocated frame's bytes.
type Pool struct {
	mu    sync.Mutex
	arena []byte
	free  *chunk
	log   *slog.Logger
}

// NewPool creates a pool managing npages frames of simulated RAM, all
// initially free as a single chunk.
func NewPool(npages int) *Pool {
	if npages <= 0 {
		panic("mem: pool must have at least one page")
	}
	p := &Pool{
		arena: make([]byte, npages*PageSize),
		free:  &chunk{base: 0, pages: npages},
		log:   klog.Default(),
	}
	return p
}

// Bytes returns the arena slice backing n pages starting at pa. It panics
// if the region falls outside the arena; it does not check ownership —
// callers must not address frames they have not been handed.
func (p *Pool) Bytes(pa Pa_t, pages int) []byte {
	start := int(pa)
	end := start + pages*PageSize
	if start < 0 || end > len(p.arena) {
		panic("mem: address out of arena")
	}
	return p.arena[start:end]
}

// AllocOne is a specialization of Alloc(1).
func (p *Pool) AllocOne() (Pa_t, bool) {
	return p.Alloc(1)
}

// FreeOne is a specialization of Free(pa, 1).
func (p *Pool) FreeOne(pa Pa_t) {
	p.Free(pa, 1)
}

// Alloc returns an aligned run of n consecutive frames. It first scans for
// an exact-fit chunk; on miss it takes the smallest chunk strictly larger
// than n, returns the low n pages of it, and shrinks the chunk in place.
// Returns (NoPage, false) on exhaustion.
func (p *Pool) Alloc(n int) (Pa_t, bool) {
	if n <= 0 {
		panic("mem: alloc of non-positive page count")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var prevExact, exact *chunk
	var prevBest, best *chunk

	prev := (*chunk)(nil)
	for c := p.free; c != nil; c = c.next {
		if c.pages == n {
			exact, prevExact = c, prev
			break
		}
		if c.pages > n && (best == nil || c.pages < best.pages) {
			best, prevBest = c, prev
		}
		prev = c
	}

	if exact != nil {
		p.unlink(prevExact, exact)
		p.log.Debug("mem: exact-fit alloc", "base", exact.base, "pages", n)
		return exact.base, true
	}
	if best != nil {
		ret := best.base
		best.base += Pa_t(n * PageSize)
		best.pages -= n
		_ = prevBest
		p.log.Debug("mem: split alloc", "base", ret, "pages", n, "remaining", best.pages)
		return ret, true
	}
	return NoPage, false
}

func (p *Pool) unlink(prev, c *chunk) {
	if prev == nil {
		p.free = c.next
	} else {
		prev.next = c.next
	}
}

// Free returns a run of n frames starting at pa to the pool, inserting the
// new chunk in address order. It does not coalesce with neighbors (the
// source it is grounded on doesn't either — see DESIGN.md).
func (p *Pool) Free(pa Pa_t, n int) {
	if n <= 0 {
		panic("mem: free of non-positive page count")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nc := &chunk{base: pa, pages: n}

	if p.free == nil || pa < p.free.base {
		nc.next = p.free
		p.free = nc
		return
	}
	c := p.free
	for c.next != nil && c.next.base < pa {
		c = c.next
	}
	nc.next = c.next
	c.next = nc
}

// Err_t-shaped convenience for callers that want the spec's abstract
// out-of-memory error rather than a bare bool.
func (p *Pool) AllocErr(n int) (Pa_t, defs.Err_t) {
	pa, ok := p.Alloc(n)
	if !ok {
		return NoPage, defs.ENOMEM
	}
	return pa, 0
}
