// Package cache implements the fixed-slot block cache sitting between the
// file system and a backing positional endpoint: hit/miss lookup,
// first-empty-then-LRU-evict population, and pin/unpin with dirty
// write-back.
//
// Grounded on original_source/code/sys/cache.c for the hit/miss/evict
// structure and the single-pinned-slot-via-mutex discipline
// (cache_get_block acquires cache_lock on every hit/miss and
// cache_release_block releases it). Per SPEC_FULL.md §4.8/§9 this port
// replaces the source's decrement-all-nonzero-ranks "assign_num" scheme
// with a monotonically increasing touch counter: the contract (a
// never-released slot evicts first; the most recently released slot
// evicts last) is identical, only the bookkeeping arithmetic differs.
package cache

import (
	"sync"

	"github.com/Neil-Rayu/rvkernel-go/defs"
	"github.com/Neil-Rayu/rvkernel-go/endpoint"
)

// BlockSize is the cache's fixed slot size, matching CACHE_BLKSZ (the
// file system's on-disk block size).
const BlockSize = 512

// Slots is the fixed slot count, matching CACHE_BLOCK_AMMOUNT.
const Slots = 64

type slot struct {
	blockID int64 // -1 when empty
	data    [BlockSize]byte
	touched uint64 // 0 if never released; else a monotonic recency stamp
}

// Cache is the process-wide block cache: a fixed slot set over a backing
// positional endpoint, serialized by a single mutex per SPEC_FULL.md's
// "at most one pinned slot at a time" invariant — Get holds the mutex
// until the matching Release/Flush unpins it.
type Cache struct {
	mu      sync.Mutex
	backing *endpoint.Object
	slots   [Slots]slot
	clock   uint64 // monotonic counter driving touched stamps

	pinned int // index of the currently held slot, or -1
	held   bool
}

// New creates a cache over backing with every slot initially empty.
func New(backing *endpoint.Object) (*Cache, defs.Err_t) {
	if backing == nil {
		return nil, defs.EINVAL
	}
	c := &Cache{backing: backing, pinned: -1}
	for i := range c.slots {
		c.slots[i].blockID = -1
	}
	return c, 0
}

// Get returns a pointer to the block buffer for pos (which must be a
// multiple of BlockSize) and pins it, serializing against any other Get
// until the matching Release. On hit it returns the cached slot; on miss
// it populates the first empty slot, or — when none is empty — the slot
// with the smallest touched stamp, from the backing store.
func (c *Cache) Get(pos uint64) ([]byte, defs.Err_t) {
	if pos%BlockSize != 0 {
		return nil, defs.EINVAL
	}
	blk := int64(pos / BlockSize)

	c.mu.Lock()

	for i := range c.slots {
		if c.slots[i].blockID == blk {
			c.pinned = i
			c.held = true
			return c.slots[i].data[:], 0
		}
	}

	if i, ok := c.firstEmpty(); ok {
		if err := c.populate(i, blk, pos); err != 0 {
			c.mu.Unlock()
			return nil, err
		}
		c.pinned = i
		c.held = true
		return c.slots[i].data[:], 0
	}

	evict := c.leastRecentlyTouched()
	if err := c.populate(evict, blk, pos); err != 0 {
		c.mu.Unlock()
		return nil, err
	}
	c.pinned = evict
	c.held = true
	return c.slots[evict].data[:], 0
}

func (c *Cache) firstEmpty() (int, bool) {
	for i := range c.slots {
		if c.slots[i].blockID == -1 {
			return i, true
		}
	}
	return 0, false
}

func (c *Cache) leastRecentlyTouched() int {
	evict := 0
	min := c.slots[0].touched
	for i := range c.slots {
		if c.slots[i].touched < min {
			min, evict = c.slots[i].touched, i
		}
	}
	return evict
}

func (c *Cache) populate(i int, blk int64, pos uint64) defs.Err_t {
	n, err := c.backing.ReadAt(pos, c.slots[i].data[:])
	if err != 0 {
		return err
	}
	for j := n; j < BlockSize; j++ {
		c.slots[i].data[j] = 0
	}
	c.slots[i].blockID = blk
	return 0
}

// Release unpins buf (which must be the slice last returned by Get),
// writing it back to the backing store first if dirty is true, then
// bumping its recency stamp to the new most-recently-used value.
func (c *Cache) Release(buf []byte, dirty bool) defs.Err_t {
	if !c.held {
		panic("cache: release without a held slot")
	}
	i := c.pinned
	var err defs.Err_t
	if dirty {
		off := uint64(c.slots[i].blockID) * BlockSize
		if _, werr := c.backing.WriteAt(off, c.slots[i].data[:]); werr != 0 {
			err = werr
		}
	}
	c.clock++
	c.slots[i].touched = c.clock
	c.pinned = -1
	c.held = false
	c.mu.Unlock()
	return err
}

// Flush releases the currently-held slot (if any) as dirty, matching
// cache_flush's "flush just the pinned slot" behavior.
func (c *Cache) Flush() defs.Err_t {
	if !c.held {
		return 0
	}
	i := c.pinned
	return c.Release(c.slots[i].data[:], true)
}
