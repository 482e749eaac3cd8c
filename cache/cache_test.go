package cache

import (
	"testing"

	"github.com/Neil-Rayu/rvkernel-go/defs"
	"github.com/Neil-Rayu/rvkernel-go/endpoint"
)

func TestNewRejectsNilBacking(t *testing.T) {
	if _, err := New(nil); err != defs.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestGetReleaseRoundtrip(t *testing.T) {
	backing := endpoint.Init1(endpoint.NewMemio(make([]byte, 4*BlockSize)))
	c, err := New(backing)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	buf, err := c.Get(BlockSize)
	if err != 0 {
		t.Fatalf("Get: %v", err)
	}
	copy(buf, []byte("payload"))
	if err := c.Release(buf, true); err != 0 {
		t.Fatalf("Release: %v", err)
	}

	buf2, err := c.Get(BlockSize)
	if err != 0 {
		t.Fatalf("re-Get: %v", err)
	}
	if string(buf2[:7]) != "payload" {
		t.Fatalf("expected dirty write-back to persist, got %q", buf2[:7])
	}
	c.Release(buf2, false)
}

func TestGetRejectsUnalignedPosition(t *testing.T) {
	backing := endpoint.Init1(endpoint.NewMemio(make([]byte, BlockSize)))
	c, _ := New(backing)
	if _, err := c.Get(1); err != defs.EINVAL {
		t.Fatalf("expected EINVAL for unaligned pos, got %v", err)
	}
}

func TestFlushWithoutHeldSlotIsNoop(t *testing.T) {
	backing := endpoint.Init1(endpoint.NewMemio(make([]byte, BlockSize)))
	c, _ := New(backing)
	if err := c.Flush(); err != 0 {
		t.Fatalf("Flush: %v", err)
	}
}

// TestRoundtripBeyondSlotCount writes distinct data into more blocks than the
// cache has slots, forcing eviction, then reads every block back in order to
// confirm no data was lost or misattributed across an eviction cycle.
func TestRoundtripBeyondSlotCount(t *testing.T) {
	const extra = 10
	backing := endpoint.Init1(endpoint.NewMemio(make([]byte, (Slots+extra)*BlockSize)))
	c, err := New(backing)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < Slots+extra; i++ {
		pos := uint64(i) * BlockSize
		buf, err := c.Get(pos)
		if err != 0 {
			t.Fatalf("Get(%d): %v", i, err)
		}
		buf[0] = byte(i)
		if err := c.Release(buf, true); err != 0 {
			t.Fatalf("Release(%d): %v", i, err)
		}
	}

	for i := 0; i < Slots+extra; i++ {
		pos := uint64(i) * BlockSize
		buf, err := c.Get(pos)
		if err != 0 {
			t.Fatalf("re-Get(%d): %v", i, err)
		}
		if buf[0] != byte(i) {
			t.Fatalf("block %d: got %d want %d", i, buf[0], i)
		}
		c.Release(buf, false)
	}
}

func TestReleaseWithoutHeldSlotPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Release without a held slot to panic")
		}
	}()
	backing := endpoint.Init1(endpoint.NewMemio(make([]byte, BlockSize)))
	c, _ := New(backing)
	c.Release(make([]byte, BlockSize), false)
}
