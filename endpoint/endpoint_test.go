package endpoint

import (
	"testing"

	"github.com/Neil-Rayu/rvkernel-go/defs"
)

type closeTracker struct{ closed bool }

func (c *closeTracker) Close() { c.closed = true }

func TestInit0StartsAtZeroRefsAndClosesOnLastClose(t *testing.T) {
	bk := &closeTracker{}
	o := Init0(bk)
	if o.Refcnt() != 0 {
		t.Fatalf("expected refcnt 0, got %d", o.Refcnt())
	}
	o.Addref()
	if o.Refcnt() != 1 {
		t.Fatalf("expected refcnt 1 after Addref, got %d", o.Refcnt())
	}
	o.Close()
	if !bk.closed {
		t.Fatalf("expected backing to be closed once refcnt reaches 0")
	}
}

func TestInit1ClosesImmediatelyWithNoExtraRefs(t *testing.T) {
	bk := &closeTracker{}
	o := Init1(bk)
	o.Close()
	if !bk.closed {
		t.Fatalf("expected backing to be closed")
	}
}

func TestMemioReadWriteAndSetEnd(t *testing.T) {
	m := NewMemio(make([]byte, 8))
	if n, err := m.WriteAt(0, []byte("abcd")); err != 0 || n != 4 {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	out := make([]byte, 4)
	if n, err := m.ReadAt(0, out); err != 0 || n != 4 || string(out) != "abcd" {
		t.Fatalf("ReadAt: n=%d err=%v out=%q", n, err, out)
	}

	var end uint64
	if err := m.Control(defs.CntlGetEnd, &end); err != 0 || end != 8 {
		t.Fatalf("GetEnd: end=%d err=%v", end, err)
	}

	shrink := uint64(4)
	if err := m.Control(defs.CntlSetEnd, &shrink); err != 0 {
		t.Fatalf("shrink SetEnd: %v", err)
	}
	if err := m.Control(defs.CntlGetEnd, &end); err != 0 || end != 4 {
		t.Fatalf("GetEnd after shrink: end=%d err=%v", end, err)
	}

	grow := uint64(10)
	if err := m.Control(defs.CntlSetEnd, &grow); err != defs.EINVAL {
		t.Fatalf("expected EINVAL on grow, got %v", err)
	}
}

// fakeBlockDev is a minimal ReadAt/WriteAt/Control backing with a real block
// size, used to exercise Seekio's block-alignment and end-growth logic
// (Memio always reports a block size of 1, so it cannot exercise that path).
type fakeBlockDev struct {
	buf []byte
	end uint64
}

func (f *fakeBlockDev) ReadAt(pos uint64, buf []byte) (int, defs.Err_t) {
	return copy(buf, f.buf[pos:]), 0
}

func (f *fakeBlockDev) WriteAt(pos uint64, buf []byte) (int, defs.Err_t) {
	return copy(f.buf[pos:], buf), 0
}

func (f *fakeBlockDev) Control(cmd defs.Cntl_t, arg *uint64) defs.Err_t {
	switch cmd {
	case defs.CntlBlockSize:
		*arg = 512
		return 0
	case defs.CntlGetEnd:
		*arg = f.end
		return 0
	case defs.CntlSetEnd:
		f.end = *arg
		return 0
	default:
		return defs.ENOSYS
	}
}

func TestSeekioRejectsSubBlockReads(t *testing.T) {
	fd := &fakeBlockDev{buf: make([]byte, 2048), end: 1024}
	s := NewSeekio(Init1(fd))

	if _, err := s.Read(make([]byte, 100)); err != defs.EINVAL {
		t.Fatalf("expected EINVAL on sub-block read, got %v", err)
	}
}

func TestSeekioWriteAdvancesPositionAndGrowsEnd(t *testing.T) {
	fd := &fakeBlockDev{buf: make([]byte, 4096), end: 0}
	s := NewSeekio(Init1(fd))

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xAA
	}
	n, err := s.Write(buf)
	if err != 0 || n != 512 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	var pos, end uint64
	s.Control(defs.CntlGetPos, &pos)
	if pos != 512 {
		t.Fatalf("expected pos 512, got %d", pos)
	}
	s.Control(defs.CntlGetEnd, &end)
	if end != 512 {
		t.Fatalf("expected end grown to 512, got %d", end)
	}
}

func TestSeekioSetPosRejectsUnalignedAndOutOfRange(t *testing.T) {
	fd := &fakeBlockDev{buf: make([]byte, 2048), end: 1024}
	s := NewSeekio(Init1(fd))

	bad := uint64(100)
	if err := s.Control(defs.CntlSetPos, &bad); err != defs.EINVAL {
		t.Fatalf("expected EINVAL on unaligned pos, got %v", err)
	}

	tooFar := uint64(2048)
	if err := s.Control(defs.CntlSetPos, &tooFar); err != defs.EINVAL {
		t.Fatalf("expected EINVAL past end, got %v", err)
	}

	ok := uint64(512)
	if err := s.Control(defs.CntlSetPos, &ok); err != 0 {
		t.Fatalf("expected aligned in-range seek to succeed: %v", err)
	}
}

// shortReader returns at most one byte per call, exercising Fill's retry loop.
type shortReader struct {
	data []byte
	pos  int
}

func (r *shortReader) Read(buf []byte) (int, defs.Err_t) {
	if r.pos >= len(r.data) {
		return 0, 0
	}
	n := copy(buf[:1], r.data[r.pos:])
	r.pos += n
	return n, 0
}

func TestFillRetriesUntilBufferIsFull(t *testing.T) {
	o := Init1(&shortReader{data: []byte("hello")})
	buf := make([]byte, 5)
	n, err := Fill(o, buf)
	if err != 0 || n != 5 || string(buf) != "hello" {
		t.Fatalf("Fill: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestDispatchMissingCapabilityReturnsENOSYS(t *testing.T) {
	o := Init1(&closeTracker{})
	if _, err := o.Read(make([]byte, 1)); err != defs.ENOSYS {
		t.Fatalf("expected ENOSYS for a backing with no Read, got %v", err)
	}
}
