// Package endpoint implements the unified I/O object: a reference-counted
// polymorphic endpoint over a small vtable of optional operations, plus two
// concrete backings (a positional memory buffer and a seekable stream
// adapter over any positional endpoint).
//
// Grounded on original_source/code/sys/io.c for exact semantics (ioinit0/
// ioinit1 refcount discipline, iofill/iowrite retry loops, seekio's block-
// alignment and lazy end-growth, memio's shrink-only set-end). Per
// SPEC_FULL.md §4.5/§9, the C source recovers an endpoint's owner via
// pointer-offset arithmetic on an embedded struct io
// ("(void*)io - offsetof(struct memio, io)"); this port instead gives every
// concrete type an explicit owner by making the vtable ordinary Go methods
// on the owning struct — the receiver *is* the owner, so there is no
// recovery step at all.
package endpoint

import (
	"sync/atomic"

	"github.com/Neil-Rayu/rvkernel-go/defs"
)

// Io_i is the vtable every endpoint implements. Any method may be absent
// from a concrete type's capabilities; Object wraps a concrete value and
// turns a missing capability into defs.ENOSYS at call time via type
// assertions against these narrower optional interfaces.
type Io_i interface {
	Reader
	Writer
	ReaderAt
	WriterAt
	Controller
	Closer
}

type Reader interface {
	Read(buf []byte) (int, defs.Err_t)
}

type Writer interface {
	Write(buf []byte) (int, defs.Err_t)
}

type ReaderAt interface {
	ReadAt(pos uint64, buf []byte) (int, defs.Err_t)
}

type WriterAt interface {
	WriteAt(pos uint64, buf []byte) (int, defs.Err_t)
}

type Controller interface {
	Control(cmd defs.Cntl_t, arg *uint64) defs.Err_t
}

type Closer interface {
	Close()
}

// Object is a reference-counted handle around a concrete backing value
// that implements some subset of Io_i. It plays the role of the source's
// "struct io": a pointer to an operation table (here, the backing value
// itself, inspected via type assertion) plus a reference count.
type Object struct {
	backing any
	refcnt  int32
}

// Init0 wraps backing with a reference count of 0, for endpoints awaiting
// an external Open (e.g. a device not yet attached to a process).
func Init0(backing any) *Object {
	return &Object{backing: backing, refcnt: 0}
}

// Init1 wraps backing with a reference count of 1, for freshly created
// endpoints handed directly to a caller.
func Init1(backing any) *Object {
	return &Object{backing: backing, refcnt: 1}
}

// Addref increments the reference count and returns the object, mirroring
// ioaddref's fluent style.
func (o *Object) Addref() *Object {
	atomic.AddInt32(&o.refcnt, 1)
	return o
}

// Refcnt returns the current outstanding reference count.
func (o *Object) Refcnt() int64 {
	return int64(atomic.LoadInt32(&o.refcnt))
}

// Close decrements the reference count and invokes the backing's Close
// method exactly once, when and only when the count reaches zero.
func (o *Object) Close() {
	n := atomic.AddInt32(&o.refcnt, -1)
	if n < 0 {
		panic("endpoint: close of already-closed object")
	}
	if n == 0 {
		if c, ok := o.backing.(Closer); ok {
			c.Close()
		}
	}
}

// Read, Write, ReadAt, WriteAt, Control dispatch to the backing value's
// matching method if present, else return defs.ENOSYS — except Control's
// get-block-size, which defaults to 1 even when the backing has no
// Controller at all (matching ioctl's IOCTL_GETBLKSZ fallback).

func (o *Object) Read(buf []byte) (int, defs.Err_t) {
	r, ok := o.backing.(Reader)
	if !ok {
		return 0, defs.ENOSYS
	}
	return r.Read(buf)
}

func (o *Object) Write(buf []byte) (int, defs.Err_t) {
	w, ok := o.backing.(Writer)
	if !ok {
		return 0, defs.ENOSYS
	}
	return w.Write(buf)
}

func (o *Object) ReadAt(pos uint64, buf []byte) (int, defs.Err_t) {
	r, ok := o.backing.(ReaderAt)
	if !ok {
		return 0, defs.ENOSYS
	}
	return r.ReadAt(pos, buf)
}

func (o *Object) WriteAt(pos uint64, buf []byte) (int, defs.Err_t) {
	w, ok := o.backing.(WriterAt)
	if !ok {
		return 0, defs.ENOSYS
	}
	return w.WriteAt(pos, buf)
}

func (o *Object) Control(cmd defs.Cntl_t, arg *uint64) defs.Err_t {
	c, ok := o.backing.(Controller)
	if !ok {
		if cmd == defs.CntlBlockSize {
			*arg = 1
			return 0
		}
		return defs.ENOSYS
	}
	return c.Control(cmd, arg)
}

// BlockSize is the ioblksz convenience: Control(CntlBlockSize) with the
// "default to 1" fallback folded in.
func (o *Object) BlockSize() int {
	var v uint64
	if _, ok := o.backing.(Controller); !ok {
		return 1
	}
	if err := o.Control(defs.CntlBlockSize, &v); err != 0 {
		return 1
	}
	return int(v)
}

// Fill repeats Read until bufsz bytes have been collected, EOF (a zero
// short read), or an error, matching iofill's retry loop.
func Fill(o *Object, buf []byte) (int, defs.Err_t) {
	pos := 0
	for pos < len(buf) {
		n, err := o.Read(buf[pos:])
		if n <= 0 {
			if err != 0 {
				return pos, err
			}
			return pos, 0
		}
		pos += n
	}
	return pos, 0
}

// Drain repeats Write until the whole buffer has been sent or an error
// occurs, matching iowrite's retry loop.
func Drain(o *Object, buf []byte) (int, defs.Err_t) {
	pos := 0
	for pos < len(buf) {
		n, err := o.Write(buf[pos:])
		if n <= 0 {
			if err != 0 {
				return pos, err
			}
			return pos, 0
		}
		pos += n
	}
	return pos, 0
}

// Memio is a memory-backed positional endpoint: reads/writes against a
// bounded buffer, with set-end able to shrink but never grow it (matching
// memio_cntl's IOCTL_SETEND branch, which rejects growth with EINVAL).
type Memio struct {
	buf []byte
}

// NewMemio wraps buf as a positional endpoint of exactly len(buf) bytes.
func NewMemio(buf []byte) *Memio {
	return &Memio{buf: buf}
}

func (m *Memio) ReadAt(pos uint64, buf []byte) (int, defs.Err_t) {
	if pos > uint64(len(m.buf)) {
		return 0, defs.EINVAL
	}
	n := copy(buf, m.buf[pos:])
	return n, 0
}

func (m *Memio) WriteAt(pos uint64, buf []byte) (int, defs.Err_t) {
	if pos > uint64(len(m.buf)) {
		return 0, defs.EINVAL
	}
	n := copy(m.buf[pos:], buf)
	return n, 0
}

func (m *Memio) Control(cmd defs.Cntl_t, arg *uint64) defs.Err_t {
	switch cmd {
	case defs.CntlBlockSize:
		*arg = 1
		return 0
	case defs.CntlGetEnd:
		*arg = uint64(len(m.buf))
		return 0
	case defs.CntlSetEnd:
		if *arg < uint64(len(m.buf)) {
			m.buf = m.buf[:*arg]
			return 0
		}
		return defs.EINVAL
	default:
		return defs.ENOSYS
	}
}

// Seekio wraps a positional endpoint with a current position, a cached end
// position, and the backing block size, presenting both positional and
// streaming operations. Grounded on seekio_read/seekio_write's block-
// alignment enforcement and lazy end-growth via IOCTL_SETEND.
type Seekio struct {
	backing *Object
	pos     uint64
	end     uint64
	blksz   int
}

// NewSeekio wraps backing (which must support ReadAt/WriteAt and, for
// growth, Control) as a seekable stream. It addrefs backing and queries
// its block size and current end.
func NewSeekio(backing *Object) *Seekio {
	blksz := backing.BlockSize()
	if blksz <= 0 || blksz&(blksz-1) != 0 {
		panic("endpoint: seekio backing block size must be a positive power of two")
	}
	var end uint64
	if err := backing.Control(defs.CntlGetEnd, &end); err != 0 {
		panic("endpoint: seekio backing must answer get-end")
	}
	return &Seekio{backing: backing.Addref(), pos: 0, end: end, blksz: blksz}
}

func (s *Seekio) Close() {
	s.backing.Close()
}

// Read reads from the current position, clamped to end, rejecting sub-
// block-size requests and truncating to a block multiple, matching
// seekio_read.
func (s *Seekio) Read(buf []byte) (int, defs.Err_t) {
	bufsz := len(buf)
	if s.end-s.pos < uint64(bufsz) {
		bufsz = int(s.end - s.pos)
	}
	if bufsz == 0 {
		return 0, 0
	}
	if bufsz < s.blksz {
		return 0, defs.EINVAL
	}
	bufsz &^= s.blksz - 1

	n, err := s.backing.ReadAt(s.pos, buf[:bufsz])
	if err >= 0 {
		s.pos += uint64(n)
	}
	return n, err
}

// Write writes at the current position, growing end via a set-end control
// call when the write would extend past it, matching seekio_write.
func (s *Seekio) Write(buf []byte) (int, defs.Err_t) {
	length := len(buf)
	if length == 0 {
		return 0, 0
	}
	if length < s.blksz {
		return 0, defs.EINVAL
	}
	length &^= s.blksz - 1

	if s.end-s.pos < uint64(length) {
		newEnd := s.pos + uint64(length)
		if err := s.backing.Control(defs.CntlSetEnd, &newEnd); err != 0 {
			return 0, err
		}
		s.end = newEnd
	}

	n, err := s.backing.WriteAt(s.pos, buf[:length])
	if err >= 0 {
		s.pos += uint64(n)
	}
	return n, err
}

func (s *Seekio) ReadAt(pos uint64, buf []byte) (int, defs.Err_t) {
	return s.backing.ReadAt(pos, buf)
}

func (s *Seekio) WriteAt(pos uint64, buf []byte) (int, defs.Err_t) {
	return s.backing.WriteAt(pos, buf)
}

func (s *Seekio) Control(cmd defs.Cntl_t, arg *uint64) defs.Err_t {
	switch cmd {
	case defs.CntlBlockSize:
		*arg = uint64(s.blksz)
		return 0
	case defs.CntlGetPos:
		*arg = s.pos
		return 0
	case defs.CntlSetPos:
		if *arg&uint64(s.blksz-1) != 0 {
			return defs.EINVAL
		}
		if *arg > s.end {
			return defs.EINVAL
		}
		s.pos = *arg
		return 0
	case defs.CntlGetEnd:
		*arg = s.end
		return 0
	case defs.CntlSetEnd:
		err := s.backing.Control(defs.CntlSetEnd, arg)
		if err == 0 {
			s.end = *arg
		}
		return err
	default:
		return s.backing.Control(cmd, arg)
	}
}
