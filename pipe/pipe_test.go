package pipe

import (
	"testing"
	"time"

	"github.com/Neil-Rayu/rvkernel-go/defs"
	"github.com/Neil-Rayu/rvkernel-go/thread"
)

func TestWriteThenReadRoundtrip(t *testing.T) {
	sched := thread.NewScheduler()
	r, w := New(sched)

	if n, err := w.Write([]byte("hello")); err != 0 || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 5)
	n, err := r.Read(buf)
	if err != 0 || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestReadReturnsEOFAfterWriterCloses(t *testing.T) {
	sched := thread.NewScheduler()
	r, w := New(sched)

	w.Write([]byte("hi"))
	w.Close()

	buf := make([]byte, 2)
	if n, err := r.Read(buf); err != 0 || n != 2 {
		t.Fatalf("first read: n=%d err=%v", n, err)
	}
	if n, err := r.Read(buf); err != 0 || n != 0 {
		t.Fatalf("expected EOF (0,nil), got n=%d err=%v", n, err)
	}
}

func TestWriteAfterReaderClosedReturnsEPIPE(t *testing.T) {
	sched := thread.NewScheduler()
	r, w := New(sched)
	r.Close()

	if n, err := w.Write([]byte("x")); err != defs.EPIPE || n != 0 {
		t.Fatalf("expected EPIPE, got n=%d err=%v", n, err)
	}
}

func TestReaderControlReportsAvailableBytes(t *testing.T) {
	sched := thread.NewScheduler()
	r, w := New(sched)
	w.Write([]byte("abc"))

	var avail uint64
	if err := r.Control(defs.CntlGetEnd, &avail); err != 0 || avail != 3 {
		t.Fatalf("Control GetEnd: avail=%d err=%v", avail, err)
	}
}

// TestBlockingReadWakesOnWrite exercises the full scheduler rendezvous: a
// reader blocked on an empty pipe must be woken once a spawned writer thread
// publishes data. Driven from a helper goroutine (playing the role of the
// scheduler's initial "main" thread) so the test itself can bound the wait
// with a timeout rather than risking an indefinite hang on a scheduling bug.
func TestBlockingReadWakesOnWrite(t *testing.T) {
	sched := thread.NewScheduler()
	r, w := New(sched)

	result := make(chan struct {
		n   int
		err defs.Err_t
		buf []byte
	}, 1)

	go func() {
		sched.Spawn("writer", func() {
			w.Write([]byte("later"))
		})
		buf := make([]byte, 5)
		n, err := r.Read(buf)
		result <- struct {
			n   int
			err defs.Err_t
			buf []byte
		}{n, err, buf}
	}()

	select {
	case res := <-result:
		if res.err != 0 || res.n != 5 || string(res.buf) != "later" {
			t.Fatalf("Read: n=%d err=%v buf=%q", res.n, res.err, res.buf)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked reader was never woken by the writer")
	}
}
