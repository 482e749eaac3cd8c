// Package thread implements the single-hart cooperative-with-preemption
// scheduler: thread states, a FIFO ready queue, condition variables,
// reentrant locks with per-thread owned-lock lists, and an idle thread.
//
// Grounded on original_source/code/sys/thread.c for exact semantics
// (tlinsert/tlremove FIFO queues, llinsert/llremove owned-lock draining on
// exit, running_thread_suspend as the sole preemption point). biscuit's own
// proc package is an empty stub in this pack, so the Go idiom (panic on
// violated invariant, short messages) is drawn from biscuit's mem/vm style
// instead.
//
// The architecture-specific "context switch primitive" the spec describes
// has no portable Go equivalent (it is inherently assembly tied to one
// OS/ABI). This package instead gates real goroutines behind a per-thread
// handoff channel: at most one gated goroutine ever holds the token, which
// reproduces every bookkeeping guarantee the spec asks for (FIFO ready
// order, exactly-one-running invariant, lock/condition semantics) without
// needing a real register-level switch.
package thread

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/Neil-Rayu/rvkernel-go/defs"
	"github.com/Neil-Rayu/rvkernel-go/internal/klog"
)

// State is one of the five states a thread may occupy.
type State int

const (
	Uninitialized State = iota
	Ready
	Running
	Waiting
	Exited
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Exited:
		return "exited"
	default:
		return "invalid"
	}
}

// MaxThreads bounds the thread table, matching the source's compile-time
// limit.
const MaxThreads = 4096

// idleSleep is how long the idle thread yields the OS scheduler for each
// time it is dispatched with nothing else ready — the closest a Go
// goroutine can come to issuing wfi.
const idleSleep = 20 * time.Microsecond

// Thread is one schedulable unit: a goroutine gated by a handoff channel,
// plus the bookkeeping the scheduler needs.
type Thread struct {
	ID       int
	Name     string
	State    State
	Parent   int // table index, or -1
	Children []int

	ChildExit *Condition

	ownedLocks []*Lock
	turn       chan struct{}
}

// Scheduler owns the thread table, the FIFO ready queue, and the current
// thread. It plays the role of the spec's process-wide ready-list/
// thread-table singleton.
type Scheduler struct {
	mu    sync.Mutex
	table [MaxThreads]*Thread
	next  int
	ready *list.List
	cur   *Thread
	idle  *Thread
	log   *slog.Logger
}

// NewScheduler creates a scheduler whose current thread is the calling
// goroutine itself (named "main") and which also spawns the idle thread.
// Exiting the main thread halts the machine (see exit).
func NewScheduler() *Scheduler {
	s := &Scheduler{ready: list.New(), log: klog.Default()}

	main := s.newThreadLocked("main", -1)
	main.State = Running
	s.cur = main

	idle := s.newThreadLocked("idle", -1)
	idle.State = Ready
	s.ready.PushBack(idle)
	s.idle = idle
	go s.idleLoop(idle)

	return s
}

func (s *Scheduler) newThreadLocked(name string, parent int) *Thread {
	id := -1
	for i := 0; i < MaxThreads; i++ {
		slot := (s.next + i) % MaxThreads
		if s.table[slot] == nil {
			id = slot
			break
		}
	}
	if id == -1 {
		return nil
	}
	s.next = (id + 1) % MaxThreads

	th := &Thread{
		ID:     id,
		Name:   name,
		State:  Uninitialized,
		Parent: parent,
		turn:   make(chan struct{}),
	}
	th.ChildExit = s.NewCondition(name + "-child-exit")
	s.table[id] = th
	if parent >= 0 && s.table[parent] != nil {
		s.table[parent].Children = append(s.table[parent].Children, id)
	}
	return th
}

func (s *Scheduler) idleLoop(th *Thread) {
	<-th.turn
	for {
		time.Sleep(idleSleep)
		s.Yield()
	}
}

// Current returns the calling goroutine's thread. It is only meaningful
// when called from within a thread gated by this scheduler (main, a
// Spawned thread, or the idle thread).
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Spawn creates a new thread running fn and places it on the ready list.
// Its parent is the calling thread. It returns EAGAIN2 when the thread
// table is full.
func (s *Scheduler) Spawn(name string, fn func()) (*Thread, defs.Err_t) {
	s.mu.Lock()
	if s.cur == nil {
		s.mu.Unlock()
		panic("thread: spawn with no current thread")
	}
	parent := s.cur.ID
	th := s.newThreadLocked(name, parent)
	if th == nil {
		s.mu.Unlock()
		return nil, defs.EAGAIN2
	}
	th.State = Ready
	s.ready.PushBack(th)
	s.mu.Unlock()

	go func() {
		<-th.turn
		fn()
		s.exit(th)
	}()

	s.log.Debug("thread: spawned", "id", th.ID, "name", name, "parent", parent)
	return th, 0
}

// readyEnqueueLocked appends th to the tail of the ready list. Caller must
// hold s.mu.
func (s *Scheduler) readyEnqueueLocked(th *Thread) {
	s.ready.PushBack(th)
}

// readyDequeueLocked removes and returns the head of the ready list.
// Caller must hold s.mu. The idle thread guarantees this never sees an
// empty list.
func (s *Scheduler) readyDequeueLocked() *Thread {
	e := s.ready.Front()
	if e == nil {
		panic("thread: ready list empty; idle thread invariant violated")
	}
	s.ready.Remove(e)
	return e.Value.(*Thread)
}

// suspendRunningLocked is the scheduler's single preemption point. Caller
// must hold s.mu; it is released before this function returns control to
// the caller's goroutine. If toReady, the outgoing thread is re-enqueued
// as ready; otherwise the caller is responsible for having already placed
// it wherever it belongs (a condition's wait list, or nowhere, if exiting).
func (s *Scheduler) suspendRunningLocked(toReady bool) {
	me := s.cur
	if toReady {
		me.State = Ready
		s.readyEnqueueLocked(me)
	}
	next := s.readyDequeueLocked()
	next.State = Running
	s.cur = next
	s.mu.Unlock()

	if next != me {
		next.turn <- struct{}{}
		<-me.turn
	}
}

// dispatchNextLocked hands off to the next ready thread without blocking
// the caller on its own turn channel — used only when the caller's
// goroutine is about to terminate (exit).
func (s *Scheduler) dispatchNextLocked() {
	next := s.readyDequeueLocked()
	next.State = Running
	s.cur = next
	s.mu.Unlock()
	next.turn <- struct{}{}
}

// Yield unconditionally calls suspend-running.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	s.suspendRunningLocked(true)
}

// exit transitions th to Exited, drains its owned locks, and dispatches
// the next ready thread. The main thread may not exit.
func (s *Scheduler) exit(th *Thread) {
	s.mu.Lock()
	th.State = Exited
	owned := th.ownedLocks
	th.ownedLocks = nil
	for _, l := range owned {
		l.owner = nil
		l.depth = 0
	}

	isMain := th.Parent == -1 && th != s.idle
	if isMain {
		s.mu.Unlock()
		panic("thread: exit of the main thread halts the machine")
	}

	var parent *Thread
	if th.Parent >= 0 {
		parent = s.table[th.Parent]
	}
	s.dispatchNextLocked()

	for _, l := range owned {
		l.released.Broadcast()
	}
	if parent != nil {
		parent.ChildExit.Broadcast()
	}
	s.log.Debug("thread: exited", "id", th.ID, "name", th.Name)
}

// Join waits for a child to exit and reclaims its slot, returning its id.
// id == 0 waits for any child; id > 0 waits for that specific child.
// Joining a non-child or non-existent id is invalid-argument.
func (s *Scheduler) Join(id int) (int, defs.Err_t) {
	s.mu.Lock()
	for {
		me := s.cur
		if id > 0 {
			if id >= MaxThreads || s.table[id] == nil || s.table[id].Parent != me.ID {
				s.mu.Unlock()
				return 0, defs.EINVAL
			}
			if s.table[id].State == Exited {
				target := s.table[id]
				s.reclaimLocked(target)
				s.mu.Unlock()
				return id, 0
			}
		} else {
			if len(me.Children) == 0 {
				s.mu.Unlock()
				return 0, defs.EINVAL
			}
			found := -1
			for _, cid := range me.Children {
				if c := s.table[cid]; c != nil && c.State == Exited {
					found = cid
					break
				}
			}
			if found != -1 {
				target := s.table[found]
				s.reclaimLocked(target)
				s.mu.Unlock()
				return found, 0
			}
		}

		me.State = Waiting
		me.ChildExit.waitList = append(me.ChildExit.waitList, me)
		s.suspendRunningLocked(false)
		s.mu.Lock()
	}
}

// reclaimLocked reassigns the reclaimed thread's children to its parent,
// unlinks it from its parent's child list, and frees its slot. Caller
// must hold s.mu.
func (s *Scheduler) reclaimLocked(target *Thread) {
	for _, cid := range target.Children {
		if c := s.table[cid]; c != nil {
			c.Parent = target.Parent
			if target.Parent >= 0 && s.table[target.Parent] != nil {
				s.table[target.Parent].Children = append(s.table[target.Parent].Children, cid)
			}
		}
	}
	if target.Parent >= 0 && s.table[target.Parent] != nil {
		p := s.table[target.Parent]
		for i, cid := range p.Children {
			if cid == target.ID {
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				break
			}
		}
	}
	s.table[target.ID] = nil
}

// StateOf returns the current state of the thread with the given id, or
// Exited if the slot has already been reclaimed / never existed.
func (s *Scheduler) StateOf(id int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= MaxThreads || s.table[id] == nil {
		return Exited
	}
	return s.table[id].State
}

// Condition is a named FIFO wait list of threads.
type Condition struct {
	sched    *Scheduler
	name     string
	waitList []*Thread
}

// NewCondition creates a condition variable tied to this scheduler.
func (s *Scheduler) NewCondition(name string) *Condition {
	return &Condition{sched: s, name: name}
}

// Wait transitions the calling thread to waiting, enqueues it on this
// condition's wait list, and suspends.
func (c *Condition) Wait() {
	s := c.sched
	s.mu.Lock()
	me := s.cur
	me.State = Waiting
	c.waitList = append(c.waitList, me)
	s.suspendRunningLocked(false)
}

// Broadcast moves every waiter to the ready list, in FIFO order.
func (c *Condition) Broadcast() {
	s := c.sched
	s.mu.Lock()
	towake := c.waitList
	c.waitList = nil
	for _, th := range towake {
		th.State = Ready
		s.readyEnqueueLocked(th)
	}
	s.mu.Unlock()
}

// Lock is a reentrant mutex whose held instances are tracked on the owning
// thread so that thread exit can force-release them.
type Lock struct {
	sched    *Scheduler
	owner    *Thread
	depth    int
	released *Condition
}

// NewLock creates a reentrant lock tied to this scheduler.
func (s *Scheduler) NewLock() *Lock {
	return &Lock{sched: s, released: s.NewCondition("lock-released")}
}

// Acquire takes the lock, blocking if another thread holds it. It is safe
// to call repeatedly from the owning thread (recursion depth increments).
func (l *Lock) Acquire() {
	s := l.sched
	s.mu.Lock()
	me := s.cur
	if l.owner == me {
		l.depth++
		s.mu.Unlock()
		return
	}
	for l.owner != nil {
		s.mu.Unlock()
		l.released.Wait()
		s.mu.Lock()
	}
	l.owner = me
	l.depth = 1
	me.ownedLocks = append(me.ownedLocks, l)
	s.mu.Unlock()
}

// Release gives up one level of recursion, or fully releases and wakes
// waiters when the recursion depth reaches zero. Panics if called by a
// thread that does not hold the lock.
func (l *Lock) Release() {
	s := l.sched
	s.mu.Lock()
	me := s.cur
	if l.owner != me {
		s.mu.Unlock()
		panic("thread: release of lock not held by caller")
	}
	if l.depth > 1 {
		l.depth--
		s.mu.Unlock()
		return
	}
	for i, ol := range me.ownedLocks {
		if ol == l {
			me.ownedLocks = append(me.ownedLocks[:i], me.ownedLocks[i+1:]...)
			break
		}
	}
	l.owner = nil
	l.depth = 0
	s.mu.Unlock()
	l.released.Broadcast()
}
