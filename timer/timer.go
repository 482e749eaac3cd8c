// Package timer implements the sleep list and preemption pulse: a single
// address-ordered list of alarms compared against a simulated machine
// timer, plus a first-class periodic ticker that drives involuntary
// rescheduling.
//
// Grounded on original_source/code/sys/timer.c for the sleep-list insertion
// order, the wrap-saturating tcnt arithmetic in AlarmSleep, and the ISR's
// "remove every alarm whose wake time has passed, then reprogram to the new
// head" structure. Per SPEC_FULL.md §4.4 and §9, the original's sentinel
// alarm named "interrupter" (a string compare in both alarm_sleep and
// handle_timer_interrupt that skips condition_wait / reschedules instead of
// broadcasting) is not reproduced: PreemptionTicker is a distinct type that
// never touches the sleep list at all.
package timer

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Neil-Rayu/rvkernel-go/internal/klog"
	"github.com/Neil-Rayu/rvkernel-go/thread"
)

// Freq is the compile-time timer frequency (ticks per second) the relative
// sleep helpers convert against, matching the source's TIMER_FREQ.
const Freq = 10_000_000

// MaxTicks is the saturation ceiling for an alarm's wake time.
const MaxTicks = math.MaxUint64

// Clock is the process-wide sleep list plus the simulated machine timer.
// It is the "Timer / alarm" singleton of SPEC_FULL.md §9.
type Clock struct {
	mu    sync.Mutex
	now   uint64 // simulated rdtime(), advanced by Advance
	sleep *Alarm // address-ordered (by Twake) singly linked sleep list
	log   *slog.Logger
}

// NewClock creates a clock with simulated time starting at zero.
func NewClock() *Clock {
	return &Clock{log: klog.Default()}
}

// Now returns the clock's current simulated tick count.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the simulated clock forward by ticks and then calls
// HandleInterrupt, which wakes every alarm the new time has reached. A
// production boot loop would instead drive this from a real timer-compare
// trap; tests drive it directly (PreemptionTicker does not call it).
func (c *Clock) Advance(ticks uint64) {
	c.mu.Lock()
	c.now += ticks
	c.mu.Unlock()
	c.HandleInterrupt()
}

// Alarm is a wake time in ticks, a condition broadcast at that time, and
// the sleep list's intrusive next pointer.
type Alarm struct {
	Twake uint64
	cond  *thread.Condition
	next  *Alarm
}

// NewAlarm creates an alarm with its wake time initialized to the clock's
// current time (matching alarm_init's al->twake = rdtime()). The alarm has
// no condition yet; AlarmSleep attaches one on first use. The name is not
// stored.
func (c *Clock) NewAlarm(name string) *Alarm {
	return &Alarm{Twake: c.Now(), cond: nil, next: nil}
}

// bind lazily attaches a condition the first time it's needed; alarms used
// purely as sleep tokens (Sleep*) create their own throwaway condition.
func (c *Clock) bindCond(al *Alarm, sched *thread.Scheduler, name string) {
	if al.cond == nil {
		al.cond = sched.NewCondition(name)
	}
}

// AlarmSleep advances al's wake time by tcnt ticks from its last recorded
// wake time (saturating at MaxTicks), inserts it into the sorted sleep
// list, arms the simulated timer, and condition-waits on al's condition
// until a timer interrupt broadcasts it.
func (c *Clock) AlarmSleep(sched *thread.Scheduler, al *Alarm, tcnt uint64) {
	c.bindCond(al, sched, "alarm")

	c.mu.Lock()
	now := c.now
	if MaxTicks-al.Twake < tcnt {
		al.Twake = MaxTicks
	} else {
		al.Twake += tcnt
	}
	if al.Twake < now {
		c.mu.Unlock()
		return
	}

	c.insertLocked(al)
	c.log.Debug("timer: alarm sleep", "twake", al.Twake, "now", now)
	c.mu.Unlock()

	al.cond.Wait()
}

// insertLocked inserts al into the sleep list in ascending Twake order.
// Caller must hold c.mu.
func (c *Clock) insertLocked(al *Alarm) {
	if c.sleep == nil || al.Twake < c.sleep.Twake {
		al.next = c.sleep
		c.sleep = al
		return
	}
	prev := c.sleep
	cur := prev.next
	for cur != nil && cur.Twake < al.Twake {
		prev = cur
		cur = cur.next
	}
	prev.next = al
	al.next = cur
}

// AlarmReset rearms al against the epoch: its next sleep increment will be
// relative to the clock's current time.
func (c *Clock) AlarmReset(al *Alarm) {
	al.Twake = c.Now()
}

// AlarmSleepSec, AlarmSleepMs, AlarmSleepUs convert relative durations into
// ticks using Freq, matching alarm_sleep_sec/_ms/_us.
func (c *Clock) AlarmSleepSec(sched *thread.Scheduler, al *Alarm, sec uint64) {
	c.AlarmSleep(sched, al, sec*Freq)
}

func (c *Clock) AlarmSleepMs(sched *thread.Scheduler, al *Alarm, ms uint64) {
	c.AlarmSleep(sched, al, ms*(Freq/1000))
}

func (c *Clock) AlarmSleepUs(sched *thread.Scheduler, al *Alarm, us uint64) {
	c.AlarmSleep(sched, al, us*(Freq/1000/1000))
}

// SleepSec, SleepMs, SleepUs block the calling thread for a relative
// duration using a throwaway alarm, matching sleep_sec/_ms/_us.
func (c *Clock) SleepSec(sched *thread.Scheduler, sec uint64) {
	c.SleepMs(sched, 1000*sec)
}

func (c *Clock) SleepMs(sched *thread.Scheduler, ms uint64) {
	c.SleepUs(sched, 1000*ms)
}

func (c *Clock) SleepUs(sched *thread.Scheduler, us uint64) {
	al := c.NewAlarm("sleep")
	c.AlarmSleepUs(sched, al, us)
}

// HandleInterrupt is the timer ISR: it removes every alarm whose wake time
// is at or before the current time (in sleep-list order) and broadcasts
// each one's condition. There is no simulated compare register to
// reprogram; Advance calls HandleInterrupt after every clock step.
func (c *Clock) HandleInterrupt() {
	c.mu.Lock()
	now := c.now
	var woken []*Alarm
	for c.sleep != nil && c.sleep.Twake <= now {
		al := c.sleep
		c.sleep = al.next
		al.next = nil
		woken = append(woken, al)
	}
	c.mu.Unlock()

	for _, al := range woken {
		if al.cond != nil {
			al.cond.Broadcast()
		}
	}
}

// PreemptionTicker is the redesigned, first-class preemption pulse of
// SPEC_FULL.md §4.4: a 20ms-period ticker that calls the scheduler's Yield
// directly. It never touches the sleep list and carries no sentinel name.
type PreemptionTicker struct {
	period time.Duration
	stop   chan struct{}
}

// DefaultPreemptionPeriod matches the source's 20ms preemption interval.
const DefaultPreemptionPeriod = 20 * time.Millisecond

// NewPreemptionTicker creates (but does not start) a ticker with the given
// period.
func NewPreemptionTicker(period time.Duration) *PreemptionTicker {
	if period <= 0 {
		period = DefaultPreemptionPeriod
	}
	return &PreemptionTicker{period: period, stop: make(chan struct{})}
}

// Start launches the ticker's pulse loop, calling sched.Yield on every
// period until Stop is called.
func (p *PreemptionTicker) Start(sched *thread.Scheduler) {
	go func() {
		t := time.NewTicker(p.period)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				sched.Yield()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop ends the ticker's pulse loop.
func (p *PreemptionTicker) Stop() {
	close(p.stop)
}
