// Package scheduler implements the single-threaded cooperative defer and
// timer service used throughout the muxer and DHT core (§4.6): a strictly
// FIFO "run at next turn" queue, plus delayed callbacks that can be
// cancelled or rescheduled — including reentrantly, from inside their own
// firing.
//
// Grounded on cpp-libp2p's basic/scheduler.hpp Scheduler/Handle
// abstraction (original_source), translated from its single-threaded
// event-loop model into a dedicated goroutine driven by a timer, since Go
// has no canonical single-threaded reactor to hook into.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("scheduler")

// Scheduler runs deferred and timed callbacks serially on one internal
// goroutine. All callbacks execute one at a time, in the order this
// package's ordering contract defines (§4.6): at each tick, due timers
// fire in non-decreasing time order, then the defer queue drains.
type Scheduler struct {
	mu       sync.Mutex
	timers   timerHeap
	deferred []func()
	nextSeq  uint64

	wake   chan struct{}
	stopCh chan struct{}
	stopMu sync.Mutex
	stopped bool
}

// New creates and starts a Scheduler. Callers must call Stop when done.
func New() *Scheduler {
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	go s.run()
	return s
}

// Handle references one scheduled timer callback; it supports idempotent
// Cancel and reentrant Reschedule (§4.6).
type Handle struct {
	s   *Scheduler
	idx int // heap index, maintained by container/heap; -1 once popped (Cancel only sets dead)
	seq uint64

	fireAt time.Time
	cb     func()
	dead   bool

	// pendingReschedule holds a reschedule requested from within cb's own
	// execution; the firing goroutine applies it after cb returns instead
	// of letting cb re-enter the heap directly (§4.6 "Timers inside
	// callbacks").
	pendingReschedule *time.Duration
	firing            bool
}

type timerHeap []*Handle

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}
func (h *timerHeap) Push(x any) {
	hd := x.(*Handle)
	hd.idx = len(*h)
	*h = append(*h, hd)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	hd := old[n-1]
	old[n-1] = nil
	hd.idx = -1
	*h = old[:n-1]
	return hd
}

// Defer runs cb at the next turn of the scheduler loop, strictly FIFO
// within that turn (§4.6 `defer(cb)`).
func (s *Scheduler) Defer(cb func()) {
	s.mu.Lock()
	s.deferred = append(s.deferred, cb)
	s.mu.Unlock()
	s.poke()
}

// ScheduleAfter runs cb once after d elapses, returning a Handle that
// supports Cancel and Reschedule (§4.6 `schedule_after`).
func (s *Scheduler) ScheduleAfter(d time.Duration, cb func()) *Handle {
	s.mu.Lock()
	h := &Handle{s: s, seq: s.nextSeq, fireAt: time.Now().Add(d), cb: cb}
	s.nextSeq++
	heap.Push(&s.timers, h)
	s.mu.Unlock()
	s.poke()
	return h
}

// Cancel marks the handle dead; it is a no-op if already fired or
// cancelled. Cheap by design (§4.6: "mark dead; skip at fire time") so
// many short-lived handles can be cancelled without heap surgery.
func (h *Handle) Cancel() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.dead = true
}

// Reschedule changes the handle's fire time to now+d. It is safe to call
// from within the handle's own callback (reentrant): in that case the new
// time is recorded and applied by the scheduler loop once the callback
// returns, rather than mutating the heap mid-iteration (§4.6).
func (h *Handle) Reschedule(d time.Duration) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.firing {
		nd := d
		h.pendingReschedule = &nd
		return
	}
	if h.dead || h.idx < 0 {
		return
	}
	h.fireAt = time.Now().Add(d)
	heap.Fix(&h.s.timers, h.idx)
	h.s.pokeLocked()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pokeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the single goroutine that owns s.timers and s.deferred; every
// mutation elsewhere happens under s.mu, but only this goroutine ever
// invokes a callback, which is what gives the "serialized per scheduler"
// guarantee described in §4.6/§9.
func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		next, ok := s.fireDueTimers()
		s.drainDeferred()

		var wait time.Duration
		if ok {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.stopCh:
			return
		}
	}
}

// fireDueTimers fires every timer whose fireAt has passed, in
// non-decreasing time order, and reports the next pending fire time (if
// any) so run can size its wait.
func (s *Scheduler) fireDueTimers() (time.Time, bool) {
	for {
		s.mu.Lock()
		if len(s.timers) == 0 {
			s.mu.Unlock()
			return time.Time{}, false
		}
		top := s.timers[0]
		now := time.Now()
		if top.fireAt.After(now) {
			next := top.fireAt
			s.mu.Unlock()
			return next, true
		}
		heap.Pop(&s.timers)
		if top.dead {
			s.mu.Unlock()
			log.Debugw("skipped cancelled timer", "seq", top.seq)
			continue
		}
		top.firing = true
		s.mu.Unlock()

		top.cb()

		s.mu.Lock()
		top.firing = false
		pending := top.pendingReschedule
		top.pendingReschedule = nil
		dead := top.dead
		s.mu.Unlock()

		if pending != nil && !dead {
			s.mu.Lock()
			top.seq = s.nextSeq
			s.nextSeq++
			top.fireAt = time.Now().Add(*pending)
			heap.Push(&s.timers, top)
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) drainDeferred() {
	for {
		s.mu.Lock()
		if len(s.deferred) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.deferred
		s.deferred = nil
		s.mu.Unlock()

		for _, cb := range batch {
			cb()
		}
	}
}

// Stop halts the scheduler's goroutine. Pending timers and deferred
// callbacks are discarded.
func (s *Scheduler) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}
