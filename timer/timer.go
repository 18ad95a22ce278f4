// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deadline-ordered timer set shared by the scheduler idle loop and the
// syscall hook layer. Supports one-shot, recurring and condition-gated
// timers; ties on the deadline are broken by insertion sequence so expiry
// order is deterministic.

package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// rolloverWindow is how far the clock must move backwards before the set
// declares the clock broken and expires everything.
const rolloverWindow = time.Hour

// Timer is a single scheduled callback. The pointer doubles as the cancel
// handle.
type Timer struct {
	set      *Set
	deadline time.Time
	period   time.Duration // 0 for one-shot
	seq      uint64
	cb       func()
	cond     func() bool // nil unless condition-gated
	recur    bool

	index    int // heap index, -1 when not queued
	canceled atomic.Bool
}

// Cancel removes the timer from its set. Idempotent; a timer whose callback
// was already extracted for execution is suppressed at run time.
func (t *Timer) Cancel() {
	if t.canceled.Swap(true) {
		return
	}
	t.set.remove(t)
}

// Reset reschedules the timer with a new delay. When fromNow is false the
// new deadline is computed from the current deadline minus the current
// period: the arming instant of a timer that has not fired yet, the last due
// time of a recurring timer that has.
func (t *Timer) Reset(delay time.Duration, fromNow bool) {
	s := t.set
	s.mu.Lock()
	if t.canceled.Load() {
		s.mu.Unlock()
		return
	}
	if t.index >= 0 {
		heap.Remove(&s.heap, t.index)
	}
	start := s.now()
	if !fromNow {
		start = t.deadline.Add(-t.period)
	}
	t.period = delay
	t.deadline = start.Add(delay)
	t.seq = s.seq.Add(1)
	heap.Push(&s.heap, t)
	atFront := t.index == 0
	s.mu.Unlock()
	if atFront {
		s.notifyEarliest()
	}
}

// Refresh re-arms the timer with its current period measured from now.
func (t *Timer) Refresh() {
	t.Reset(t.period, true)
}

// Set is a thread-safe ordered collection of timers.
type Set struct {
	mu   sync.RWMutex
	heap timerHeap
	seq  atomic.Uint64

	// previous successful clock reading, for rollover detection.
	lastRead time.Time

	// tickled suppresses duplicate earliest-changed notifications between
	// two expiry sweeps.
	tickled bool

	// onEarliestChanged fires when an insertion becomes the new minimum, so
	// the owner can recompute its poll deadline. May be nil.
	onEarliestChanged func()

	// nowFn is the monotonic clock source, replaceable in tests.
	nowFn func() time.Time
}

// NewSet creates an empty timer set.
func NewSet(onEarliestChanged func()) *Set {
	return &Set{
		onEarliestChanged: onEarliestChanged,
		nowFn:             time.Now,
	}
}

func (s *Set) now() time.Time { return s.nowFn() }

// Add schedules cb to run after delay. A recurring timer re-inserts itself
// with deadline += period on every fire.
func (s *Set) Add(delay time.Duration, cb func(), recurring bool) *Timer {
	return s.add(delay, cb, recurring, nil)
}

// AddCondition schedules cb gated by cond: when the timer fires, cb runs
// only if cond still reports true. The hook layer uses this as the weak
// witness behind syscall timeouts.
func (s *Set) AddCondition(delay time.Duration, cb func(), cond func() bool) *Timer {
	return s.add(delay, cb, false, cond)
}

func (s *Set) add(delay time.Duration, cb func(), recurring bool, cond func() bool) *Timer {
	t := &Timer{set: s, cb: cb, cond: cond, index: -1, period: delay, recur: recurring}
	s.mu.Lock()
	t.deadline = s.now().Add(delay)
	t.seq = s.seq.Add(1)
	heap.Push(&s.heap, t)
	atFront := t.index == 0 && !s.tickled
	if atFront {
		s.tickled = true
	}
	s.mu.Unlock()
	if atFront {
		s.notifyEarliest()
	}
	return t
}

// NextTimeout returns the duration until the earliest deadline. ok is false
// when the set is empty.
func (s *Set) NextTimeout() (d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickled = false
	if s.heap.Len() == 0 {
		return 0, false
	}
	d = s.heap[0].deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Empty reports whether no timers are pending.
func (s *Set) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heap.Len() == 0
}

// Expired extracts every timer whose deadline is not after now and returns
// their callbacks ready for scheduling. Recurring timers are re-inserted
// with deadline advanced by their period before their callback is returned.
// A detected clock rollover expires all timers at once.
func (s *Set) Expired() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.heap.Len() == 0 {
		s.lastRead = now
		return nil
	}

	rollover := !s.lastRead.IsZero() && now.Before(s.lastRead.Add(-rolloverWindow))
	s.lastRead = now
	s.tickled = false

	// Two-phase sweep: extract first, re-arm recurring timers after, so a
	// re-inserted timer cannot be popped again within the same sweep.
	var fired []*Timer
	for s.heap.Len() > 0 {
		t := s.heap[0]
		if !rollover && t.deadline.After(now) {
			break
		}
		heap.Pop(&s.heap)
		if t.canceled.Load() {
			continue
		}
		fired = append(fired, t)
	}

	cbs := make([]func(), 0, len(fired))
	for _, t := range fired {
		if t.recur {
			t.deadline = t.deadline.Add(t.period)
			t.seq = s.seq.Add(1)
			heap.Push(&s.heap, t)
		}
		cbs = append(cbs, t.fire)
	}
	return cbs
}

// fire runs the callback honoring late cancellation and the condition gate.
func (t *Timer) fire() {
	if t.canceled.Load() {
		return
	}
	if t.cond != nil && !t.cond() {
		return
	}
	t.cb()
}

// remove detaches a canceled timer from the heap.
func (s *Set) remove(t *Timer) {
	s.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&s.heap, t.index)
	}
	s.mu.Unlock()
}

func (s *Set) notifyEarliest() {
	if s.onEarliestChanged != nil {
		s.onEarliestChanged()
	}
}

// timerHeap orders by (deadline, seq) with index maintenance for removal.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
