// File: iomanager/fdcontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-fd event bookkeeping. Each descriptor under I/O management owns one
// fdContext holding the armed event bits and, per event, the waiter to wake:
// either a captured fiber or a plain closure, plus the scheduler to wake it
// on. The invariant: an event bit is set iff the reactor holds the matching
// registration and the slot is populated.

package iomanager

import (
	"fmt"
	"sync"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

// eventSlot is the waiter for one (fd, event) pair. Exactly one of
// fib/cb is set while populated.
type eventSlot struct {
	sched *scheduler.Scheduler
	fib   *fiber.Fiber
	cb    func()
}

func (sl *eventSlot) empty() bool { return sl.sched == nil && sl.fib == nil && sl.cb == nil }

func (sl *eventSlot) clear() {
	sl.sched = nil
	sl.fib = nil
	sl.cb = nil
}

type fdContext struct {
	mu     sync.Mutex
	fd     int
	events api.IOEvent // currently armed bits
	read   eventSlot
	write  eventSlot
}

// slot returns the slot backing ev. ev must be exactly one event bit.
func (c *fdContext) slot(ev api.IOEvent) *eventSlot {
	switch ev {
	case api.EventRead:
		return &c.read
	case api.EventWrite:
		return &c.write
	}
	panic(fmt.Sprintf("iomanager: bad event %v for fd %d", ev, c.fd))
}

// trigger fires the waiter of ev once and clears the slot, transferring
// ownership from the reactor to the scheduler queue. Caller holds c.mu and
// has already adjusted the reactor registration.
func (c *fdContext) trigger(ev api.IOEvent) {
	if !c.events.Has(ev) {
		panic(fmt.Sprintf("iomanager: trigger of unarmed event %v on fd %d", ev, c.fd))
	}
	c.events &^= ev
	sl := c.slot(ev)
	sched := sl.sched
	if sched == nil {
		sl.clear()
		return
	}
	if sl.cb != nil {
		_ = sched.Schedule(sl.cb, scheduler.AnyWorker)
	} else if sl.fib != nil {
		_ = sched.Schedule(sl.fib, scheduler.AnyWorker)
	}
	sl.clear()
}
