// File: iomanager/iomanager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// I/O-aware scheduler: combines the worker pool with an edge-triggered
// readiness reactor and a deadline-ordered timer set into one idle loop.
// Workers with nothing to run block inside the kernel poll; readiness,
// timer expiry or a self-pipe tickle wakes them and turns into ordinary
// scheduled tasks.

package iomanager

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/logging"
	"github.com/momentics/hioload-fiber/reactor"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

var log = logging.Component("iomanager")

const (
	// maxPollMs caps a single kernel poll so a worker re-checks the stop
	// condition at least every 3 s.
	maxPollMs = 3000
	// maxEvents is the per-sweep readiness batch size.
	maxEvents = 256
)

// IOManager is a Scheduler whose idle fiber blocks on the readiness
// reactor and the timer set.
type IOManager struct {
	*scheduler.Scheduler

	timers *timer.Set
	poller reactor.Reactor

	// self-pipe waking the kernel poll; read end lives in the reactor.
	pipeR, pipeW int

	mu         sync.RWMutex
	fdContexts []*fdContext

	pending atomic.Int64

	timersFired atomic.Int64
}

// Option configures I/O manager construction.
type Option func(*IOManager)

// WithReactor substitutes the readiness reactor, used by tests to inject a
// fake.
func WithReactor(r reactor.Reactor) Option {
	return func(io *IOManager) { io.poller = r }
}

// New creates an I/O manager with the given worker pool shape.
func New(threads int, useCaller bool, name string, opts ...Option) (*IOManager, error) {
	iom := &IOManager{}
	iom.Scheduler = scheduler.New(threads, useCaller, name)
	iom.Scheduler.SetDriver(iom, iom)
	iom.timers = timer.NewSet(iom.onEarliestChanged)

	for _, o := range opts {
		o(iom)
	}
	if iom.poller == nil {
		r, err := reactor.New()
		if err != nil {
			return nil, err
		}
		iom.poller = r
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		iom.poller.Close()
		return nil, err
	}
	iom.pipeR, iom.pipeW = p[0], p[1]
	if err := iom.poller.Add(iom.pipeR, unix.EPOLLIN); err != nil {
		iom.closeFds()
		return nil, err
	}

	iom.resizeLocked(32)
	return iom, nil
}

// Current returns the I/O manager driving the calling worker or fiber.
func Current() *IOManager {
	if iom, ok := scheduler.CurrentOwner().(*IOManager); ok {
		return iom
	}
	return nil
}

// Stop drains and joins the scheduler, then releases the kernel handles.
func (iom *IOManager) Stop() {
	iom.Scheduler.Stop()
	iom.closeFds()
}

func (iom *IOManager) closeFds() {
	if iom.pipeR > 0 {
		unix.Close(iom.pipeR)
		unix.Close(iom.pipeW)
		iom.pipeR, iom.pipeW = 0, 0
	}
	iom.poller.Close()
}

// context returns the fdContext for fd, growing the dense table on demand.
func (iom *IOManager) context(fd int) *fdContext {
	iom.mu.RLock()
	if fd < len(iom.fdContexts) {
		ctx := iom.fdContexts[fd]
		iom.mu.RUnlock()
		return ctx
	}
	iom.mu.RUnlock()

	iom.mu.Lock()
	if fd >= len(iom.fdContexts) {
		iom.resizeLocked(fd + 1)
	}
	ctx := iom.fdContexts[fd]
	iom.mu.Unlock()
	return ctx
}

// resizeLocked grows the context table to at least want slots, amortized
// 1.5x. Caller holds iom.mu (or has exclusive access during construction).
func (iom *IOManager) resizeLocked(want int) {
	size := len(iom.fdContexts) * 3 / 2
	if size < want {
		size = want
	}
	grown := make([]*fdContext, size)
	copy(grown, iom.fdContexts)
	for i := len(iom.fdContexts); i < size; i++ {
		grown[i] = &fdContext{fd: i}
	}
	iom.fdContexts = grown
}

func kernelBits(ev api.IOEvent) uint32 {
	// api bit values equal EPOLLIN/EPOLLOUT.
	return uint32(ev)
}

// AddEvent arms ev on fd. With a nil cb the currently executing fiber is
// captured as the waiter and will be rescheduled on readiness. Arming an
// event twice is a programming error and panics.
func (iom *IOManager) AddEvent(fd int, ev api.IOEvent, cb func()) error {
	if fd < 0 || (ev != api.EventRead && ev != api.EventWrite) {
		return api.ErrInvalidArgument
	}
	var waiter *fiber.Fiber
	if cb == nil {
		waiter = fiber.Current()
		if waiter == nil || waiter.State() != fiber.StateExec {
			return api.ErrNotInFiber
		}
	}

	ctx := iom.context(fd)
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events.Has(ev) {
		log.Panic().Int("fd", fd).Stringer("event", ev).Msg("event already armed")
	}

	want := kernelBits(ctx.events | ev)
	var err error
	if ctx.events == api.EventNone {
		err = iom.poller.Add(fd, want)
	} else {
		err = iom.poller.Mod(fd, want)
	}
	if err != nil {
		log.Error().Err(err).Int("fd", fd).Stringer("event", ev).Msg("reactor arm failed")
		return err
	}

	ctx.events |= ev
	sl := ctx.slot(ev)
	sl.sched = iom.currentScheduler()
	sl.cb = cb
	if cb == nil {
		sl.fib = waiter
	}
	iom.pending.Add(1)
	return nil
}

// currentScheduler resolves the scheduler the waiter should wake on: the
// one driving the calling context, falling back to our own pool.
func (iom *IOManager) currentScheduler() *scheduler.Scheduler {
	if s := scheduler.Current(); s != nil {
		return s
	}
	return iom.Scheduler
}

// DelEvent disarms ev on fd without waking the waiter.
func (iom *IOManager) DelEvent(fd int, ev api.IOEvent) error {
	ctx := iom.lookup(fd)
	if ctx == nil {
		return api.ErrEventNotFound
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if !ctx.events.Has(ev) {
		return api.ErrEventNotFound
	}
	if err := iom.rearmLocked(ctx, ctx.events&^ev); err != nil {
		return err
	}
	ctx.events &^= ev
	ctx.slot(ev).clear()
	iom.pending.Add(-1)
	return nil
}

// CancelEvent disarms ev on fd and fires its waiter exactly once. This is
// the wake path used by timeouts and shutdown.
func (iom *IOManager) CancelEvent(fd int, ev api.IOEvent) error {
	ctx := iom.lookup(fd)
	if ctx == nil {
		return api.ErrEventNotFound
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if !ctx.events.Has(ev) {
		return api.ErrEventNotFound
	}
	if err := iom.rearmLocked(ctx, ctx.events&^ev); err != nil {
		return err
	}
	ctx.trigger(ev)
	iom.pending.Add(-1)
	return nil
}

// CancelAll fires every armed event on fd once and resets the context.
func (iom *IOManager) CancelAll(fd int) error {
	ctx := iom.lookup(fd)
	if ctx == nil {
		return nil
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events == api.EventNone {
		return nil
	}
	if err := iom.poller.Del(fd); err != nil {
		log.Error().Err(err).Int("fd", fd).Msg("reactor disarm failed")
	}
	if ctx.events.Has(api.EventRead) {
		ctx.trigger(api.EventRead)
		iom.pending.Add(-1)
	}
	if ctx.events.Has(api.EventWrite) {
		ctx.trigger(api.EventWrite)
		iom.pending.Add(-1)
	}
	return nil
}

// lookup returns the context for fd if the table covers it.
func (iom *IOManager) lookup(fd int) *fdContext {
	if fd < 0 {
		return nil
	}
	iom.mu.RLock()
	defer iom.mu.RUnlock()
	if fd >= len(iom.fdContexts) {
		return nil
	}
	return iom.fdContexts[fd]
}

// rearmLocked reprograms the reactor for the remaining events of ctx.
func (iom *IOManager) rearmLocked(ctx *fdContext, remain api.IOEvent) error {
	if remain != api.EventNone {
		return iom.poller.Mod(ctx.fd, kernelBits(remain))
	}
	return iom.poller.Del(ctx.fd)
}

// PendingEvents returns the number of populated event slots.
func (iom *IOManager) PendingEvents() int64 { return iom.pending.Load() }

// AddTimer schedules cb after delay on this manager's timer set.
func (iom *IOManager) AddTimer(delay time.Duration, cb func(), recurring bool) *timer.Timer {
	return iom.timers.Add(delay, cb, recurring)
}

// AddConditionTimer schedules cb gated by cond still holding at fire time.
func (iom *IOManager) AddConditionTimer(delay time.Duration, cb func(), cond func() bool) *timer.Timer {
	return iom.timers.AddCondition(delay, cb, cond)
}

// Tickle wakes one polling worker through the self-pipe. No-op while every
// worker is busy: the wake would have nobody to reach.
func (iom *IOManager) Tickle() {
	if !iom.HasIdleWorkers() {
		return
	}
	if _, err := unix.Write(iom.pipeW, []byte{'T'}); err != nil && err != unix.EAGAIN {
		log.Warn().Err(err).Msg("tickle write failed")
	}
}

// onEarliestChanged re-tickles so a polling worker recomputes its timeout
// against the new earliest deadline.
func (iom *IOManager) onEarliestChanged() { iom.Tickle() }

// Stopping additionally requires no pending timers and no armed events.
func (iom *IOManager) Stopping() bool {
	return iom.timers.Empty() && iom.pending.Load() == 0 && iom.Scheduler.Stopping()
}

// Idle is the unified idle loop: poll the reactor no longer than the next
// timer deadline, expire timers, dispatch readiness, yield, repeat.
func (iom *IOManager) Idle() {
	events := make([]reactor.Event, maxEvents)
	var drain [256]byte

	for {
		timeoutMs, stop := iom.idleTimeout()
		if stop {
			// Chain the shutdown wake: a peer may still sit in a long poll.
			_, _ = unix.Write(iom.pipeW, []byte{'S'})
			break
		}

		n, err := iom.poller.Wait(events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Error().Err(err).Msg("reactor wait failed, retrying")
			fiber.YieldToHold()
			continue
		}

		if expired := iom.timers.Expired(); len(expired) > 0 {
			iom.timersFired.Add(int64(len(expired)))
			tasks := make([]any, len(expired))
			for i, cb := range expired {
				tasks[i] = cb
			}
			_ = iom.ScheduleBatch(tasks)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.FD == iom.pipeR {
				for {
					if m, rerr := unix.Read(iom.pipeR, drain[:]); m <= 0 || rerr != nil {
						break
					}
				}
				continue
			}
			iom.dispatch(ev)
		}

		fiber.YieldToHold()
	}
}

// dispatch wakes the waiters hit by one readiness report.
func (iom *IOManager) dispatch(ev reactor.Event) {
	ctx := iom.lookup(ev.FD)
	if ctx == nil {
		return
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	real := api.EventNone
	if ev.Events&unix.EPOLLIN != 0 {
		real |= api.EventRead
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		real |= api.EventWrite
	}
	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// Error and hangup must wake both directions or a waiter armed for
		// the other event is lost.
		real |= (api.EventRead | api.EventWrite) & ctx.events
	}

	hit := real & ctx.events
	if hit == api.EventNone {
		return
	}
	if err := iom.rearmLocked(ctx, ctx.events&^hit); err != nil {
		log.Error().Err(err).Int("fd", ctx.fd).Msg("reactor rearm failed")
		return
	}
	if hit.Has(api.EventRead) {
		ctx.trigger(api.EventRead)
		iom.pending.Add(-1)
	}
	if hit.Has(api.EventWrite) {
		ctx.trigger(api.EventWrite)
		iom.pending.Add(-1)
	}
}

// idleTimeout computes the next poll timeout and whether the worker should
// exit instead of polling.
func (iom *IOManager) idleTimeout() (int, bool) {
	next, has := iom.timers.NextTimeout()
	if !has && iom.pending.Load() == 0 && iom.Scheduler.Stopping() {
		return 0, true
	}
	timeout := maxPollMs
	if has {
		if ms := int(next / time.Millisecond); ms < timeout {
			timeout = ms
		}
	}
	return timeout, false
}

// Stats extends the scheduler counters with I/O manager state.
func (iom *IOManager) Stats() map[string]int64 {
	stats := iom.Scheduler.Stats()
	stats["pending_events"] = iom.pending.Load()
	stats["timers_fired"] = iom.timersFired.Load()
	return stats
}
