// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// N-worker cooperative scheduler multiplexing fibers and closures over a
// strict-FIFO task queue, with optional enrollment of the caller's thread
// as worker 0. Subclass-style customization (tickle/idle/stopping) is done
// through the Driver interface; the I/O manager injects itself there.

package scheduler

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/concurrency"
	"github.com/momentics/hioload-fiber/internal/gls"
	"github.com/momentics/hioload-fiber/logging"
)

var log = logging.Component("scheduler")

// AnyWorker schedules a task on whichever worker takes it first.
const AnyWorker = -1

// Driver customizes the scheduler's idle protocol. The base scheduler is
// its own driver; the I/O manager overrides all three hooks.
type Driver interface {
	// Tickle wakes one worker that may be parked in the idle fiber.
	Tickle()
	// Idle is the body of each worker's idle fiber.
	Idle()
	// Stopping reports whether workers may exit.
	Stopping() bool
}

// Owner is implemented by every scheduler flavor; it recovers the base
// scheduler from the goroutine-local anchor.
type Owner interface {
	Base() *Scheduler
}

// task is the unit of scheduling: exactly one of f/cb is set.
type task struct {
	f  *fiber.Fiber
	cb func()
}

func makeTask(tk any) (task, error) {
	switch v := tk.(type) {
	case *fiber.Fiber:
		if v != nil {
			return task{f: v}, nil
		}
	case func():
		if v != nil {
			return task{cb: v}, nil
		}
	}
	return task{}, api.ErrInvalidTask
}

// Scheduler multiplexes M fibers onto N workers.
type Scheduler struct {
	name        string
	threadCount int
	useCaller   bool
	affinity    bool

	mu     sync.Mutex
	shared *queue.Queue   // runnable on any worker, strict FIFO
	pinned []*queue.Queue // per-worker FIFO for pinned tasks

	rootFiber *fiber.Fiber // use-caller scheduling fiber, driven from Stop

	started       bool
	stopRequested bool
	autoStop      bool
	terminated    atomic.Bool

	active atomic.Int64
	idle   atomic.Int64

	tasksExecuted atomic.Int64

	drv   Driver
	owner any

	wg sync.WaitGroup
}

// Option configures scheduler construction.
type Option func(*Scheduler)

// WithAffinity pins each worker's OS thread to a CPU core.
func WithAffinity(on bool) Option {
	return func(s *Scheduler) { s.affinity = on }
}

// New creates a scheduler with the given total worker count. With useCaller
// the constructing thread is enrolled as worker 0 and participates during
// Stop; otherwise all workers are spawned by Start.
func New(threads int, useCaller bool, name string, opts ...Option) *Scheduler {
	if threads < 1 {
		threads = 1
	}
	if name == "" {
		name = "scheduler"
	}
	s := &Scheduler{
		name:        name,
		threadCount: threads,
		useCaller:   useCaller,
		shared:      queue.New(),
		pinned:      make([]*queue.Queue, threads),
	}
	for i := range s.pinned {
		s.pinned[i] = queue.New()
	}
	s.drv = s
	s.owner = s
	for _, o := range opts {
		o(s)
	}
	if useCaller {
		s.rootFiber = fiber.New(func() { s.run(0) }, fiber.WithFlavor(fiber.FlavorCaller))
	}
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Base implements Owner.
func (s *Scheduler) Base() *Scheduler { return s }

// SetDriver installs a custom idle protocol. Must be called before Start.
func (s *Scheduler) SetDriver(d Driver, owner any) {
	s.drv = d
	s.owner = owner
}

// Current returns the scheduler driving the calling worker or fiber, nil
// outside any scheduler context.
func Current() *Scheduler {
	if slot := gls.Peek(); slot != nil {
		if o, ok := slot.Sched.(Owner); ok {
			return o.Base()
		}
	}
	return nil
}

// CurrentOwner returns the scheduler flavor (scheduler or I/O manager)
// driving the calling context.
func CurrentOwner() any {
	if slot := gls.Peek(); slot != nil {
		return slot.Sched
	}
	return nil
}

// CurrentWorkerID returns the index of the worker driving the calling
// context, -1 outside any worker.
func CurrentWorkerID() int {
	if slot := gls.Peek(); slot != nil {
		return slot.Worker
	}
	return -1
}

// Start spawns the worker pool. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < s.threadCount; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.run(id)
		}(i)
	}
	log.Debug().Str("scheduler", s.name).Int("workers", s.threadCount).Bool("use_caller", s.useCaller).Msg("started")
}

// Stop requests auto-stop, wakes every worker, drives the use-caller root
// fiber if present, and joins the pool. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.autoStop = true
	s.stopRequested = true
	started := s.started
	s.mu.Unlock()
	if !started {
		s.terminated.Store(true)
		return
	}

	for i := 0; i < s.threadCount; i++ {
		s.drv.Tickle()
	}
	if s.rootFiber != nil {
		s.drv.Tickle()
		switch s.rootFiber.State() {
		case fiber.StateInit, fiber.StateReady, fiber.StateHold:
			s.rootFiber.Call()
		}
	}
	s.wg.Wait()
	s.terminated.Store(true)
	log.Debug().Str("scheduler", s.name).Int64("tasks", s.tasksExecuted.Load()).Msg("stopped")
}

// Schedule enqueues a fiber or closure. pin selects a specific worker;
// AnyWorker lets any worker take it. Returns api.ErrSchedulerStopped once
// the pool has shut down.
func (s *Scheduler) Schedule(tk any, pin int) error {
	if s.terminated.Load() {
		return api.ErrSchedulerStopped
	}
	t, err := makeTask(tk)
	if err != nil {
		return err
	}
	s.mu.Lock()
	wasEmpty := s.pendingLocked() == 0
	s.enqueueLocked(t, pin)
	s.mu.Unlock()
	if wasEmpty {
		s.drv.Tickle()
	}
	return nil
}

// ScheduleBatch enqueues several tasks under one critical section and
// tickles at most once.
func (s *Scheduler) ScheduleBatch(tks []any) error {
	if s.terminated.Load() {
		return api.ErrSchedulerStopped
	}
	added := false
	s.mu.Lock()
	for _, tk := range tks {
		t, err := makeTask(tk)
		if err != nil {
			continue
		}
		s.enqueueLocked(t, AnyWorker)
		added = true
	}
	s.mu.Unlock()
	if added {
		s.drv.Tickle()
	}
	return nil
}

func (s *Scheduler) enqueueLocked(t task, pin int) {
	if pin >= 0 && pin < s.threadCount {
		s.pinned[pin].Add(t)
		return
	}
	s.shared.Add(t)
}

func (s *Scheduler) pendingLocked() int {
	n := s.shared.Length()
	for _, q := range s.pinned {
		n += q.Length()
	}
	return n
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// HasIdleWorkers reports whether any worker is parked in its idle fiber.
func (s *Scheduler) HasIdleWorkers() bool { return s.idle.Load() > 0 }

// ActiveWorkers returns the number of workers currently running a task.
func (s *Scheduler) ActiveWorkers() int64 { return s.active.Load() }

// Tickle is the base driver wake: a log line only. The I/O manager
// overrides it with a self-pipe write.
func (s *Scheduler) Tickle() {
	log.Trace().Str("scheduler", s.name).Msg("tickle")
}

// Idle is the base idle fiber body: yield until stopping holds. The brief
// sleep keeps a task-less pool from spinning a core per worker.
func (s *Scheduler) Idle() {
	for !s.drv.Stopping() {
		time.Sleep(500 * time.Microsecond)
		fiber.YieldToHold()
	}
}

// Stopping reports the base stop condition: auto-stop requested, queue
// drained, and no worker mid-task.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoStop && s.stopRequested && s.pendingLocked() == 0 && s.active.Load() == 0
}

// run is the per-worker scheduling loop.
func (s *Scheduler) run(id int) {
	cpu := -1
	if s.affinity {
		cpu = id
	}
	unpin := concurrency.PinCurrentThread(cpu)
	defer unpin()

	slot := gls.Get()
	slot.Sched = s.owner
	slot.Worker = id
	slot.Hook = true
	defer gls.Clear()

	log.Trace().Str("scheduler", s.name).Int("worker", id).Msg("worker loop enter")

	idleFiber := fiber.New(s.drv.Idle)
	var cbFiber *fiber.Fiber

	for {
		if t, ok := s.take(id); ok {
			s.runTask(t, &cbFiber)
			continue
		}
		if idleFiber.State() == fiber.StateTerm {
			break
		}
		s.idle.Add(1)
		idleFiber.Resume()
		s.idle.Add(-1)
	}

	log.Trace().Str("scheduler", s.name).Int("worker", id).Msg("worker loop exit")
}

// take pops the next eligible task for worker id: its pinned queue first,
// then the shared queue. The active count is raised under the same lock so
// Stopping never observes a taken-but-uncounted task.
func (s *Scheduler) take(id int) (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := popEligible(s.pinned[id]); ok {
		s.active.Add(1)
		return t, true
	}
	if t, ok := popEligible(s.shared); ok {
		s.active.Add(1)
		return t, true
	}
	return task{}, false
}

// popEligible scans at most one full rotation of q. Fibers still in EXEC on
// another worker are rotated to the tail and revisited later.
func popEligible(q *queue.Queue) (task, bool) {
	for n := q.Length(); n > 0; n-- {
		t := q.Remove().(task)
		if t.f != nil && t.f.State() == fiber.StateExec {
			q.Add(t)
			continue
		}
		return t, true
	}
	return task{}, false
}

// runTask resumes one task. A fiber yielding READY is immediately
// re-enqueued; any other non-terminal yield leaves it owned by whoever will
// schedule it next. Closures run inside a reusable wrapper fiber.
func (s *Scheduler) runTask(t task, cbFiber **fiber.Fiber) {
	defer s.active.Add(-1)

	if t.f != nil {
		st := t.f.State()
		if st == fiber.StateTerm || st == fiber.StateExcept {
			return
		}
		t.f.Resume()
		s.tasksExecuted.Add(1)
		if t.f.State() == fiber.StateReady {
			s.requeue(t.f)
		}
		return
	}

	f := *cbFiber
	if f == nil {
		f = fiber.New(t.cb)
	} else {
		f.Reset(t.cb)
	}
	*cbFiber = f
	f.Resume()
	s.tasksExecuted.Add(1)
	switch f.State() {
	case fiber.StateReady:
		s.requeue(f)
		*cbFiber = nil
	case fiber.StateTerm, fiber.StateExcept:
		// keep for reuse
	default:
		// HOLD: the reactor or a timer owns it now
		*cbFiber = nil
	}
}

// requeue puts a READY fiber back on the shared queue, bypassing the
// terminated guard: drain-time requeues must not be dropped.
func (s *Scheduler) requeue(f *fiber.Fiber) {
	t := task{f: f}
	s.mu.Lock()
	wasEmpty := s.pendingLocked() == 0
	s.shared.Add(t)
	s.mu.Unlock()
	if wasEmpty {
		s.drv.Tickle()
	}
}

// Dump writes a human-readable snapshot of the scheduler state.
func (s *Scheduler) Dump(w io.Writer) {
	fmt.Fprintf(w, "Scheduler name=%s threads=%d use_caller=%v active=%d idle=%d pending=%d tasks=%d\n",
		s.name, s.threadCount, s.useCaller,
		s.active.Load(), s.idle.Load(), s.Pending(), s.tasksExecuted.Load())
}

// Stats returns scheduler counters for metrics publication.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"workers":        int64(s.threadCount),
		"active_workers": s.active.Load(),
		"idle_workers":   s.idle.Load(),
		"pending_tasks":  int64(s.Pending()),
		"tasks_executed": s.tasksExecuted.Load(),
		"live_fibers":    fiber.TotalFibers(),
	}
}
