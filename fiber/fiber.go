// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cooperative fibers: lightweight execution contexts multiplexed onto
// scheduler workers. Each fiber runs on a dedicated goroutine gated by a
// strict handoff protocol, so at any moment exactly one fiber per worker is
// executing and every yield returns control to the context that resumed it
// (non-symmetric model: a fiber yields only to its parent).

package fiber

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-fiber/internal/gls"
	"github.com/momentics/hioload-fiber/logging"
)

var log = logging.Component("fiber")

// State is the fiber lifecycle state.
type State int32

const (
	// StateInit: created or reset, never entered since.
	StateInit State = iota
	// StateReady: runnable, waiting in a scheduler queue.
	StateReady
	// StateExec: currently executing on a worker.
	StateExec
	// StateHold: suspended, owned by whoever will reschedule it.
	StateHold
	// StateTerm: entry returned normally.
	StateTerm
	// StateExcept: entry panicked.
	StateExcept
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	}
	return "UNKNOWN"
}

// Flavor selects the return path of a completed fiber.
type Flavor int

const (
	// FlavorScheduler: the fiber yields to the worker's scheduling context.
	FlavorScheduler Flavor = iota
	// FlavorCaller: the fiber yields to the thread's original root context;
	// used only by use-caller schedulers.
	FlavorCaller
)

var (
	nextID     atomic.Uint64
	liveFibers atomic.Int64

	// defaultStackSize mirrors the fiber.stack_size config knob. The Go
	// runtime sizes goroutine stacks itself; the value is carried per fiber
	// as a capacity hint and surfaced through Stats for parity with
	// stack-owning runtimes.
	defaultStackSize atomic.Int64
)

func init() { defaultStackSize.Store(128 * 1024) }

// SetDefaultStackSize updates the stack-size hint applied to new fibers.
func SetDefaultStackSize(n int) {
	if n > 0 {
		defaultStackSize.Store(int64(n))
	}
}

// DefaultStackSize returns the current stack-size hint.
func DefaultStackSize() int { return int(defaultStackSize.Load()) }

// TotalFibers returns the number of live (created, not yet terminated) fibers.
func TotalFibers() int64 { return liveFibers.Load() }

// Fiber is a cooperative execution context.
//
// A fiber is driven from a parent context through Resume/Call and gives
// control back through YieldToHold/YieldToReady or by returning. The parent
// blocks while the fiber runs, which is what makes the pair a context
// switch rather than plain concurrency.
type Fiber struct {
	id        uint64
	stackSize int
	flavor    Flavor
	state     atomic.Int32

	entry func()

	// Handoff channels. resume wakes the fiber goroutine, yield wakes the
	// parent blocked inside Resume/Call. Both are unbuffered: every send is
	// a rendezvous with the matching wait.
	resume chan struct{}
	yield  chan struct{}

	// started reports whether the fiber goroutine exists. Guarded by the
	// resume protocol: only the single active resumer reads or writes it.
	started bool

	// Inherited goroutine-local state, written by the resumer and applied
	// on the fiber goroutine when it wakes. The swapped-out side never
	// touches it.
	inheritSched  any
	inheritWorker int
	inheritHook   bool

	panicVal any
}

// Option configures fiber construction.
type Option func(*Fiber)

// WithStackSize overrides the stack-size hint for this fiber.
func WithStackSize(n int) Option {
	return func(f *Fiber) {
		if n > 0 {
			f.stackSize = n
		}
	}
}

// WithFlavor selects the fiber's return path.
func WithFlavor(fl Flavor) Option {
	return func(f *Fiber) { f.flavor = fl }
}

// New creates a fiber in StateInit wrapping entry.
func New(entry func(), opts ...Option) *Fiber {
	if entry == nil {
		panic("fiber: nil entry")
	}
	f := &Fiber{
		id:        nextID.Add(1),
		stackSize: DefaultStackSize(),
		entry:     entry,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	liveFibers.Add(1)
	log.Trace().Uint64("fiber", f.id).Int("stack", f.stackSize).Msg("created")
	return f
}

// ID returns the fiber's unique identifier.
func (f *Fiber) ID() uint64 { return f.id }

// StackSize returns the fiber's stack-size hint.
func (f *Fiber) StackSize() int { return f.stackSize }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// PanicValue returns the recovered value of a fiber in StateExcept.
func (f *Fiber) PanicValue() any { return f.panicVal }

// Reset rebinds a finished (or never started) fiber to a new entry closure,
// reusing its identity and channels. Precondition: state INIT, TERM or EXCEPT.
func (f *Fiber) Reset(entry func()) {
	if entry == nil {
		panic("fiber: Reset with nil entry")
	}
	switch f.State() {
	case StateInit, StateTerm, StateExcept:
	default:
		panic(fmt.Sprintf("fiber: Reset of fiber %d in state %v", f.id, f.State()))
	}
	if f.State() != StateInit {
		// The previous incarnation already decremented the live count on
		// its terminal yield.
		liveFibers.Add(1)
	}
	f.entry = entry
	f.started = false
	f.panicVal = nil
	f.state.Store(int32(StateInit))
}

// Resume switches the calling context into the fiber. The caller must be the
// fiber's scheduling context; it blocks until the fiber yields or finishes.
// Precondition: state INIT, READY or HOLD.
func (f *Fiber) Resume() {
	if f.flavor != FlavorScheduler {
		panic(fmt.Sprintf("fiber: Resume on use-caller fiber %d, want Call", f.id))
	}
	f.swapIn()
}

// Call is the use-caller variant of Resume: the peer is the thread's root
// context rather than a scheduling fiber.
func (f *Fiber) Call() {
	if f.flavor != FlavorCaller {
		panic(fmt.Sprintf("fiber: Call on scheduler fiber %d, want Resume", f.id))
	}
	f.swapIn()
}

func (f *Fiber) swapIn() {
	cur := State(f.state.Load())
	ok := cur == StateInit || cur == StateReady || cur == StateHold
	if !ok || !f.state.CompareAndSwap(int32(cur), int32(StateExec)) {
		panic(fmt.Sprintf("fiber: resume of fiber %d in state %v", f.id, cur))
	}

	// Propagate the resumer's goroutine-local anchors. The fiber applies
	// them on its own goroutine when it wakes; the swapped-out side never
	// writes its own TLS.
	f.inheritWorker = -1
	if slot := gls.Peek(); slot != nil {
		f.inheritSched = slot.Sched
		f.inheritWorker = slot.Worker
		f.inheritHook = slot.Hook
	}

	if !f.started {
		f.started = true
		go f.trampoline()
	} else {
		f.resume <- struct{}{}
	}
	<-f.yield
}

// trampoline is the fiber goroutine body: apply inherited anchors, run the
// entry under a panic guard, then perform the terminal yield.
func (f *Fiber) trampoline() {
	slot := gls.Get()
	slot.Fiber = f
	slot.Sched = f.inheritSched
	slot.Worker = f.inheritWorker
	slot.Hook = f.inheritHook
	defer gls.Clear()

	func() {
		defer func() {
			if r := recover(); r != nil {
				f.panicVal = r
				f.state.Store(int32(StateExcept))
				log.Error().Uint64("fiber", f.id).Interface("panic", r).Msg("fiber panicked")
			}
		}()
		entry := f.entry
		// Drop the closure before running it: once the terminal yield hands
		// control back, nothing on this goroutine may still pin resources.
		f.entry = nil
		entry()
		f.state.Store(int32(StateTerm))
	}()

	liveFibers.Add(-1)
	f.yield <- struct{}{}
}

// yieldTo parks the calling fiber in the given state and switches back to
// its parent. Runs on the fiber goroutine.
func (f *Fiber) yieldTo(s State) {
	f.state.Store(int32(s))
	f.yield <- struct{}{}
	<-f.resume
	// Re-apply anchors chosen by whichever context resumed us; the fiber may
	// have migrated to a different worker while suspended.
	slot := gls.Get()
	slot.Sched = f.inheritSched
	slot.Worker = f.inheritWorker
	slot.Hook = f.inheritHook
}

// Back yields a use-caller fiber back to the thread's root context in
// StateHold. Counterpart of Call, must run on the fiber itself.
func (f *Fiber) Back() {
	if Current() != f {
		panic(fmt.Sprintf("fiber: Back on fiber %d from foreign context", f.id))
	}
	f.yieldTo(StateHold)
}

// Current returns the fiber executing on the calling goroutine, or nil.
func Current() *Fiber {
	if slot := gls.Peek(); slot != nil {
		if f, ok := slot.Fiber.(*Fiber); ok {
			return f
		}
	}
	return nil
}

// CurrentID returns the current fiber id, or 0 outside any fiber.
func CurrentID() uint64 {
	if f := Current(); f != nil {
		return f.id
	}
	return 0
}

// YieldToHold suspends the current fiber in StateHold. Ownership passes to
// whoever will schedule it again, typically the reactor or a timer.
func YieldToHold() {
	f := Current()
	if f == nil {
		panic("fiber: YieldToHold outside a fiber")
	}
	f.yieldTo(StateHold)
}

// YieldToReady suspends the current fiber in StateReady; the scheduler
// re-enqueues it immediately.
func YieldToReady() {
	f := Current()
	if f == nil {
		panic("fiber: YieldToReady outside a fiber")
	}
	f.yieldTo(StateReady)
}
