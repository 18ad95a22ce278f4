// File: fake/fakereactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-memory reactor double. Tests inject readiness with Push instead of
// touching the kernel; registration bookkeeping mirrors the contract the
// epoll implementation enforces.

package fake

import (
	"fmt"
	"sync"
	"time"

	"github.com/momentics/hioload-fiber/reactor"
)

// Reactor implements reactor.Reactor entirely in memory.
type Reactor struct {
	mu         sync.Mutex
	registered map[int]uint32
	queue      []reactor.Event
	wake       chan struct{}
	closed     bool
}

// NewReactor creates an empty fake reactor.
func NewReactor() *Reactor {
	return &Reactor{
		registered: make(map[int]uint32),
		wake:       make(chan struct{}, 1),
	}
}

// Add registers fd; duplicate registration is an error like EEXIST.
func (r *Reactor) Add(fd int, events uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registered[fd]; ok {
		return fmt.Errorf("fake reactor: fd %d already registered", fd)
	}
	r.registered[fd] = events
	return nil
}

// Mod updates a registration; missing fd is an error like ENOENT.
func (r *Reactor) Mod(fd int, events uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registered[fd]; !ok {
		return fmt.Errorf("fake reactor: fd %d not registered", fd)
	}
	r.registered[fd] = events
	return nil
}

// Del removes a registration.
func (r *Reactor) Del(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registered[fd]; !ok {
		return fmt.Errorf("fake reactor: fd %d not registered", fd)
	}
	delete(r.registered, fd)
	return nil
}

// Registered reports the current kernel mask of fd, 0 when absent.
func (r *Reactor) Registered(fd int) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[fd]
}

// Push injects a readiness report and wakes a Wait caller.
func (r *Reactor) Push(ev reactor.Event) {
	r.mu.Lock()
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Wait returns queued events, blocking briefly to approximate a kernel
// poll. Long timeouts are clamped so idle loops spin fast in tests.
func (r *Reactor) Wait(events []reactor.Event, timeoutMs int) (int, error) {
	wait := time.Duration(timeoutMs) * time.Millisecond
	if max := 20 * time.Millisecond; wait > max || timeoutMs < 0 {
		wait = max
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			n := copy(events, r.queue)
			r.queue = r.queue[n:]
			r.mu.Unlock()
			return n, nil
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return 0, nil
		}
		select {
		case <-r.wake:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Close marks the reactor closed; Wait returns immediately afterwards.
func (r *Reactor) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}
