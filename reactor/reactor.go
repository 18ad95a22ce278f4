// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral readiness reactor contract. The I/O manager drains it
// edge-triggered: a fd is reported once per readiness transition, and the
// waiter is responsible for consuming until EAGAIN before re-arming.

package reactor

// Event is one readiness report. Events carries the raw kernel bits
// (EPOLLIN/EPOLLOUT/EPOLLERR/EPOLLHUP on Linux); FD identifies the
// registration so the owner can resolve its per-fd context in O(1).
type Event struct {
	FD     int
	Events uint32
}

// Reactor wraps the kernel readiness facility.
type Reactor interface {
	// Add registers fd with the given kernel event mask (edge-triggered).
	Add(fd int, events uint32) error

	// Mod replaces the event mask of an already registered fd.
	Mod(fd int, events uint32) error

	// Del removes fd from the watch set.
	Del(fd int) error

	// Wait blocks up to timeoutMs (-1 = forever) and fills events.
	// Returns the number of events written. EINTR surfaces to the caller,
	// which is expected to retry.
	Wait(events []Event, timeoutMs int) (int, error)

	// Close releases the kernel handle.
	Close() error
}
