//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7)-based reactor. Registrations are always edge-triggered;
// level-triggered operation is not supported because the idle loop drains
// each wake with a single dispatch.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/pool"
)

// EdgeTriggered is the kernel flag the reactor forces onto every
// registration.
const EdgeTriggered = uint32(unix.EPOLLET)

type linuxReactor struct {
	epfd int
}

// New constructs the platform reactor for Linux.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &linuxReactor{epfd: epfd}, nil
}

func (r *linuxReactor) ctl(op int, fd int, events uint32) error {
	ev := unix.EpollEvent{
		Events: events | EdgeTriggered,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl op=%d fd=%d: %w", op, fd, err)
	}
	return nil
}

// Add registers fd edge-triggered.
func (r *linuxReactor) Add(fd int, events uint32) error {
	return r.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

// Mod replaces the registered mask of fd.
func (r *linuxReactor) Mod(fd int, events uint32) error {
	return r.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

// Del removes fd from the interest set.
func (r *linuxReactor) Del(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// rawEvents pools the kernel-side buffers so concurrent polls do not
// allocate per call. Buffers are scrubbed on return: a recycled buffer must
// not carry one poll's fds and event masks into the next.
var rawEvents = pool.NewSyncPoolWithReset(
	func() []unix.EpollEvent {
		return make([]unix.EpollEvent, 256)
	},
	func(buf []unix.EpollEvent) []unix.EpollEvent {
		for i := range buf {
			buf[i] = unix.EpollEvent{}
		}
		return buf
	},
)

// Wait blocks for readiness and converts kernel events into Events.
func (r *linuxReactor) Wait(events []Event, timeoutMs int) (int, error) {
	raw := rawEvents.Get()
	defer rawEvents.Put(raw)
	if len(raw) < len(events) {
		raw = make([]unix.EpollEvent, len(events))
	}

	n, err := unix.EpollWait(r.epfd, raw[:len(events)], timeoutMs)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		events[i] = Event{FD: int(raw[i].Fd), Events: raw[i].Events}
	}
	return n, nil
}

// Close releases the epoll handle.
func (r *linuxReactor) Close() error {
	return unix.Close(r.epfd)
}
