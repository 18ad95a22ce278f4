// File: hook/io.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The universal async wrap for socket I/O. Every read- and write-family
// wrapper funnels through doIO: try the raw nonblocking syscall, and on
// would-block park the calling fiber on the reactor (plus a condition timer
// when a per-fd timeout is set), then retry on wake. EAGAIN never escapes
// to the application; ETIMEDOUT is the only errno the layer itself
// introduces.

package hook

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/iomanager"
)

// doIO implements the async-wrap template for one direction of one fd.
func doIO(fd int, ev api.IOEvent, name string, fn func() (int, error)) (int, error) {
	if !Enabled() {
		return fn()
	}
	m := FdLookup(fd, true)
	if m == nil {
		return fn()
	}
	if m.Closed() {
		return -1, unix.EBADF
	}
	if !m.IsSocket() || m.UserNonblock() {
		return fn()
	}

	timeoutOpt := unix.SO_RCVTIMEO
	if ev == api.EventWrite {
		timeoutOpt = unix.SO_SNDTIMEO
	}
	timeoutMs := m.Timeout(timeoutOpt)

	for {
		n, err := fn()
		for err == unix.EINTR {
			n, err = fn()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		iom := iomanager.Current()
		if iom == nil {
			// Hook enabled outside any I/O manager: nothing to park on.
			return n, err
		}

		info := &timerInfo{}
		var tm cancelable
		if timeoutMs >= 0 {
			tm = iom.AddConditionTimer(time.Duration(timeoutMs)*time.Millisecond, func() {
				info.cancelled.Store(int64(unix.ETIMEDOUT))
				_ = iom.CancelEvent(fd, ev)
			}, info.alive)
		}

		if aerr := iom.AddEvent(fd, ev, nil); aerr != nil {
			if tm != nil {
				tm.Cancel()
			}
			log.Error().Err(aerr).Int("fd", fd).Str("op", name).Msg("arming event failed")
			return -1, aerr
		}

		fiber.YieldToHold()
		info.resumed.Store(true)
		if tm != nil {
			tm.Cancel()
		}
		if e := info.cancelled.Load(); e != 0 {
			return -1, unix.Errno(e)
		}
		if m.Closed() {
			// Woken by a hooked Close: the fd is going away.
			return -1, unix.EBADF
		}
		// Woken by readiness: retry the raw syscall.
	}
}

// Read reads from fd, suspending the fiber until data is available.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, api.EventRead, "read", func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv is the vectored variant of Read.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, api.EventRead, "readv", func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, api.EventRead, "recv", func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Recvfrom receives a datagram and its source address.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, api.EventRead, "recvfrom", func() (int, error) {
		nn, sa, e := unix.Recvfrom(fd, p, flags)
		if e == nil {
			from = sa
		}
		return nn, e
	})
	return n, from, err
}

// Recvmsg receives a message with ancillary data.
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(fd, api.EventRead, "recvmsg", func() (int, error) {
		var e error
		n, oobn, recvflags, from, e = unix.Recvmsg(fd, p, oob, flags)
		return n, e
	})
	return
}

// Write writes to fd, suspending the fiber while the send buffer is full.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, api.EventWrite, "write", func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev is the vectored variant of Write.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, api.EventWrite, "writev", func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends on a connected socket.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, api.EventWrite, "send", func() (int, error) {
		if err := unix.Sendto(fd, p, flags, nil); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Sendto sends a datagram to the given address.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, api.EventWrite, "sendto", func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Sendmsg sends a message with ancillary data.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, api.EventWrite, "sendmsg", func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}
