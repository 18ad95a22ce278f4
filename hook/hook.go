// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Syscall interposition layer. Application code written against these
// wrappers keeps plain blocking semantics while the runtime suspends the
// calling fiber on the I/O manager instead of blocking the worker thread.
// With the hook disabled, or for non-socket fds, or for sockets the
// application itself made nonblocking, every wrapper is a pass-through with
// behavior identical to the raw syscall.

package hook

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/gls"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/logging"
	"github.com/momentics/hioload-fiber/scheduler"
)

var log = logging.Component("hook")

// connectTimeoutMs is the runtime-wide default connect timeout, updated
// live through BindConfig.
var connectTimeoutMs atomic.Int64

func init() { connectTimeoutMs.Store(5000) }

// Enabled reports whether the calling goroutine runs with syscall hooks on.
// Workers enable it before picking their first task; fibers inherit the
// flag from whichever context resumes them.
func Enabled() bool {
	if s := gls.Peek(); s != nil {
		return s.Hook
	}
	return false
}

// SetEnabled toggles the hook flag of the calling goroutine.
func SetEnabled(on bool) { gls.Get().Hook = on }

// ConnectTimeout returns the default connect timeout.
func ConnectTimeout() time.Duration {
	return time.Duration(connectTimeoutMs.Load()) * time.Millisecond
}

// SetConnectTimeout overrides the default connect timeout.
func SetConnectTimeout(d time.Duration) { connectTimeoutMs.Store(d.Milliseconds()) }

// BindConfig wires the hook layer to the live configuration: the connect
// timeout follows tcp.connect.timeout across reloads.
func BindConfig(cs *control.ConfigStore) {
	if ms, ok := cs.GetInt("tcp.connect.timeout"); ok {
		connectTimeoutMs.Store(int64(ms))
	}
	cs.OnChange("tcp.connect.timeout", func(_, newVal any) {
		if ms, ok := control.AsInt(newVal); ok {
			old := connectTimeoutMs.Swap(int64(ms))
			if old != int64(ms) {
				log.Info().Int64("old_ms", old).Int("new_ms", ms).Msg("connect timeout changed")
			}
		}
	})
}

// timerInfo is the cancellation record shared between a suspended waiter
// and its timeout timer. The waiter inspects cancelled on resume to tell a
// readiness wake from a timeout wake; resumed is the liveness witness that
// gates a late-firing timer.
type timerInfo struct {
	cancelled atomic.Int64 // errno, 0 = not cancelled
	resumed   atomic.Bool
}

func (ti *timerInfo) alive() bool { return !ti.resumed.Load() }

// doSleep parks the current fiber on a one-shot timer.
func doSleep(d time.Duration) bool {
	if !Enabled() {
		return false
	}
	f := fiber.Current()
	iom := iomanager.Current()
	if f == nil || iom == nil {
		return false
	}
	iom.AddTimer(d, func() {
		_ = iom.Schedule(f, scheduler.AnyWorker)
	}, false)
	fiber.YieldToHold()
	return true
}

// Sleep suspends for the given number of seconds. Always returns 0, like
// an uninterrupted sleep(3).
func Sleep(seconds uint) uint {
	if !doSleep(time.Duration(seconds) * time.Second) {
		time.Sleep(time.Duration(seconds) * time.Second)
	}
	return 0
}

// Usleep suspends for usec microseconds.
func Usleep(usec uint) int {
	if !doSleep(time.Duration(usec) * time.Microsecond) {
		time.Sleep(time.Duration(usec) * time.Microsecond)
	}
	return 0
}

// Nanosleep suspends for the given duration.
func Nanosleep(d time.Duration) error {
	if !doSleep(d) {
		time.Sleep(d)
	}
	return nil
}

// Socket creates a socket and registers it with the fd table, which forces
// kernel nonblocking mode on it.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	if Enabled() {
		FdLookup(fd, true)
	}
	return fd, nil
}

// Accept waits for an inbound connection, suspending the calling fiber
// until the listener is readable. The accepted fd is registered like one
// returned by Socket.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, api.EventRead, "accept", func() (int, error) {
		n, a, e := unix.Accept(fd)
		if e == nil {
			sa = a
		}
		return n, e
	})
	if err == nil && nfd >= 0 && Enabled() {
		FdLookup(nfd, true)
	}
	return nfd, sa, err
}

// Connect connects with the runtime-wide default timeout.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(fd, sa, ConnectTimeout())
}

// ConnectWithTimeout performs a blocking-style connect bounded by timeout;
// a negative timeout waits forever. Timeout surfaces as ETIMEDOUT,
// asynchronous failures as the socket's SO_ERROR, exactly like a blocking
// connect.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if !Enabled() {
		return unix.Connect(fd, sa)
	}
	m := FdLookup(fd, true)
	if m == nil {
		return unix.Connect(fd, sa)
	}
	if m.Closed() {
		return unix.EBADF
	}
	if !m.IsSocket() || m.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(fd, sa)
	}
	if err == nil || err != unix.EINPROGRESS {
		return err
	}

	iom := iomanager.Current()
	if iom == nil {
		return err
	}

	info := &timerInfo{}
	var tm cancelable
	if timeout >= 0 {
		tm = iom.AddConditionTimer(timeout, func() {
			info.cancelled.Store(int64(unix.ETIMEDOUT))
			_ = iom.CancelEvent(fd, api.EventWrite)
		}, info.alive)
	}

	if aerr := iom.AddEvent(fd, api.EventWrite, nil); aerr != nil {
		if tm != nil {
			tm.Cancel()
		}
		log.Error().Err(aerr).Int("fd", fd).Msg("connect: arming write event failed")
		return aerr
	}

	fiber.YieldToHold()
	info.resumed.Store(true)
	if tm != nil {
		tm.Cancel()
	}
	if e := info.cancelled.Load(); e != 0 {
		return unix.Errno(e)
	}
	if m.Closed() {
		return unix.EBADF
	}

	soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Close wakes every waiter parked on the fd, drops its metadata and closes
// the descriptor. Waiters resume into the closed-fd path and return EBADF.
func Close(fd int) error {
	if Enabled() {
		if m := FdLookup(fd, false); m != nil {
			m.closed.Store(true)
			if iom := iomanager.Current(); iom != nil {
				_ = iom.CancelAll(fd)
			}
			fdForget(fd)
		}
	}
	return unix.Close(fd)
}

// cancelable narrows *timer.Timer for the hook wrappers.
type cancelable interface{ Cancel() }
