// File: hook/fdtable.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-fd metadata the hook layer keys its decisions on. Entries are created
// lazily on first observation of a descriptor; sockets are forced into
// kernel nonblocking mode while the flag the application asked for is
// tracked separately and emulated.

package hook

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FdMeta is the hook-layer view of one file descriptor.
type FdMeta struct {
	fd int

	isSocket bool
	// sysNonblock: nonblocking mode forced onto the kernel fd by the
	// runtime. userNonblock: what the application explicitly requested.
	sysNonblock  bool
	userNonblock atomic.Bool
	closed       atomic.Bool

	// recv/send timeouts in milliseconds, -1 = infinite.
	recvTimeoutMs atomic.Int64
	sendTimeoutMs atomic.Int64
}

func newFdMeta(fd int) *FdMeta {
	m := &FdMeta{fd: fd}
	m.recvTimeoutMs.Store(-1)
	m.sendTimeoutMs.Store(-1)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return m
	}
	if st.Mode&unix.S_IFMT == unix.S_IFSOCK {
		m.isSocket = true
		// The app keeps blocking semantics; the kernel never blocks us.
		if err := unix.SetNonblock(fd, true); err == nil {
			m.sysNonblock = true
		}
	}
	return m
}

// IsSocket reports whether the fd is a socket.
func (m *FdMeta) IsSocket() bool { return m.isSocket }

// SysNonblock reports the kernel-level nonblocking flag the runtime forced.
func (m *FdMeta) SysNonblock() bool { return m.sysNonblock }

// UserNonblock reports the application-visible nonblocking intent.
func (m *FdMeta) UserNonblock() bool { return m.userNonblock.Load() }

// SetUserNonblock records the application's nonblocking intent.
func (m *FdMeta) SetUserNonblock(on bool) { m.userNonblock.Store(on) }

// Closed reports whether the fd went through hooked close.
func (m *FdMeta) Closed() bool { return m.closed.Load() }

// Timeout returns the timeout of the direction named by opt (SO_RCVTIMEO
// for receive, anything else for send) in milliseconds, -1 for infinite.
func (m *FdMeta) Timeout(opt int) int64 {
	if opt == unix.SO_RCVTIMEO {
		return m.recvTimeoutMs.Load()
	}
	return m.sendTimeoutMs.Load()
}

// SetTimeout records a per-direction timeout in milliseconds.
func (m *FdMeta) SetTimeout(opt int, ms int64) {
	if opt == unix.SO_RCVTIMEO {
		m.recvTimeoutMs.Store(ms)
		return
	}
	m.sendTimeoutMs.Store(ms)
}

// fdTable maps fd -> *FdMeta with lazy growth, read-mostly.
type fdTable struct {
	mu    sync.RWMutex
	metas []*FdMeta
}

var table = &fdTable{}

// FdLookup returns the metadata of fd. With autoCreate it stats the fd and
// builds the entry on first sight; otherwise absent entries return nil.
func FdLookup(fd int, autoCreate bool) *FdMeta {
	if fd < 0 {
		return nil
	}
	table.mu.RLock()
	if fd < len(table.metas) {
		if m := table.metas[fd]; m != nil || !autoCreate {
			table.mu.RUnlock()
			return m
		}
	} else if !autoCreate {
		table.mu.RUnlock()
		return nil
	}
	table.mu.RUnlock()

	table.mu.Lock()
	defer table.mu.Unlock()
	if fd >= len(table.metas) {
		size := len(table.metas) * 3 / 2
		if size < fd+1 {
			size = fd + 1
		}
		grown := make([]*FdMeta, size)
		copy(grown, table.metas)
		table.metas = grown
	}
	if table.metas[fd] == nil {
		table.metas[fd] = newFdMeta(fd)
	}
	return table.metas[fd]
}

// fdForget drops the metadata of fd on close.
func fdForget(fd int) {
	table.mu.Lock()
	defer table.mu.Unlock()
	if fd >= 0 && fd < len(table.metas) {
		table.metas[fd] = nil
	}
}
