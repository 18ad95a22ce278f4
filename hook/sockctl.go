// File: hook/sockctl.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Control-plane wrappers: fcntl, ioctl and socket options. Their job is to
// keep the application's view of the nonblocking flag separate from the
// nonblocking mode the runtime forces onto the kernel fd, and to mirror
// SO_RCVTIMEO/SO_SNDTIMEO into the fd metadata the async wrap consults.

package hook

import (
	"golang.org/x/sys/unix"
)

// FcntlSetfl applies F_SETFL. The application's O_NONBLOCK intent is
// recorded; the value reaching the kernel always carries the runtime's
// forced nonblock bit for hooked sockets.
func FcntlSetfl(fd int, flags int) error {
	m := FdLookup(fd, false)
	if !Enabled() || m == nil || m.Closed() || !m.IsSocket() {
		_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
		return err
	}
	m.SetUserNonblock(flags&unix.O_NONBLOCK != 0)
	if m.SysNonblock() {
		flags |= unix.O_NONBLOCK
	} else {
		flags &^= unix.O_NONBLOCK
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
	return err
}

// FcntlGetfl reads F_GETFL with the runtime's forced nonblock bit masked
// so the application observes only its own intent.
func FcntlGetfl(fd int) (int, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return flags, err
	}
	m := FdLookup(fd, false)
	if !Enabled() || m == nil || m.Closed() || !m.IsSocket() {
		return flags, nil
	}
	if m.UserNonblock() {
		return flags | unix.O_NONBLOCK, nil
	}
	return flags &^ unix.O_NONBLOCK, nil
}

// IoctlSetNonblock is the FIONBIO equivalent of the F_SETFL update.
func IoctlSetNonblock(fd int, on bool) error {
	m := FdLookup(fd, false)
	if !Enabled() || m == nil || m.Closed() || !m.IsSocket() {
		v := 0
		if on {
			v = 1
		}
		return unix.IoctlSetPointerInt(fd, unix.FIONBIO, v)
	}
	m.SetUserNonblock(on)
	// The kernel fd stays nonblocking regardless of the application's ask.
	return unix.IoctlSetPointerInt(fd, unix.FIONBIO, 1)
}

// SetsockoptTimeval forwards the option and mirrors receive/send timeouts
// into the fd metadata, where the async wrap picks them up.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if Enabled() && level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) && tv != nil {
		if m := FdLookup(fd, true); m != nil {
			ms := int64(tv.Sec)*1000 + int64(tv.Usec)/1000
			if ms <= 0 {
				// A zero timeval means block forever.
				ms = -1
			}
			m.SetTimeout(opt, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// SetsockoptInt is a pass-through kept for interposition completeness.
func SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// GetsockoptInt is a pass-through kept for interposition completeness.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}
