//go:build linux

// File: internal/concurrency/pin_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux CPU pinning for scheduler workers, pure Go via sched_setaffinity.

package concurrency

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to the given CPU core. Returns the unpin function.
func PinCurrentThread(cpuID int) func() {
	runtime.LockOSThread()
	if cpuID >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(cpuID % runtime.NumCPU())
		// Affinity failures are non-fatal; the worker simply stays unpinned.
		_ = unix.SchedSetaffinity(0, &set)
	}
	return runtime.UnlockOSThread
}
