//go:build !linux

// File: internal/concurrency/pin_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// No-op pinning fallback for platforms without sched_setaffinity.

package concurrency

import "runtime"

// PinCurrentThread locks the calling goroutine to its OS thread. CPU
// affinity is not applied on this platform.
func PinCurrentThread(cpuID int) func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}
