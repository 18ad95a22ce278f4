//go:build !linux

// control/platform_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fallback debug probes for platforms without specific integrations.

package control

import "runtime"

// RegisterPlatformProbes sets generic platform probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
}
