// control/debug.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime debug probes for on-demand state inspection. Unlike the metrics
// registry, which aggregates numeric counters, probes capture arbitrary
// component state at the moment DumpState is called: scheduler dumps, live
// fiber counts, platform facts.

package control

import (
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/momentics/hioload-fiber/fiber"
)

// Dumper is anything that can render its state as text, like a scheduler.
type Dumper interface {
	Dump(w io.Writer)
}

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// RegisterStats exposes a counter source as a probe, one snapshot per dump.
func (dp *DebugProbes) RegisterStats(name string, src StatsSource) {
	dp.RegisterProbe(name, func() any { return src.Stats() })
}

// RegisterDump exposes a Dumper's rendered state as a probe.
func (dp *DebugProbes) RegisterDump(name string, d Dumper) {
	dp.RegisterProbe(name, func() any {
		var sb strings.Builder
		d.Dump(&sb)
		return strings.TrimRight(sb.String(), "\n")
	})
}

// DumpState returns output of all probes.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any, len(dp.probes))
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}

// RegisterRuntimeProbes attaches the probes every runtime carries: live
// fiber count, goroutine count, and the platform facts.
func RegisterRuntimeProbes(dp *DebugProbes) {
	dp.RegisterProbe("fibers.live", func() any {
		return fiber.TotalFibers()
	})
	dp.RegisterProbe("goroutines", func() any {
		return runtime.NumGoroutine()
	})
	RegisterPlatformProbes(dp)
}
