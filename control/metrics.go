// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics collector. Components publish counter snapshots under a
// namespace; consumers read one merged view.

package control

import (
	"sync"
	"time"
)

// StatsSource is anything that can report counters, like a scheduler or an
// I/O manager.
type StatsSource interface {
	Stats() map[string]int64
}

// MetricsRegistry aggregates counters from registered sources plus ad-hoc
// values.
type MetricsRegistry struct {
	mu      sync.RWMutex
	sources map[string]StatsSource
	values  map[string]int64
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		sources: make(map[string]StatsSource),
		values:  make(map[string]int64),
	}
}

// Register attaches a stats source under the given namespace.
func (mr *MetricsRegistry) Register(namespace string, src StatsSource) {
	mr.mu.Lock()
	mr.sources[namespace] = src
	mr.mu.Unlock()
}

// Unregister detaches a namespace.
func (mr *MetricsRegistry) Unregister(namespace string) {
	mr.mu.Lock()
	delete(mr.sources, namespace)
	mr.mu.Unlock()
}

// Set records an ad-hoc counter value.
func (mr *MetricsRegistry) Set(key string, value int64) {
	mr.mu.Lock()
	mr.values[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Snapshot merges source counters (prefixed with their namespace) and
// ad-hoc values into one map.
func (mr *MetricsRegistry) Snapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.values))
	for k, v := range mr.values {
		out[k] = v
	}
	for ns, src := range mr.sources {
		for k, v := range src.Stats() {
			out[ns+"."+k] = v
		}
	}
	return out
}
