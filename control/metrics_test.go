// File: control/metrics_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticSource map[string]int64

func (s staticSource) Stats() map[string]int64 { return s }

func TestMetricsRegistrySnapshot(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Set("uptime_s", 12)
	mr.Register("sched", staticSource{"tasks_executed": 42})

	snap := mr.Snapshot()
	assert.Equal(t, int64(12), snap["uptime_s"])
	assert.Equal(t, int64(42), snap["sched.tasks_executed"])

	mr.Unregister("sched")
	snap = mr.Snapshot()
	_, ok := snap["sched.tasks_executed"]
	assert.False(t, ok)
}
