// File: control/config_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-fiber/fiber"
)

const sampleYAML = `
fiber:
  stack_size: 262144
tcp:
  connect:
    timeout: 1500
log:
  level: warn
`

func TestLoadYAMLFlattensNestedKeys(t *testing.T) {
	cs := NewConfigStore()
	require.NoError(t, cs.LoadYAML([]byte(sampleYAML)))

	n, ok := cs.GetInt("fiber.stack_size")
	require.True(t, ok)
	assert.Equal(t, 262144, n)

	n, ok = cs.GetInt("tcp.connect.timeout")
	require.True(t, ok)
	assert.Equal(t, 1500, n)

	s, ok := cs.GetString("log.level")
	require.True(t, ok)
	assert.Equal(t, "warn", s)
}

func TestOnChangeSeesOldAndNewValues(t *testing.T) {
	cs := NewConfigStore()
	cs.Set("tcp.connect.timeout", 5000)

	var gotOld, gotNew any
	calls := 0
	cs.OnChange("tcp.connect.timeout", func(oldVal, newVal any) {
		gotOld, gotNew = oldVal, newVal
		calls++
	})

	cs.Set("tcp.connect.timeout", 200)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 5000, gotOld)
	assert.Equal(t, 200, gotNew)

	// Same value again: no notification.
	cs.Set("tcp.connect.timeout", 200)
	assert.Equal(t, 1, calls)
}

func TestOnReloadFiresOncePerBatch(t *testing.T) {
	cs := NewConfigStore()
	reloads := 0
	cs.OnReload(func() { reloads++ })

	cs.SetConfig(map[string]any{"a": 1, "b": 2, "c": 3})
	assert.Equal(t, 1, reloads)

	cs.SetConfig(map[string]any{"a": 1})
	assert.Equal(t, 1, reloads, "unchanged batch must not trigger a reload")
}

func TestBindRuntimeAppliesStackSize(t *testing.T) {
	old := fiber.DefaultStackSize()
	defer fiber.SetDefaultStackSize(old)

	cs := NewConfigStore()
	require.NoError(t, cs.LoadYAML([]byte(sampleYAML)))
	BindRuntime(cs)
	assert.Equal(t, 262144, fiber.DefaultStackSize())

	cs.Set("fiber.stack_size", 65536)
	assert.Equal(t, 65536, fiber.DefaultStackSize())
}

func TestSnapshotIsACopy(t *testing.T) {
	cs := NewConfigStore()
	cs.Set("k", "v")
	snap := cs.GetSnapshot()
	snap["k"] = "mutated"
	v, _ := cs.GetString("k")
	assert.Equal(t, "v", v)
}
