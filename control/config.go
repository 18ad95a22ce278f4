// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe configuration store with dynamic update and hot-reload
// propagation. Nested YAML documents are flattened into dotted keys
// ("tcp.connect.timeout"); subscribers watch individual keys and receive
// old/new values synchronously on change.

package control

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-fiber/logging"
)

var log = logging.Component("config")

// ConfigStore is a dynamic key/value map with snapshot and listener
// support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners map[string][]func(oldVal, newVal any)
	reloaders []func()
}

// NewConfigStore initializes an empty config store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config:    make(map[string]any),
		listeners: make(map[string][]func(any, any)),
	}
}

// LoadFile reads a YAML file and merges its flattened keys.
func (cs *ConfigStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load %s: %w", path, err)
	}
	return cs.LoadYAML(data)
}

// LoadYAML merges a YAML document into the store.
func (cs *ConfigStore) LoadYAML(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config parse: %w", err)
	}
	flat := make(map[string]any)
	flatten("", doc, flat)
	cs.SetConfig(flat)
	log.Debug().Int("keys", len(flat)).Msg("configuration loaded")
	return nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}

// SetConfig merges new values, notifying key listeners for every changed
// key and reload hooks once per batch.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	type change struct {
		fns      []func(any, any)
		old, new any
	}
	var changes []change
	changed := false

	cs.mu.Lock()
	for k, v := range newCfg {
		old, had := cs.config[k]
		if had && old == v {
			continue
		}
		cs.config[k] = v
		changed = true
		if fns := cs.listeners[k]; len(fns) > 0 {
			changes = append(changes, change{fns: fns, old: old, new: v})
		}
	}
	reloaders := cs.reloaders
	cs.mu.Unlock()

	for _, c := range changes {
		for _, fn := range c.fns {
			fn(c.old, c.new)
		}
	}
	if changed {
		for _, fn := range reloaders {
			fn()
		}
	}
}

// Set updates a single key.
func (cs *ConfigStore) Set(key string, value any) {
	cs.SetConfig(map[string]any{key: value})
}

// Get returns the raw value of a key.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// GetInt returns an integer key, coercing the numeric types YAML produces.
func (cs *ConfigStore) GetInt(key string) (int, bool) {
	v, ok := cs.Get(key)
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// GetString returns a string key.
func (cs *ConfigStore) GetString(key string) (string, bool) {
	v, ok := cs.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	snap := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		snap[k] = v
	}
	return snap
}

// OnChange registers a listener for one key, invoked synchronously with
// the old and new value whenever it changes.
func (cs *ConfigStore) OnChange(key string, fn func(oldVal, newVal any)) {
	cs.mu.Lock()
	cs.listeners[key] = append(cs.listeners[key], fn)
	cs.mu.Unlock()
}

// OnReload registers a hook called once per applied change batch.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	cs.reloaders = append(cs.reloaders, fn)
	cs.mu.Unlock()
}

// AsInt coerces the numeric representations YAML and callers hand over.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
