// File: control/runtime.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bindings between the config store and runtime-wide knobs.

package control

import (
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/logging"
)

// BindRuntime subscribes runtime knobs to the store: fiber.stack_size and
// log.level are applied immediately and follow subsequent reloads.
func BindRuntime(cs *ConfigStore) {
	if n, ok := cs.GetInt("fiber.stack_size"); ok {
		fiber.SetDefaultStackSize(n)
	}
	cs.OnChange("fiber.stack_size", func(_, newVal any) {
		if n, ok := AsInt(newVal); ok {
			fiber.SetDefaultStackSize(n)
			log.Info().Int("bytes", n).Msg("fiber stack size changed")
		}
	})

	if lvl, ok := cs.GetString("log.level"); ok {
		logging.SetLevel(lvl)
	}
	cs.OnChange("log.level", func(_, newVal any) {
		if lvl, ok := newVal.(string); ok {
			logging.SetLevel(lvl)
		}
	})
}
