// File: logging/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Central zerolog setup for the runtime. Components obtain a tagged child
// logger once at package init; the level can be tightened globally from
// configuration or the HIOLOAD_LOG environment variable.

package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if lvl := os.Getenv("HIOLOAD_LOG"); lvl != "" {
		SetLevel(lvl)
	}
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

// SetLevel adjusts the global log level. Unknown names are ignored.
func SetLevel(level string) {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

// SetOutput replaces the root logger's writer, mainly for tests and CLI
// harnesses. Only loggers obtained from Component afterwards write to w;
// component loggers created earlier, including the package-level ones, keep
// their previous writer.
func SetOutput(w io.Writer) {
	mu.Lock()
	root = zerolog.New(w).With().Timestamp().Logger()
	mu.Unlock()
}
