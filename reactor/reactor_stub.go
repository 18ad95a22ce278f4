//go:build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub used on platforms without a supported readiness facility.

package reactor

import "fmt"

// New reports the platform as unsupported.
func New() (Reactor, error) {
	return nil, fmt.Errorf("reactor: unsupported platform")
}
