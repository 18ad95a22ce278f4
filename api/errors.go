// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types shared across the hioload-fiber runtime.

package api

import "fmt"

// Common errors used across the library.
var (
	ErrSchedulerStopped = fmt.Errorf("scheduler is stopped")
	ErrInvalidTask      = fmt.Errorf("task is neither a fiber nor a closure")
	ErrEventExists      = fmt.Errorf("event already registered on fd")
	ErrEventNotFound    = fmt.Errorf("event not registered on fd")
	ErrInvalidArgument  = fmt.Errorf("invalid argument")
	ErrReactorClosed    = fmt.Errorf("reactor is closed")
	ErrNotInFiber       = fmt.Errorf("caller is not running inside a fiber")
	ErrOperationTimeout = fmt.Errorf("operation timeout")
)
