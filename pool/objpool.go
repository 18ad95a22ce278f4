// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Object pooling for allocation-heavy hot paths such as the reactor's
// per-poll event buffers. Pools used for buffers that carry kernel state
// (fd numbers, event masks) attach a reset hook so a recycled object never
// leaks one poll's results into the next borrower.

package pool

import "sync"

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for generic usage. The optional reset hook runs
// on every Put, returning the object in its clean form.
type SyncPool[T any] struct {
	pool  *sync.Pool
	reset func(T) T
}

// NewSyncPool creates a SyncPool with a creator function and no reset.
// Use only for objects whose stale content is harmless.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	return NewSyncPoolWithReset(creator, nil)
}

// NewSyncPoolWithReset creates a SyncPool that scrubs objects on Put.
func NewSyncPoolWithReset[T any](creator func() T, reset func(T) T) *SyncPool[T] {
	return &SyncPool[T]{
		pool:  &sync.Pool{New: func() any { return creator() }},
		reset: reset,
	}
}

// Get takes an object from the pool, constructing one if empty.
func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

// Put scrubs the object through the reset hook and returns it to the pool.
func (sp *SyncPool[T]) Put(obj T) {
	if sp.reset != nil {
		obj = sp.reset(obj)
	}
	sp.pool.Put(obj)
}
