// Package lazy provides values that are constructed at most once and shared
// by every caller. It's useful especially in global variable initialization
// to avoid slowing down program startup.
//
//	var defaultRegistry = lazy.New(newRegistry)
//
//	func Registry() *registry { return defaultRegistry.Load() }
package lazy

import (
	"sync"
	"sync/atomic"
)

// Value is a value constructed on first Load. The zero value is not usable,
// use New or NewEager.
//
// Calling Load from inside the load function deadlocks. Use a Cell if the
// constructor may reach back into the value.
type Value[T any] struct {
	once   sync.Once
	fn     func() T
	cached atomic.Pointer[T]
}

// Load returns the value, running the load function if this is the first
// call. Concurrent callers block until the first call completes.
func (v *Value[T]) Load() T {
	v.once.Do(func() {
		vv := v.fn()
		v.fn = nil
		v.cached.Store(&vv)
	})
	p := v.cached.Load()
	if p == nil {
		// once.Do returned without storing: the load function panicked.
		panic("lazy: load function panicked on a previous call")
	}
	return *p
}

// Loaded reports whether the load function has completed.
func (v *Value[T]) Loaded() bool {
	return v.cached.Load() != nil
}

// New creates a new lazy value with the given load function.
func New[T any](fn func() T) *Value[T] {
	return &Value[T]{fn: fn}
}

// NewEager creates a value and runs the load function immediately.
func NewEager[T any](fn func() T) *Value[T] {
	v := New(fn)
	_ = v.Load()
	return v
}
