package lazy

type result[T any] struct {
	value T
	err   error
}

// ValueWithError is a Value whose load function can fail. The first result,
// value or error, is kept forever: a failed load is never retried.
type ValueWithError[T any] struct {
	inner Value[result[T]]
}

// Load returns the value or the error from the load function.
func (v *ValueWithError[T]) Load() (T, error) {
	r := v.inner.Load()
	return r.value, r.err
}

// Loaded reports whether the load function has completed, successfully or not.
func (v *ValueWithError[T]) Loaded() bool {
	return v.inner.Loaded()
}

// NewWithError creates a new lazy value with the given fallible load function.
func NewWithError[T any](fn func() (T, error)) *ValueWithError[T] {
	return &ValueWithError[T]{
		inner: Value[result[T]]{fn: func() result[T] {
			value, err := fn()
			return result[T]{value: value, err: err}
		}},
	}
}

// NewEagerWithError creates a value and runs the load function immediately.
// The error, if any, is returned by every Load.
func NewEagerWithError[T any](fn func() (T, error)) *ValueWithError[T] {
	v := NewWithError(fn)
	_, _ = v.Load()
	return v
}
