package endpoint

import (
	"sync"
	"sync/atomic"

	"firelink/internal/firebase"
)

// Continuation delivers the result of one asynchronous call. It resolves at
// most once; later attempts are ignored.
type Continuation[T any] struct {
	once     sync.Once
	resolved atomic.Bool
	fn       func(T)
}

// NewContinuation wraps fn, which is invoked on the first Resolve.
func NewContinuation[T any](fn func(T)) *Continuation[T] {
	return &Continuation[T]{fn: fn}
}

// Resolve delivers v and reports whether this call was the one that did.
func (k *Continuation[T]) Resolve(v T) bool {
	if k == nil {
		return false
	}
	first := false
	k.once.Do(func() {
		first = true
		k.resolved.Store(true)
		if k.fn != nil {
			k.fn(v)
		}
	})
	return first
}

// Resolved reports whether Resolve has been called.
func (k *Continuation[T]) Resolved() bool {
	return k != nil && k.resolved.Load()
}

// Result is the outcome of a call that produces a value.
type Result[T any] struct {
	Value T               `json:"value"`
	Err   *firebase.Error `json:"error,omitempty"`
}

// Status is the outcome of a call that produces no value. A nil Err means
// success.
type Status struct {
	Err *firebase.Error `json:"error,omitempty"`
}

type (
	StatusContinuation   = Continuation[Status]
	AuthContinuation     = Continuation[Result[*firebase.AuthData]]
	SnapshotContinuation = Continuation[Result[firebase.Snapshot]]
	KeyContinuation      = Continuation[Result[string]]
)

// errOf converts a native error to a plain error without producing a
// non-nil interface around a nil pointer.
func errOf(err *firebase.Error) error {
	if err == nil {
		return nil
	}
	return err
}
