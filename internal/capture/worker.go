package capture

import (
	"fmt"
	"runtime"
)

// Future is a single-resolution completion handle for work running on a
// dedicated worker.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn on a new goroutine pinned to its own OS thread, for work that
// blocks in ways the scheduler should not have to absorb on shared threads.
// A panic in fn resolves the future with an error.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		f.val, f.err = fn()
	}()
	return f
}

// Done is closed when the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the future has resolved, without blocking.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future resolves and returns its value.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}
