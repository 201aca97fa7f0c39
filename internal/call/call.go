// Package call provides one-shot asynchronous call handles and a
// deduplicating registry that shares a single in-flight execution between
// concurrent identical requests.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrCanceled reports that the shared work behind a handle was canceled
	// before it resolved.
	ErrCanceled = errors.New("call canceled")

	// ErrAlreadyExecuted reports that a one-shot handle was awaited or
	// enqueued a second time.
	ErrAlreadyExecuted = errors.New("call already executed")
)

// Producer runs the underlying request. It must honor ctx cancellation.
type Producer[T any] func(ctx context.Context) (T, error)

// shared is the single execution of a producer, observed by any number of
// handles.
type shared[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}
	value  T
	err    error
}

func (s *shared[T]) run(ctx context.Context, producer Producer[T], onDone func()) {
	value, err := func() (v T, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("producer panic: %v", r)
			}
		}()
		return producer(ctx)
	}()
	if err != nil && errors.Is(err, context.Canceled) {
		err = ErrCanceled
	}
	s.value, s.err = value, err
	close(s.done)
	onDone()
}

// Handle is a one-shot view of a shared call. Multiple handles may observe
// the same execution; each individual handle can be consumed once.
type Handle[T any] struct {
	s        *shared[T]
	consumed atomic.Bool
}

// Result blocks until the shared work resolves and returns its outcome.
// A second Result or Enqueue on the same handle returns ErrAlreadyExecuted.
func (h *Handle[T]) Result(ctx context.Context) (T, error) {
	var zero T
	if !h.consumed.CompareAndSwap(false, true) {
		return zero, ErrAlreadyExecuted
	}
	select {
	case <-h.s.done:
		return h.s.value, h.s.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Enqueue registers a completion callback without blocking the caller.
func (h *Handle[T]) Enqueue(fn func(T, error)) {
	if !h.consumed.CompareAndSwap(false, true) {
		var zero T
		fn(zero, ErrAlreadyExecuted)
		return
	}
	go func() {
		<-h.s.done
		fn(h.s.value, h.s.err)
	}()
}

// Cancel cancels the shared work. Every handle sharing the execution observes
// ErrCanceled. If the producer has already resolved, resolution wins and the
// cancellation is a no-op.
func (h *Handle[T]) Cancel() {
	h.s.cancel()
}
