package call

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// Group deduplicates concurrent calls by key: any number of callers using
// the same key while an execution is in flight share that execution. The
// registry entry is removed exactly once, when the execution resolves, so a
// later call with the same key starts fresh work.
//
// Only idempotent, side-effect-free reads belong in a Group. Deduplicating an
// operation with side effects (sending a message) would silently drop a
// legitimate duplicate user action.
type Group[T any] struct {
	mu    sync.Mutex
	calls map[uint64]*shared[T]
}

// NewGroup creates an empty deduplication registry.
func NewGroup[T any]() *Group[T] {
	return &Group[T]{calls: make(map[uint64]*shared[T])}
}

// GetOrCreate returns a handle on the in-flight execution for key, starting
// one if none exists. The producer runs outside the registry lock.
func (g *Group[T]) GetOrCreate(key uint64, producer Producer[T]) *Handle[T] {
	g.mu.Lock()
	if s, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return &Handle[T]{s: s}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &shared[T]{cancel: cancel, done: make(chan struct{})}
	g.calls[key] = s
	g.mu.Unlock()

	go s.run(ctx, producer, func() { g.remove(key, s) })
	return &Handle[T]{s: s}
}

// remove deletes the registry entry for key if it still points at s.
// Identity check makes removal idempotent under concurrent completions.
func (g *Group[T]) remove(key uint64, s *shared[T]) {
	g.mu.Lock()
	if g.calls[key] == s {
		delete(g.calls, key)
	}
	g.mu.Unlock()
}

// Len returns the number of in-flight executions.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// CancelAll cancels every in-flight execution and waits for the registry to
// drain. Waiting callers are released with ErrCanceled rather than hanging.
// Used at session teardown.
func (g *Group[T]) CancelAll() {
	g.mu.Lock()
	pending := make([]*shared[T], 0, len(g.calls))
	for _, s := range g.calls {
		pending = append(pending, s)
	}
	g.mu.Unlock()

	var eg errgroup.Group
	for _, s := range pending {
		s := s
		s.cancel()
		eg.Go(func() error {
			<-s.done
			return nil
		})
	}
	_ = eg.Wait()
}

// Key hashes the normalized parameters of a logical request into a
// deduplication key. Parameters are separated so ("ab","c") and ("a","bc")
// hash differently.
func Key(parts ...string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0x1f})
	}
	return d.Sum64()
}
