package realtime

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// registry is an ordered handler list with snapshot dispatch.
//
// Concurrency guarantees:
//   - add/remove are safe while emit is running, including from inside a handler.
//   - emit iterates a snapshot, so a handler added during emit is first called on the next emit.
//   - a handler removed during emit is not called again, even later in the same snapshot.
//   - a panicking handler is logged and does not stop delivery to the rest.
type registry[T any] struct {
	mu      sync.Mutex
	entries []*registryEntry[T]
}

type registryEntry[T any] struct {
	fn      func(T)
	removed atomic.Bool
}

// add registers fn and returns an idempotent remove func.
func (r *registry[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}

	e := &registryEntry[T]{fn: fn}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	return func() { r.remove(e) }
}

func (r *registry[T]) remove(e *registryEntry[T]) {
	if !e.removed.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cur := range r.entries {
		if cur == e {
			// Copy instead of shifting in place: snapshots may alias the old array.
			next := make([]*registryEntry[T], 0, len(r.entries)-1)
			next = append(next, r.entries[:i]...)
			next = append(next, r.entries[i+1:]...)
			r.entries = next
			return
		}
	}
}

func (r *registry[T]) snapshot() []*registryEntry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*registryEntry[T](nil), r.entries...)
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *registry[T]) clear() {
	r.mu.Lock()
	old := r.entries
	r.entries = nil
	r.mu.Unlock()

	for _, e := range old {
		e.removed.Store(true)
	}
}

func (r *registry[T]) emit(log *slog.Logger, event string, v T) {
	for _, e := range r.snapshot() {
		if e.removed.Load() {
			continue
		}
		callSafely(log, event, e.fn, v)
	}
}

func callSafely[T any](log *slog.Logger, event string, fn func(T), v T) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("realtime.handler.panic", "event", event, "panic", fmt.Sprint(rec))
		}
	}()
	fn(v)
}
