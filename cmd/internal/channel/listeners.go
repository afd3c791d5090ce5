package channel

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// listeners is an ordered subscriber list dispatched from a snapshot, so
// subscribers may (un)subscribe from inside a callback.
type listeners struct {
	mu      sync.Mutex
	entries []*listener
}

type listener struct {
	fn      func(Snapshot)
	removed atomic.Bool
}

func (l *listeners) add(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	e := &listener{fn: fn}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	return func() {
		if !e.removed.CompareAndSwap(false, true) {
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, cur := range l.entries {
			if cur == e {
				l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners) emit(log *slog.Logger, s Snapshot) {
	l.mu.Lock()
	snap := append([]*listener(nil), l.entries...)
	l.mu.Unlock()

	for _, e := range snap {
		if e.removed.Load() {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("channel.subscriber.panic", "panic", fmt.Sprint(rec))
				}
			}()
			e.fn(s)
		}()
	}
}

func (l *listeners) clear() {
	l.mu.Lock()
	old := l.entries
	l.entries = nil
	l.mu.Unlock()

	for _, e := range old {
		e.removed.Store(true)
	}
}
