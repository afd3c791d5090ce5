package channel

import (
	"sync"
	"time"
)

// Default outbound typing throttle: one "typing" ping per window.
const (
	defaultTypingThrottleEvents = 1
	defaultTypingThrottleWindow = 3 * time.Second
)

// Throttle is a sliding-window limiter for outbound best-effort actions.
type Throttle struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewThrottle constructs a Throttle with safe defaults when inputs are invalid.
func NewThrottle(limit int, window time.Duration) *Throttle {
	if limit <= 0 {
		limit = defaultTypingThrottleEvents
	}
	if window <= 0 {
		window = defaultTypingThrottleWindow
	}
	return &Throttle{
		events: make([]time.Time, 0, limit+1),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be let through.
func (t *Throttle) Allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cut := now.Add(-t.window)
	dst := t.events[:0]
	for _, e := range t.events {
		if e.After(cut) {
			dst = append(dst, e)
		}
	}
	t.events = dst

	if len(t.events) >= t.limit {
		return false
	}
	t.events = append(t.events, now)
	return true
}

// Reset forgets past events, e.g. on channel switch.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.events = t.events[:0]
	t.mu.Unlock()
}
