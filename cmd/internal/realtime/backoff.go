package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures the bounded exponential reconnection policy:
// delay(n) = Base * Multiplier^n, capped at Max, for n in [0, MaxAttempts).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff returns the policy used when Config leaves fields unset.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        defaultReconnectBaseDelay,
		Max:         defaultReconnectMaxDelay,
		Multiplier:  reconnectMultiplier,
		MaxAttempts: defaultReconnectMaxAttempts,
	}
}

// NewPolicy returns a fresh retry sequence. Delays carry no jitter and the
// sequence never expires by elapsed time; it yields backoff.Stop after
// MaxAttempts delays. The result is not safe for concurrent use.
func (b Backoff) NewPolicy() backoff.BackOff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(b.Base),
		backoff.WithMaxInterval(b.Max),
		backoff.WithMultiplier(b.Multiplier),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithMaxRetries(exp, uint64(b.MaxAttempts))
	policy.Reset()
	return policy
}
