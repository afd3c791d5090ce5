package realtime

import (
	"context"
	"time"
)

// Transport is one live broker connection. Implementations deliver each
// subscription's frames from a single goroutine, in arrival order.
type Transport interface {
	// Subscribe starts delivering frame bodies for destination to deliver.
	Subscribe(destination string, deliver func(body []byte)) (Subscription, error)
	// Send publishes a JSON body to destination.
	Send(destination string, body []byte) error
	// Done is closed when the connection is gone, for whatever reason.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	// Close tears the connection down after frames already passed to Send are
	// flushed. The wait is bounded and never depends on in-flight deliveries.
	Close() error
}

// Subscription is the transport-owned handle of one topic subscription.
// After Unsubscribe returns no further frame is delivered for it.
type Subscription interface {
	Unsubscribe() error
}

// Dialer opens an authenticated Transport.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, token string) (Transport, error) { return f(ctx, token) }

// TokenSource is the auth collaborator consumed by the session.
type TokenSource interface {
	// Token returns a usable token or an error when it is missing or expired.
	Token() (string, error)
	// Invalidate clears stored credentials and asks the user to log in again.
	Invalidate(reason error)
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. The default is time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
