package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	v1 "chord/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

// ---- transport ----

type sentFrame struct {
	dest string
	body []byte
}

type fakeTransport struct {
	mu           sync.Mutex
	subs         []*fakeSub
	subscribed   []string
	unsubscribed []string
	sent         []sentFrame
	closed       bool

	// closeGate, when set, holds Close until it is closed.
	closeGate    chan struct{}
	closeStarted bool

	once sync.Once
	done chan struct{}
	err  error
}

type fakeSub struct {
	t       *fakeTransport
	topic   string
	deliver func([]byte)
	active  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (t *fakeTransport) Subscribe(dest string, deliver func([]byte)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &fakeSub{t: t, topic: dest, deliver: deliver, active: true}
	t.subs = append(t.subs, s)
	t.subscribed = append(t.subscribed, dest)
	return s, nil
}

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if s.active {
		s.active = false
		s.t.unsubscribed = append(s.t.unsubscribed, s.topic)
	}
	return nil
}

func (t *fakeTransport) Send(dest string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	t.sent = append(t.sent, sentFrame{dest: dest, body: append([]byte(nil), body...)})
	return nil
}

func (t *fakeTransport) Done() <-chan struct{} { return t.done }

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closeStarted = true
	gate := t.closeGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.drop(ErrTransportClosed)
	return nil
}

// drop simulates the connection going away.
func (t *fakeTransport) drop(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

// push delivers body to every active subscription of topic, synchronously.
func (t *fakeTransport) push(topic, body string) {
	t.mu.Lock()
	var targets []*fakeSub
	for _, s := range t.subs {
		if s.active && s.topic == topic {
			targets = append(targets, s)
		}
	}
	t.mu.Unlock()

	for _, s := range targets {
		s.deliver([]byte(body))
	}
}

func (t *fakeTransport) sentTo(dest string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out [][]byte
	for _, f := range t.sent {
		if f.dest == dest {
			out = append(out, f.body)
		}
	}
	return out
}

func (t *fakeTransport) snapshot() (subscribed, unsubscribed []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.subscribed...), append([]string(nil), t.unsubscribed...)
}

func (t *fakeTransport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeStarted
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ---- dialer ----

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failures   []error
	transports []*fakeTransport
	gate       chan struct{}
}

// failNext queues errors returned by the next dials, in order.
func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	tr := newFakeTransport()
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) transportCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// ---- tokens ----

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidated []error
}

func (f *fakeTokens) Token() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeTokens) Invalidate(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, reason)
}

func (f *fakeTokens) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTokens) invalidations() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.invalidated...)
}

// ---- timers ----

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{c: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *manualClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *manualClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.d)
	}
	return out
}

// fireLast runs the newest timer if it is still armed.
func (c *manualClock) fireLast(t *testing.T) {
	t.Helper()

	c.mu.Lock()
	require.NotEmpty(t, c.timers, "no timer scheduled")
	tm := c.timers[len(c.timers)-1]
	armed := !tm.stopped && !tm.fired
	tm.fired = true
	c.mu.Unlock()

	if armed {
		tm.f()
	}
}

// ---- recorders ----

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// ---- helpers ----

var (
	alice = v1.UserContext{ID: "1", Name: "alice"}
	bob   = v1.UserContext{ID: "2", Name: "bob"}
)

type harness struct {
	s       *Session
	dialer  *fakeDialer
	tokens  *fakeTokens
	clock   *manualClock
	metrics *Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		dialer:  &fakeDialer{},
		tokens:  &fakeTokens{token: "tok"},
		clock:   &manualClock{},
		metrics: NewMetrics(nil),
	}
	s, err := New(cfg, Deps{
		Tokens:    h.tokens,
		Dialer:    h.dialer,
		User:      alice,
		Metrics:   h.metrics,
		AfterFunc: h.clock.AfterFunc,
		Now:       func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	h.s = s
	return h
}

func (h *harness) connect(t *testing.T) *fakeTransport {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.s.Connect(ctx))
	require.Equal(t, StateConnected, h.s.State())
	return h.dialer.last()
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.s.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s (now %s)", want, h.s.State())
}

func messageFrame(t *testing.T, id, channelID, content string) string {
	t.Helper()

	env, err := v1.NewEnvelope(v1.KindMessage, v1.ChatMessage{
		ID:        v1.ID(id),
		Content:   content,
		Author:    v1.Author{ID: bob.ID, Name: bob.Name},
		ChannelID: v1.ID(channelID),
		Timestamp: v1.At(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	return string(b)
}
