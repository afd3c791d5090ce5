package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chord/cmd/internal/auth"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
)

// STOMP over WebSocket subprotocols, most preferred first.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// A broker that rejects credentials sends an ERROR frame and then closes the
// socket. Socket errors wait this long so the frame's reason is reported first.
const socketFailGrace = 250 * time.Millisecond

// disconnectTimeout bounds the wait for the DISCONNECT receipt.
var disconnectTimeout = 2 * time.Second

// StompDialer dials the broker's WebSocket endpoint and speaks STOMP over it.
type StompDialer struct {
	log       *slog.Logger
	endpoint  string
	heartbeat time.Duration
	client    *http.Client
}

// NewStompDialer constructs a dialer for endpoint (ws:// or wss://).
// heartbeat <= 0 uses the default.
func NewStompDialer(log *slog.Logger, endpoint string, heartbeat time.Duration) *StompDialer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &StompDialer{log: log, endpoint: endpoint, heartbeat: heartbeat}
}

// EndpointFromAPIBase maps an http(s) API base URL to its ws(s) /ws endpoint.
func EndpointFromAPIBase(apiBase string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api base scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("api base has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Dial implements Dialer. The token travels as a query parameter of the
// handshake; a 401/403 response is reported as an AuthError.
func (d *StompDialer) Dial(ctx context.Context, token string) (Transport, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   d.client,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, AuthError{Reason: fmt.Errorf("%w: handshake status %d", auth.ErrRejected, resp.StatusCode)}
		}
		return nil, err
	}
	ws.SetReadLimit(maxFrameBytes)

	// The net.Conn outlives ctx, which only bounds the dial.
	connCtx, cancel := context.WithCancel(context.Background())
	t := &stompTransport{
		log:    d.log,
		ws:     ws,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.raw = &watchedConn{Conn: websocket.NetConn(connCtx, ws, websocket.MessageText), t: t}

	type result struct {
		conn *stomp.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := stomp.Connect(t.raw,
			stomp.ConnOpt.Host(u.Hostname()),
			stomp.ConnOpt.HeartBeat(d.heartbeat, d.heartbeat),
			stomp.ConnOpt.Header("Authorization", "Bearer "+token),
			stomp.ConnOpt.DisconnectReceiptTimeout(disconnectTimeout),
		)
		ch <- result{conn: c, err: err}
	}()

	select {
	case <-ctx.Done():
		t.shutdown(ctx.Err())
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			cerr := classifyBrokerError(r.err)
			t.shutdown(cerr)
			return nil, cerr
		}
		t.conn = r.conn
	}

	d.log.Debug("realtime.stomp.connected", "endpoint", d.endpoint, "subprotocol", ws.Subprotocol())
	return t, nil
}

// classifyBrokerError turns STOMP ERROR frames that reject credentials into
// AuthError; anything else stays a transport error.
func classifyBrokerError(err error) error {
	if err == nil {
		return nil
	}

	text := err.Error()
	var serr stomp.Error
	if errors.As(err, &serr) {
		text = serr.Message
		if serr.Frame != nil {
			text += " " + string(serr.Frame.Body)
		}
	}
	if looksLikeAuthFailure(text) {
		return AuthError{Reason: fmt.Errorf("%w: %s", auth.ErrRejected, strings.TrimSpace(text))}
	}
	return err
}

type stompTransport struct {
	log    *slog.Logger
	ws     *websocket.Conn
	raw    *watchedConn
	conn   *stomp.Conn
	cancel context.CancelFunc

	once    sync.Once
	closing atomic.Bool
	done    chan struct{}
	err     error
}

func (t *stompTransport) Subscribe(destination string, deliver func([]byte)) (Subscription, error) {
	sub, err := t.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}

	s := &stompSubscription{sub: sub}
	s.live.Store(true)
	go s.pump(t, deliver)
	return s, nil
}

func (t *stompTransport) Send(destination string, body []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	return t.conn.Send(destination, "application/json", body)
}

func (t *stompTransport) Done() <-chan struct{} { return t.done }

func (t *stompTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close sends DISCONNECT and waits up to disconnectTimeout for the receipt,
// which the broker only issues after every earlier frame. A broker that never
// answers is cut off.
func (t *stompTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	if t.conn != nil {
		finished := make(chan error, 1)
		go func() { finished <- t.conn.Disconnect() }()

		// Disconnect enforces the receipt timeout itself; the guard covers a
		// write loop that is already gone.
		guard := time.NewTimer(disconnectTimeout + socketFailGrace)
		defer guard.Stop()
		select {
		case err := <-finished:
			if err != nil {
				t.log.Debug("realtime.stomp.disconnect", "err", err)
			}
		case <-t.done:
		case <-guard.C:
			t.log.Warn("realtime.stomp.disconnect", "err", "write loop stalled")
		}
	}
	t.shutdown(ErrTransportClosed)
	return nil
}

// fail records the first cause and releases everything.
func (t *stompTransport) fail(err error) {
	if t.closing.Load() {
		return
	}
	t.shutdown(err)
}

func (t *stompTransport) shutdown(err error) {
	t.once.Do(func() {
		if err == nil {
			err = ErrTransportClosed
		}
		t.err = err
		close(t.done)
		_ = t.ws.CloseNow()
		t.cancel()
	})
}

type stompSubscription struct {
	sub  *stomp.Subscription
	live atomic.Bool
}

// pump delivers frames for one subscription in arrival order.
func (s *stompSubscription) pump(t *stompTransport, deliver func([]byte)) {
	for msg := range s.sub.C {
		if msg == nil {
			continue
		}
		if msg.Err != nil {
			t.log.Warn("realtime.stomp.error", "err", msg.Err)
			t.fail(classifyBrokerError(msg.Err))
			return
		}
		if s.live.Load() {
			deliver(msg.Body)
		}
	}
	if s.live.Load() {
		t.fail(ErrTransportClosed)
	}
}

// Unsubscribe stops delivery immediately; the broker UNSUBSCRIBE is sent in
// the background so a slow socket never blocks the caller.
func (s *stompSubscription) Unsubscribe() error {
	if !s.live.CompareAndSwap(true, false) {
		return nil
	}
	go func() { _ = s.sub.Unsubscribe() }()
	return nil
}

// watchedConn reports socket failures to the transport.
type watchedConn struct {
	net.Conn
	t *stompTransport
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.failLater(&TransportError{Op: "read", Err: err})
	}
	return n, err
}

func (c *watchedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.t.fail(&TransportError{Op: "write", Err: err})
	}
	return n, err
}

func (c *watchedConn) Close() error {
	c.failLater(ErrTransportClosed)
	return c.Conn.Close()
}

func (c *watchedConn) failLater(err error) {
	time.AfterFunc(socketFailGrace, func() { c.t.fail(err) })
}
