package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chord/cmd/internal/auth"
	v1 "chord/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointFromAPIBase(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{in: "https://chat.example.com/api/", want: "wss://chat.example.com/api/ws"},
		{in: "wss://chat.example.com", want: "wss://chat.example.com/ws"},
		{in: "ftp://x", wantErr: true},
		{in: "http://", wantErr: true},
	}

	for _, tc := range cases {
		got, err := EndpointFromAPIBase(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestClassifyBrokerError(t *testing.T) {
	err := classifyBrokerError(stomp.Error{Message: "Unauthorized"})
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, auth.ErrRejected)

	err = classifyBrokerError(errors.New("403 Forbidden: token expired"))
	assert.ErrorIs(t, err, ErrAuthentication)

	plain := errors.New("connection reset by peer")
	assert.Same(t, plain, classifyBrokerError(plain))
	assert.NoError(t, classifyBrokerError(nil))
}

func TestStompDialer_HandshakeRejected(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	endpoint, err := EndpointFromAPIBase(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = NewStompDialer(nil, endpoint, 0).Dial(ctx, "secret-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, "secret-token", gotToken)
}

func TestStompDialer_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws"
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewStompDialer(nil, endpoint, 0).Dial(ctx, "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthentication)
}

// stompBroker is a single-connection STOMP broker behind a WebSocket
// endpoint. It records every client frame in arrival order.
type stompBroker struct {
	srv *httptest.Server

	// receipts controls whether DISCONNECT is answered.
	receipts bool

	mu     sync.Mutex
	frames []*frame.Frame
}

func newStompBroker(t *testing.T, receipts bool) *stompBroker {
	t.Helper()

	b := &stompBroker{receipts: receipts}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *stompBroker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"v12.stomp"}})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	nc := websocket.NetConn(r.Context(), ws, websocket.MessageText)
	rd := frame.NewReader(nc)
	wr := frame.NewWriter(nc)
	for {
		f, err := rd.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue // heart-beat
		}
		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.mu.Unlock()

		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			if err := wr.Write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0")); err != nil {
				return
			}
		case frame.DISCONNECT:
			if !b.receipts {
				continue
			}
			_ = wr.Write(frame.New(frame.RECEIPT, frame.ReceiptId, f.Header.Get(frame.Receipt)))
			return
		default:
			if id, ok := f.Header.Contains(frame.Receipt); ok {
				if err := wr.Write(frame.New(frame.RECEIPT, frame.ReceiptId, id)); err != nil {
					return
				}
			}
		}
	}
}

func (b *stompBroker) endpoint(t *testing.T) string {
	t.Helper()
	endpoint, err := EndpointFromAPIBase(b.srv.URL)
	require.NoError(t, err)
	return endpoint
}

// sent returns the bodies of SEND frames addressed to destination.
func (b *stompBroker) sent(destination string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for _, f := range b.frames {
		if f.Command == frame.SEND && f.Header.Get(frame.Destination) == destination {
			out = append(out, string(f.Body))
		}
	}
	return out
}

func (b *stompBroker) count(command string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, f := range b.frames {
		if f.Command == command {
			n++
		}
	}
	return n
}

func TestStompTransport_CloseFlushesQueuedSends(t *testing.T) {
	b := newStompBroker(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, err := NewStompDialer(nil, b.endpoint(t), 0).Dial(ctx, "tok")
	require.NoError(t, err)

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Send(v1.DestSendMessage, []byte(`{"content":"hi"}`)))
	}
	require.NoError(t, tr.Close())

	assert.Len(t, b.sent(v1.DestSendMessage), n)
	assert.Equal(t, 1, b.count(frame.DISCONNECT))

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.ErrorIs(t, tr.Err(), ErrTransportClosed)
	assert.ErrorIs(t, tr.Send(v1.DestSendMessage, []byte(`{}`)), ErrTransportClosed)
}

func TestStompTransport_CloseIsBoundedWithoutReceipt(t *testing.T) {
	prev := disconnectTimeout
	disconnectTimeout = 100 * time.Millisecond
	t.Cleanup(func() { disconnectTimeout = prev })

	b := newStompBroker(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, err := NewStompDialer(nil, b.endpoint(t), 0).Dial(ctx, "tok")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tr.Close())
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	require.NoError(t, tr.Close(), "second Close is a no-op")
}

func TestSession_SendThenCloseReachesBroker(t *testing.T) {
	b := newStompBroker(t, true)

	s, err := New(Config{}, Deps{
		Tokens:  &fakeTokens{token: "tok"},
		Dialer:  NewStompDialer(nil, b.endpoint(t), 0),
		User:    alice,
		Metrics: NewMetrics(nil),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.JoinChannel("42", alice))
	require.NoError(t, s.SendMessage("hello", "42", alice))
	s.LeaveChannel("42")
	s.Close()

	assert.Len(t, b.sent(v1.DestJoinChannel), 1)
	assert.Len(t, b.sent(v1.DestLeaveChannel), 1)
	msgs := b.sent(v1.DestSendMessage)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], `"content":"hello"`)
	assert.Equal(t, 2, b.count(frame.SUBSCRIBE))
}
