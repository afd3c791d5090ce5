// Package main is a smoke test for a live chord broker.
//
// It validates:
//   - STOMP over WebSocket handshake with two independent sessions
//   - channel join for both sessions
//   - send from A and fanout to A and B
//   - the echo arrives exactly once per session
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"chord/cmd/internal/auth"
	"chord/cmd/internal/realtime"
	v1 "chord/shared/contracts/realtime/v1"
)

type smokeClient struct {
	name    string
	session *realtime.Session
	user    v1.UserContext

	mu    sync.Mutex
	echos int
	got   chan struct{}
}

func main() {
	var (
		apiBase = flag.String("api", "http://127.0.0.1:8080/api", "API base URL; the broker is {api}/ws")
		tokenA  = flag.String("token-a", os.Getenv("CHORD_SMOKE_TOKEN_A"), "access token of client A")
		tokenB  = flag.String("token-b", os.Getenv("CHORD_SMOKE_TOKEN_B"), "access token of client B")
		chanID  = flag.String("channel", "1", "channel id to join")
		settle  = flag.Duration("settle", 2*time.Second, "extra wait for duplicate echoes")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	endpoint, err := realtime.EndpointFromAPIBase(*apiBase)
	if err != nil {
		fatalf("invalid -api: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	root := context.Background()
	channelID := v1.ID(*chanID)
	text := fmt.Sprintf("smoke %d", time.Now().UnixNano())

	a := mustConnect(root, log, "A", endpoint, *tokenA, text, *timeout)
	defer a.session.Close()
	b := mustConnect(root, log, "B", endpoint, *tokenB, text, *timeout)
	defer b.session.Close()

	mustJoin(a, channelID)
	mustJoin(b, channelID)

	// Subscriptions are asynchronous on the broker side.
	time.Sleep(300 * time.Millisecond)

	if err := a.session.SendMessage(text, channelID, a.user); err != nil {
		fatalf("send (A): %v", err)
	}

	a.mustReceive(*timeout)
	b.mustReceive(*timeout)
	time.Sleep(*settle)

	for _, c := range []*smokeClient{a, b} {
		if n := c.count(); n != 1 {
			fatalf("client %s received the echo %d times, want 1", c.name, n)
		}
	}

	fmt.Printf("OK: %s and %s each received %q once on channel %s\n", a.user.Name, b.user.Name, text, channelID)
}

func mustConnect(parent context.Context, log *slog.Logger, name, endpoint, token, text string, stepTimeout time.Duration) *smokeClient {
	tokens := auth.NewStore(log)
	claims, err := tokens.SetToken(token)
	if err != nil {
		fatalf("token (%s): %v", name, err)
	}

	sess, err := realtime.New(realtime.Config{DialTimeout: stepTimeout}, realtime.Deps{
		Log:    log.With("client", name),
		Tokens: tokens,
		Dialer: realtime.NewStompDialer(log, endpoint, 0),
		User:   claims.User(),
	})
	if err != nil {
		fatalf("session (%s): %v", name, err)
	}

	c := &smokeClient{name: name, session: sess, user: claims.User(), got: make(chan struct{}, 1)}
	sess.OnMessage(func(env v1.Envelope) {
		if env.Kind != v1.KindMessage {
			return
		}
		m, err := env.Message()
		if err != nil || m.Content != text {
			return
		}
		c.mu.Lock()
		c.echos++
		c.mu.Unlock()
		select {
		case c.got <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		fatalf("connect (%s): %v", name, err)
	}
	return c
}

func mustJoin(c *smokeClient, channelID v1.ID) {
	if err := c.session.JoinChannel(channelID, c.user); err != nil {
		fatalf("join (%s): %v", c.name, err)
	}
}

func (c *smokeClient) mustReceive(stepTimeout time.Duration) {
	select {
	case <-c.got:
	case <-time.After(stepTimeout):
		fatalf("timeout waiting for echo (%s), state=%s", c.name, c.session.State())
	}
}

func (c *smokeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.echos
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
