package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chord/cmd/internal/realtime"
	v1 "chord/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

var (
	alice = v1.UserContext{ID: "1", Name: "alice"}
	bob   = v1.UserContext{ID: "2", Name: "bob"}
	carol = v1.UserContext{ID: "3", Name: "carol"}
)

// fakeSession records outgoing calls and lets tests inject envelopes.
type fakeSession struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(v1.Envelope)
	order    []int

	joins   []v1.ID
	leaves  []v1.ID
	sent    []string
	typing  []bool
	sendErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[int]func(v1.Envelope))}
}

func (f *fakeSession) JoinChannel(channelID v1.ID, _ v1.UserContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, channelID)
	return nil
}

func (f *fakeSession) LeaveChannel(channelID v1.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, channelID)
}

func (f *fakeSession) SendMessage(content string, _ v1.ID, _ v1.UserContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeSession) SendTyping(_ v1.ID, _ v1.UserContext, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, isTyping)
	return nil
}

func (f *fakeSession) OnMessage(h func(v1.Envelope)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	f.handlers[id] = h
	f.order = append(f.order, id)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

// emit delivers env to every registered handler.
func (f *fakeSession) emit(env v1.Envelope) {
	f.mu.Lock()
	var hs []func(v1.Envelope)
	for _, id := range f.order {
		if h, ok := f.handlers[id]; ok {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(env)
	}
}

func (f *fakeSession) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// latestHandler returns the most recently registered handler, even if removed.
func (f *fakeSession) latestHandler() func(v1.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.order[len(f.order)-1]
	if h, ok := f.handlers[id]; ok {
		return h
	}
	return nil
}

// blockingHistory serves pages from a MemoryHistory once released.
type blockingHistory struct {
	*MemoryHistory
	release chan struct{}
	started chan struct{}
}

func (b *blockingHistory) FetchPage(ctx context.Context, channelID v1.ID, page, size int) ([]v1.ChatMessage, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.MemoryHistory.FetchPage(ctx, channelID, page, size)
}

type failingHistory struct{ err error }

func (f failingHistory) FetchPage(context.Context, v1.ID, int, int) ([]v1.ChatMessage, error) {
	return nil, f.err
}

// manualTimers fires typing expiries on demand.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu      *sync.Mutex
	f       func()
	stopped bool
}

func (m *manualTimers) AfterFunc(_ time.Duration, f func()) realtime.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{mu: &m.mu, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fireAll runs every armed timer once.
func (m *manualTimers) fireAll() {
	m.mu.Lock()
	var armed []func()
	for _, t := range m.timers {
		if !t.stopped {
			t.stopped = true
			armed = append(armed, t.f)
		}
	}
	m.mu.Unlock()

	for _, f := range armed {
		f()
	}
}

// ---- envelope builders ----

func msgEnv(t *testing.T, id, channelID, content string) v1.Envelope {
	t.Helper()
	env, err := v1.NewEnvelope(v1.KindMessage, chatMsg(id, channelID, content))
	require.NoError(t, err)
	return env
}

func chatMsg(id, channelID, content string) v1.ChatMessage {
	return v1.ChatMessage{
		ID:        v1.ID(id),
		Content:   content,
		Author:    v1.Author{ID: bob.ID, Name: bob.Name},
		ChannelID: v1.ID(channelID),
		Timestamp: v1.At(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	}
}

func typingEnv(t *testing.T, channelID string, u v1.UserContext, on bool) v1.Envelope {
	t.Helper()
	env, err := v1.NewEnvelope(v1.KindTyping, v1.TypingPayload{
		ChannelID: v1.ID(channelID), UserID: u.ID, UserName: u.Name, IsTyping: on,
	})
	require.NoError(t, err)
	return env
}

func presenceEnv(t *testing.T, kind v1.Kind, channelID string, u v1.UserContext) v1.Envelope {
	t.Helper()
	env, err := v1.NewEnvelope(kind, v1.PresencePayload{ChannelID: v1.ID(channelID), UserID: u.ID, UserName: u.Name})
	require.NoError(t, err)
	return env
}

func ids(msgs []v1.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID.String())
	}
	return out
}

func seedHistory(t *testing.T, h *MemoryHistory, channelID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, h.Append(chatMsg(fmt.Sprintf("h%03d", i), channelID, "old")))
	}
}
