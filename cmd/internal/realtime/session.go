package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	v1 "chord/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
)

// Config tunes a Session. Zero values take the package defaults.
type Config struct {
	DialTimeout time.Duration
	Backoff     Backoff

	// OutboxSize > 0 enables correlation ids and offline queueing of messages.
	OutboxSize int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	def := DefaultBackoff()
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = def.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = def.Max
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = def.Multiplier
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = def.MaxAttempts
	}
	return c
}

// Deps are the collaborators of a Session.
type Deps struct {
	Log    *slog.Logger
	Tokens TokenSource
	Dialer Dialer

	// User is the authenticated user; its id selects the private topic.
	User v1.UserContext

	Metrics   *Metrics
	AfterFunc AfterFunc
	Now       func() time.Time
}

// Session owns at most one live transport to the broker. It routes inbound
// envelopes to registered handlers, publishes outgoing actions and recovers
// from transient failures with bounded exponential backoff.
//
// Handlers run one at a time, in arrival order, and may call back into the
// Session. A Session is safe for concurrent use.
type Session struct {
	log       *slog.Logger
	tokens    TokenSource
	dialer    Dialer
	cfg       Config
	metrics   *Metrics
	afterFunc AfterFunc
	now       func() time.Time

	mu       sync.Mutex
	user     v1.UserContext
	state    State
	closed   bool
	tr       Transport
	gen      uint64
	pending  *connectCall
	attempts int
	retries  backoff.BackOff
	retry    Timer
	retrySeq uint64

	channelID  v1.ID
	member     v1.UserContext
	channelSub *boundSub
	userSub    *boundSub

	// notes are handler calls produced under mu, run after it is released.
	notes []func()

	out *outbox

	dispatch dispatcher
	messages registry[v1.Envelope]
	conns    registry[bool]
	states   registry[State]
}

type connectCall struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (c *connectCall) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *connectCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// boundSub is a topic subscription tied to one transport. live flips to
// false synchronously on teardown so no frame is delivered afterwards.
type boundSub struct {
	topic string
	sub   Subscription
	live  atomic.Bool
}

// New constructs a disconnected Session.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Tokens == nil {
		return nil, errors.New("realtime: token source is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("realtime: dialer is required")
	}

	log := deps.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := deps.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	after := deps.AfterFunc
	if after == nil {
		after = realAfterFunc
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	cfg = cfg.withDefaults()
	s := &Session{
		log:       log,
		tokens:    deps.Tokens,
		dialer:    deps.Dialer,
		cfg:       cfg,
		metrics:   m,
		afterFunc: after,
		now:       now,
		user:      deps.User,
		state:     StateDisconnected,
		out:       newOutbox(cfg.OutboxSize),
		retries:   cfg.Backoff.NewPolicy(),
	}
	m.setState(StateDisconnected)
	return s, nil
}

// ---- Lifecycle ----

// Connect opens the transport. It is a no-op when already connected, and
// concurrent callers share the dial in flight.
//
// A missing or expired token fails with an error matching ErrAuthentication
// and no transport is created. A dial failure returns a *TransportError and
// leaves the reconnection policy in charge.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if call, done, err := s.joinConnectLocked(); done {
		s.mu.Unlock()
		if call != nil {
			return call.wait(ctx)
		}
		return err
	}
	s.mu.Unlock()

	// Token lookup may call into the auth layer; never hold mu across it.
	token, err := s.tokens.Token()
	if err != nil {
		s.metrics.AuthFailures.Inc()
		s.log.Warn("realtime.connect.auth", "err", err)
		return AuthError{Reason: err}
	}

	s.mu.Lock()
	if call, done, err := s.joinConnectLocked(); done {
		s.mu.Unlock()
		if call != nil {
			return call.wait(ctx)
		}
		return err
	}
	// An explicit connect restarts the reconnection budget.
	s.stopRetryLocked()
	s.resetRetriesLocked()
	call := s.startConnectLocked(token, StateConnecting)
	s.unlockAndFlush()

	return call.wait(ctx)
}

// joinConnectLocked reports whether Connect has nothing new to start:
// the session is closed, connected, or a dial is already in flight.
func (s *Session) joinConnectLocked() (*connectCall, bool, error) {
	switch {
	case s.closed:
		return nil, true, ErrClosed
	case s.tr != nil:
		return nil, true, nil
	case s.pending != nil:
		return s.pending, true, nil
	}
	return nil, false, nil
}

func (s *Session) startConnectLocked(token string, st State) *connectCall {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	call := &connectCall{done: make(chan struct{}), cancel: cancel}
	s.pending = call
	s.setStateLocked(st)

	go s.dial(ctx, call, token)
	return call
}

func (s *Session) dial(ctx context.Context, call *connectCall, token string) {
	defer call.cancel()

	s.metrics.Dials.Inc()
	start := s.now()
	tr, err := s.dialer.Dial(ctx, token)

	s.mu.Lock()
	if s.pending != call {
		// Disconnect or Close won the race.
		s.mu.Unlock()
		s.closeTransport(tr)
		call.finish(ErrDisconnected)
		return
	}
	s.pending = nil

	if err != nil {
		s.metrics.DialFailures.Inc()
		if errors.Is(err, ErrAuthentication) {
			s.failAuthLocked(err)
			s.unlockAndFlush()
			s.tokens.Invalidate(err)
			call.finish(err)
			return
		}

		terr := &TransportError{Op: "dial", Err: err}
		s.log.Warn("realtime.connect.fail", "err", err, "attempt", s.attempts)
		s.scheduleReconnectLocked(terr)
		s.unlockAndFlush()
		call.finish(terr)
		return
	}

	if err := s.attachLocked(tr); err != nil {
		terr := &TransportError{Op: "subscribe", Err: err}
		s.log.Warn("realtime.connect.fail", "err", err, "attempt", s.attempts)
		s.detachLocked()
		s.scheduleReconnectLocked(terr)
		s.unlockAndFlush()
		s.closeTransport(tr)
		call.finish(terr)
		return
	}

	s.log.Info("realtime.connect.ok",
		"user_id", s.user.ID.String(),
		"channel_id", s.channelID.String(),
		"dial_ms", s.now().Sub(start).Milliseconds(),
	)
	s.unlockAndFlush()
	call.finish(nil)
}

// attachLocked installs tr, restores subscriptions and flushes the outbox.
func (s *Session) attachLocked(tr Transport) error {
	s.gen++
	gen := s.gen
	s.tr = tr

	if !s.user.ID.IsZero() {
		b, err := s.subscribeLocked(v1.UserTopic(s.user.ID))
		if err != nil {
			return err
		}
		s.userSub = b
	}

	if !s.channelID.IsZero() {
		b, err := s.subscribeLocked(v1.ChannelTopic(s.channelID))
		if err != nil {
			return err
		}
		s.channelSub = b
		_ = s.publishLocked(v1.DestJoinChannel, s.membershipLocked(), "join")
	}

	s.resetRetriesLocked()
	s.setStateLocked(StateConnected)
	s.flushOutboxLocked()

	go s.watch(gen, tr)
	return nil
}

// detachLocked forgets the current transport without closing it.
func (s *Session) detachLocked() {
	s.gen++
	s.tr = nil
	for _, b := range []*boundSub{s.channelSub, s.userSub} {
		if b != nil {
			b.live.Store(false)
		}
	}
	s.channelSub = nil
	s.userSub = nil
}

// watch waits for tr to go away. Stale transports (replaced or torn down
// on purpose) are ignored through the generation check.
func (s *Session) watch(gen uint64, tr Transport) {
	<-tr.Done()
	cause := tr.Err()
	if cause == nil {
		cause = ErrTransportClosed
	}

	s.mu.Lock()
	if s.gen != gen || s.tr != tr {
		s.mu.Unlock()
		return
	}
	s.detachLocked()
	s.metrics.Disconnects.Inc()

	if errors.Is(cause, ErrAuthentication) {
		s.failAuthLocked(cause)
		s.unlockAndFlush()
		s.tokens.Invalidate(cause)
		return
	}

	s.log.Warn("realtime.transport.lost", "err", cause)
	s.scheduleReconnectLocked(cause)
	s.unlockAndFlush()
}

func (s *Session) failAuthLocked(err error) {
	s.metrics.AuthFailures.Inc()
	s.stopRetryLocked()
	s.log.Warn("realtime.auth.rejected", "err", err)
	s.setStateLocked(StateFailed)
}

func (s *Session) scheduleReconnectLocked(cause error) {
	if s.closed {
		return
	}
	delay := s.retries.NextBackOff()
	if delay == backoff.Stop {
		s.metrics.ReconnectGiveUps.Inc()
		s.log.Error("realtime.reconnect.exhausted", "attempts", s.attempts, "err", cause)
		s.setStateLocked(StateFailed)
		return
	}
	s.attempts++
	s.retrySeq++
	seq := s.retrySeq

	s.metrics.ReconnectAttempts.Inc()
	s.log.Info("realtime.reconnect.scheduled", "attempt", s.attempts, "delay_ms", delay.Milliseconds())
	s.setStateLocked(StateReconnecting)
	s.retry = s.afterFunc(delay, func() { s.retryConnect(seq) })
}

func (s *Session) resetRetriesLocked() {
	s.attempts = 0
	s.retries.Reset()
}

func (s *Session) stopRetryLocked() {
	s.retrySeq++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) retryConnect(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.retrySeq || s.pending != nil || s.tr != nil {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.mu.Unlock()

	// Every attempt re-validates the token; an expired one ends the policy.
	token, err := s.tokens.Token()

	s.mu.Lock()
	if s.closed || seq != s.retrySeq || s.pending != nil || s.tr != nil {
		s.mu.Unlock()
		return
	}
	if err != nil {
		aerr := AuthError{Reason: err}
		s.failAuthLocked(aerr)
		s.unlockAndFlush()
		s.tokens.Invalidate(aerr)
		return
	}

	s.log.Info("realtime.reconnect.attempt", "attempt", s.attempts)
	s.startConnectLocked(token, StateReconnecting)
	s.unlockAndFlush()
}

// Disconnect tears down the transport and its subscriptions and resets the
// reconnection counter. The active channel is remembered for the next
// Connect. It is idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	tr := s.disconnectLocked()
	s.unlockAndFlush()
	s.closeTransport(tr)
}

// disconnectLocked detaches the current transport and returns it. The caller
// closes it after releasing mu; a graceful close waits on the broker.
func (s *Session) disconnectLocked() Transport {
	s.stopRetryLocked()
	s.resetRetriesLocked()

	if call := s.pending; call != nil {
		s.pending = nil
		call.cancel()
		call.finish(ErrDisconnected)
	}

	tr := s.tr
	if tr != nil {
		s.detachLocked()
		s.log.Info("realtime.disconnect")
	}

	s.setStateLocked(StateDisconnected)
	return tr
}

// closeTransport closes a detached transport. mu must not be held.
func (s *Session) closeTransport(tr Transport) {
	if tr == nil {
		return
	}
	if err := tr.Close(); err != nil {
		s.log.Debug("realtime.transport.close", "err", err)
	}
}

// ReconnectWithNewToken disconnects and connects again so the handshake
// uses the token currently held by the token source.
func (s *Session) ReconnectWithNewToken(ctx context.Context) error {
	s.Disconnect()
	return s.Connect(ctx)
}

// Close disconnects and drops every handler. The Session is unusable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	tr := s.disconnectLocked()
	s.closed = true
	s.unlockAndFlush()
	s.closeTransport(tr)

	s.messages.clear()
	s.conns.clear()
	s.states.clear()
}

// ---- Channel focus ----

// JoinChannel makes channelID the active channel, dropping the previous
// channel subscription. When connected it subscribes to the channel topic and
// publishes a join; otherwise the channel is joined on the next connect.
func (s *Session) JoinChannel(channelID v1.ID, user v1.UserContext) error {
	if channelID.IsZero() {
		return ErrInvalidChannel
	}

	s.mu.Lock()
	defer s.unlockAndFlush()

	if s.closed {
		return ErrClosed
	}
	if user.ID.IsZero() {
		user = s.user
	}
	if s.channelID == channelID && s.channelSub != nil {
		s.member = user
		return nil
	}

	s.dropChannelSubLocked()
	s.channelID = channelID
	s.member = user

	if s.tr == nil {
		s.log.Debug("realtime.join.deferred", "channel_id", channelID.String())
		return nil
	}

	b, err := s.subscribeLocked(v1.ChannelTopic(channelID))
	if err != nil {
		s.log.Warn("realtime.join.fail", "channel_id", channelID.String(), "err", err)
		return &TransportError{Op: "subscribe", Err: err}
	}
	s.channelSub = b

	s.log.Info("realtime.join", "channel_id", channelID.String())
	return s.publishLocked(v1.DestJoinChannel, s.membershipLocked(), "join")
}

// LeaveChannel publishes a leave (when connected) and drops the channel
// subscription. A channelID other than the active one is ignored.
func (s *Session) LeaveChannel(channelID v1.ID) {
	s.mu.Lock()
	defer s.unlockAndFlush()

	if channelID.IsZero() || channelID != s.channelID {
		s.log.Debug("realtime.leave.ignored", "channel_id", channelID.String(), "active", s.channelID.String())
		return
	}

	if s.tr != nil {
		_ = s.publishLocked(v1.DestLeaveChannel, s.membershipLocked(), "leave")
	}
	s.dropChannelSubLocked()
	s.channelID = ""
	s.member = v1.UserContext{}

	s.log.Info("realtime.leave", "channel_id", channelID.String())
}

func (s *Session) dropChannelSubLocked() {
	b := s.channelSub
	if b == nil {
		return
	}
	s.channelSub = nil
	b.live.Store(false)
	if err := b.sub.Unsubscribe(); err != nil {
		s.log.Debug("realtime.unsubscribe.fail", "topic", b.topic, "err", err)
	}
}

func (s *Session) membershipLocked() v1.MembershipBody {
	return v1.MembershipBody{
		ChannelID: s.channelID,
		UserID:    s.member.ID,
		UserName:  s.member.Name,
	}
}

// ---- Outgoing actions ----

// SendMessage publishes a message to channelID on behalf of user.
// When not connected the message is queued if the outbox is enabled,
// otherwise it is dropped and ErrNotConnected is returned.
func (s *Session) SendMessage(content string, channelID v1.ID, user v1.UserContext) error {
	if channelID.IsZero() {
		return ErrInvalidChannel
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > maxMessageChars {
		return ErrMessageTooLong
	}

	now := s.now()
	body := v1.SendMessageBody{
		ChannelID:  channelID,
		UserID:     user.ID,
		UserName:   user.Name,
		UserAvatar: user.Avatar,
		Content:    content,
		Timestamp:  v1.At(now),
	}

	s.mu.Lock()
	defer s.unlockAndFlush()

	if s.closed {
		return ErrClosed
	}

	if s.out != nil {
		id, err := NewClientMsgID(now)
		if err != nil {
			return err
		}
		body.ClientMsgID = id

		if s.tr == nil {
			s.queueLocked(body)
			return nil
		}
	}

	if err := s.publishLocked(v1.DestSendMessage, body, "message"); err != nil {
		if s.out != nil && !errors.Is(err, ErrNotConnected) {
			s.queueLocked(body)
			return nil
		}
		return err
	}
	if s.out != nil {
		s.out.sent(body.ClientMsgID)
	}
	return nil
}

func (s *Session) queueLocked(body v1.SendMessageBody) {
	if dropped, ok := s.out.enqueue(body); ok {
		s.metrics.dropSend("message")
		s.log.Warn("realtime.outbox.overflow", "client_msg_id", dropped.ClientMsgID)
	}
	s.log.Debug("realtime.outbox.queued", "client_msg_id", body.ClientMsgID, "channel_id", body.ChannelID.String())
}

func (s *Session) flushOutboxLocked() {
	if s.out == nil {
		return
	}
	queued := s.out.drain()
	for i, body := range queued {
		if err := s.publishLocked(v1.DestSendMessage, body, "message"); err != nil {
			s.out.requeue(queued[i:])
			s.log.Warn("realtime.outbox.flush.fail", "remaining", len(queued)-i, "err", err)
			return
		}
		s.out.sent(body.ClientMsgID)
	}
	if len(queued) > 0 {
		s.log.Info("realtime.outbox.flushed", "count", len(queued))
	}
}

// SendTyping publishes a best-effort typing state.
func (s *Session) SendTyping(channelID v1.ID, user v1.UserContext, isTyping bool) error {
	if channelID.IsZero() {
		return ErrInvalidChannel
	}

	s.mu.Lock()
	defer s.unlockAndFlush()

	if s.closed {
		return ErrClosed
	}
	return s.publishLocked(v1.DestTyping, v1.TypingBody{
		ChannelID: channelID,
		UserID:    user.ID,
		UserName:  user.Name,
		IsTyping:  isTyping,
	}, "typing")
}

func (s *Session) publishLocked(dest string, body any, action string) error {
	if s.tr == nil {
		s.metrics.dropSend(action)
		s.log.Debug("realtime.send.drop", "action", action, "state", s.state.String())
		return ErrNotConnected
	}

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if err := s.tr.Send(dest, b); err != nil {
		s.metrics.dropSend(action)
		s.log.Warn("realtime.send.fail", "action", action, "destination", dest, "err", err)
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// ---- Inbound ----

func (s *Session) subscribeLocked(topic string) (*boundSub, error) {
	b := &boundSub{topic: topic}
	b.live.Store(true)

	sub, err := s.tr.Subscribe(topic, func(body []byte) { s.deliver(b, body) })
	if err != nil {
		b.live.Store(false)
		return nil, err
	}
	b.sub = sub
	return b, nil
}

// deliver decodes one frame and hands it to the handlers. Malformed frames
// are logged and dropped individually.
func (s *Session) deliver(b *boundSub, body []byte) {
	if !b.live.Load() {
		return
	}

	env, err := v1.DecodeEnvelope(body)
	if err == nil {
		err = validatePayload(env)
	}
	if err != nil {
		s.metrics.FramesDropped.Inc()
		s.log.Warn("realtime.frame.drop", "topic", b.topic, "bytes", len(body), "err", err)
		return
	}

	if s.out != nil && env.Kind == v1.KindMessage {
		if m, err := env.Message(); err == nil && s.out.ack(m.ClientMsgID) {
			s.metrics.OutboxAcked.Inc()
		}
	}
	s.metrics.frame(string(env.Kind))

	s.dispatch.run(func() {
		// Re-checked here: a leave may have happened while this frame was queued.
		if !b.live.Load() {
			return
		}
		s.messages.emit(s.log, "message", env)
	})
}

func validatePayload(env v1.Envelope) error {
	var err error
	switch env.Kind {
	case v1.KindMessage, v1.KindMessageUpdated:
		_, err = env.Message()
	case v1.KindMessageDeleted:
		_, err = env.MessageDeleted()
	case v1.KindTyping:
		_, err = env.Typing()
	case v1.KindUserJoined, v1.KindUserLeft:
		_, err = env.Presence()
	case v1.KindOnlineUsers:
		_, err = env.OnlineUsers()
	case v1.KindFriendRequest:
		_, err = env.FriendRequest()
	}
	return err
}

// ---- Handlers and state ----

// OnMessage registers h for every inbound envelope. The returned func
// deregisters it; h is not called again once it returns.
func (s *Session) OnMessage(h func(v1.Envelope)) func() { return s.messages.add(h) }

// OnConnection registers h for connected/disconnected transitions.
func (s *Session) OnConnection(h func(bool)) func() { return s.conns.add(h) }

// OnState registers h for every state change.
func (s *Session) OnState(h func(State)) func() { return s.states.add(h) }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveChannel returns the channel the session is focused on.
func (s *Session) ActiveChannel() (v1.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID, !s.channelID.IsZero()
}

// User returns the authenticated user.
func (s *Session) User() v1.UserContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser replaces the authenticated user, e.g. after a relogin. It takes
// effect on the next connect.
func (s *Session) SetUser(u v1.UserContext) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

// Pending reports the outbox occupancy (zero when the outbox is disabled).
func (s *Session) Pending() Pending {
	if s.out == nil {
		return Pending{}
	}
	return s.out.pending()
}

func (s *Session) setStateLocked(st State) {
	prev := s.state
	if prev == st {
		return
	}
	s.state = st
	s.metrics.setState(st)
	s.log.Debug("realtime.state", "from", prev.String(), "to", st.String())

	s.notes = append(s.notes, func() { s.states.emit(s.log, "state", st) })
	if was, is := prev == StateConnected, st == StateConnected; was != is {
		s.notes = append(s.notes, func() { s.conns.emit(s.log, "connection", is) })
	}
}

// unlockAndFlush releases mu and then runs the handler calls queued under it.
func (s *Session) unlockAndFlush() {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()
	s.dispatch.run(notes...)
}
