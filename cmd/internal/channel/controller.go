package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chord/cmd/internal/realtime"
	v1 "chord/shared/contracts/realtime/v1"
)

const (
	defaultPageSize       = 50
	defaultHistoryTimeout = 15 * time.Second
	defaultTypingTimeout  = 6 * time.Second
)

// Session is the part of realtime.Session the controller uses.
type Session interface {
	JoinChannel(channelID v1.ID, user v1.UserContext) error
	LeaveChannel(channelID v1.ID)
	SendMessage(content string, channelID v1.ID, user v1.UserContext) error
	SendTyping(channelID v1.ID, user v1.UserContext, isTyping bool) error
	OnMessage(h func(v1.Envelope)) func()
}

// HistorySource fetches one page of channel history, newest first.
// Page 0 is the most recent page.
type HistorySource interface {
	FetchPage(ctx context.Context, channelID v1.ID, page, size int) ([]v1.ChatMessage, error)
}

// Options tunes a Controller. Zero values take the defaults.
type Options struct {
	Log *slog.Logger

	PageSize       int
	HistoryTimeout time.Duration
	TypingTimeout  time.Duration
	TypingThrottle time.Duration

	AfterFunc realtime.AfterFunc
	Now       func() time.Time
}

// TypingUser is one entry of the typing set.
type TypingUser struct {
	ID   v1.ID
	Name string
}

// Snapshot is an immutable copy of the controller view.
type Snapshot struct {
	ChannelID v1.ID
	Status    Status
	Err       error
	Messages  []v1.ChatMessage
	HasMore   bool
	Typing    []TypingUser
	Roster    []v1.Member
}

type typingEntry struct {
	name  string
	timer realtime.Timer
}

// Controller merges history and live events for the channel it has open.
// It is safe for concurrent use; subscribers are notified with coalesced
// snapshots, never concurrently.
type Controller struct {
	log      *slog.Logger
	session  Session
	history  HistorySource
	user     v1.UserContext
	opts     Options
	throttle *Throttle

	mu          sync.Mutex
	closed      bool
	epoch       uint64
	channelID   v1.ID
	status      Status
	err         error
	list        *messageList
	nextPage    int
	hasMore     bool
	loading     bool
	typing      map[v1.ID]*typingEntry
	roster      roster
	unsubscribe func()

	subs      listeners
	notifyMu  sync.Mutex
	dirty     bool
	notifying bool
}

// New constructs an idle controller acting on behalf of user.
func New(session Session, history HistorySource, user v1.UserContext, opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = defaultHistoryTimeout
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = defaultTypingTimeout
	}
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = defaultTypingThrottleWindow
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) realtime.Timer { return time.AfterFunc(d, f) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Controller{
		log:      opts.Log,
		session:  session,
		history:  history,
		user:     user,
		opts:     opts,
		throttle: NewThrottle(defaultTypingThrottleEvents, opts.TypingThrottle),
		list:     newMessageList(),
		typing:   make(map[v1.ID]*typingEntry),
	}
}

// ---- Lifecycle ----

// Open focuses the controller on channelID: the previous channel's handler is
// removed synchronously, its view is cleared and the channel is left; then
// the new channel is joined and its first history page loaded.
func (c *Controller) Open(ctx context.Context, channelID v1.ID) error {
	if channelID.IsZero() {
		return ErrInvalidChannel
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.channelID
	off := c.unsubscribe
	c.unsubscribe = nil
	c.epoch++
	epoch := c.epoch
	c.channelID = channelID
	c.resetLocked()
	c.mu.Unlock()

	// Stop events for the previous channel before anything else can run.
	if off != nil {
		off()
	}
	c.throttle.Reset()
	if !prev.IsZero() && prev != channelID {
		c.session.LeaveChannel(prev)
	}

	unsub := c.session.OnMessage(func(env v1.Envelope) { c.onEnvelope(epoch, env) })

	c.mu.Lock()
	if c.epoch != epoch {
		// Another Open or Close overtook this one.
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsubscribe = unsub
	c.mu.Unlock()

	if err := c.session.JoinChannel(channelID, c.user); err != nil {
		if errors.Is(err, realtime.ErrClosed) || errors.Is(err, realtime.ErrInvalidChannel) {
			return err
		}
		// The session rejoins on its next connect.
		c.log.Warn("channel.join.deferred", "channel_id", channelID.String(), "err", err)
	}

	c.log.Info("channel.open", "channel_id", channelID.String(), "previous", prev.String())
	c.publish()
	return c.LoadInitial(ctx)
}

// Close unmounts the controller: the handler is removed, the channel is left
// and subscribers are dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	off := c.unsubscribe
	c.unsubscribe = nil
	ch := c.channelID
	c.stopTypingLocked()
	c.mu.Unlock()

	if off != nil {
		off()
	}
	if !ch.IsZero() {
		c.session.LeaveChannel(ch)
	}
	c.subs.clear()
}

func (c *Controller) resetLocked() {
	c.status = StatusIdle
	c.err = nil
	c.list = newMessageList()
	c.nextPage = 0
	c.hasMore = false
	c.loading = false
	c.stopTypingLocked()
	c.roster.reset()
}

func (c *Controller) stopTypingLocked() {
	for id, e := range c.typing {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.typing, id)
	}
}

// ---- History ----

// LoadInitial fetches the newest history page and replaces the list with it.
// Live messages that arrive while the page is in flight are kept after it.
// It is a no-op while another load is running.
func (c *Controller) LoadInitial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.channelID.IsZero() {
		c.mu.Unlock()
		return ErrNoChannel
	}
	if c.loading {
		c.mu.Unlock()
		return nil
	}
	epoch, ch := c.epoch, c.channelID
	c.loading = true
	c.status = StatusLoading
	c.err = nil
	c.list = newMessageList()
	c.mu.Unlock()
	c.publish()

	page, err := c.fetch(ctx, ch, 0)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Debug("channel.history.stale", "channel_id", ch.String())
		return nil
	}
	c.loading = false
	if err != nil {
		herr := c.failLocked(ch, 0, err)
		c.mu.Unlock()
		c.publish()
		return herr
	}

	live := c.list
	c.list = newMessageList()
	for _, m := range chronological(page) {
		c.list.append(m)
	}
	for _, m := range live.items {
		c.list.append(m)
	}
	c.nextPage = 1
	c.hasMore = len(page) == c.opts.PageSize
	c.status = StatusReady
	n, more := c.list.len(), c.hasMore
	c.mu.Unlock()

	c.log.Info("channel.history.loaded", "channel_id", ch.String(), "page", 0, "count", len(page), "total", n, "has_more", more)
	c.publish()
	return nil
}

// LoadOlder fetches the next older page and prepends it. It is a no-op when
// there is no more history, no initial page yet, or a load is in flight.
func (c *Controller) LoadOlder(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.channelID.IsZero() {
		c.mu.Unlock()
		return ErrNoChannel
	}
	if !c.hasMore || c.loading || c.nextPage == 0 {
		c.mu.Unlock()
		return nil
	}
	epoch, ch, pageNo := c.epoch, c.channelID, c.nextPage
	c.loading = true
	c.status = StatusLoadingMore
	c.err = nil
	c.mu.Unlock()
	c.publish()

	page, err := c.fetch(ctx, ch, pageNo)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Debug("channel.history.stale", "channel_id", ch.String(), "page", pageNo)
		return nil
	}
	c.loading = false
	if err != nil {
		herr := c.failLocked(ch, pageNo, err)
		c.mu.Unlock()
		c.publish()
		return herr
	}

	added := c.list.prepend(chronological(page))
	c.nextPage++
	c.hasMore = len(page) == c.opts.PageSize
	c.status = StatusReady
	more := c.hasMore
	c.mu.Unlock()

	c.log.Info("channel.history.loaded", "channel_id", ch.String(), "page", pageNo, "count", len(page), "added", added, "has_more", more)
	c.publish()
	return nil
}

func (c *Controller) fetch(ctx context.Context, ch v1.ID, page int) ([]v1.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HistoryTimeout)
	defer cancel()
	return c.history.FetchPage(ctx, ch, page, c.opts.PageSize)
}

func (c *Controller) failLocked(ch v1.ID, page int, err error) error {
	herr := &HistoryLoadError{ChannelID: ch, Page: page, Err: err}
	c.status = StatusError
	c.err = herr
	c.log.Warn("channel.history.fail", "channel_id", ch.String(), "page", page, "err", err)
	return herr
}

// ---- Outgoing ----

// Submit sends content to the open channel. The message is not inserted
// locally; the broker echo is the authoritative copy.
func (c *Controller) Submit(content string) error {
	ch, err := c.current()
	if err != nil {
		return err
	}
	return c.session.SendMessage(content, ch, c.user)
}

// SetTyping forwards the local typing state. "true" is throttled; "false"
// always goes through.
func (c *Controller) SetTyping(isTyping bool) error {
	ch, err := c.current()
	if err != nil {
		return err
	}
	if isTyping && !c.throttle.Allow(c.opts.Now()) {
		return nil
	}
	return c.session.SendTyping(ch, c.user, isTyping)
}

func (c *Controller) current() (v1.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}
	if c.channelID.IsZero() {
		return "", ErrNoChannel
	}
	return c.channelID, nil
}

// ---- Inbound ----

func (c *Controller) onEnvelope(epoch uint64, env v1.Envelope) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	changed := c.applyLocked(epoch, env)
	c.mu.Unlock()

	if changed {
		c.publish()
	}
}

// applyLocked folds one envelope into the view and reports whether it changed.
func (c *Controller) applyLocked(epoch uint64, env v1.Envelope) bool {
	switch env.Kind {
	case v1.KindMessage:
		m, err := env.Message()
		if err != nil {
			c.log.Warn("channel.event.drop", "kind", string(env.Kind), "err", err)
			return false
		}
		if !c.forThisChannel(m.ChannelID) {
			return false
		}
		return c.list.append(m)

	case v1.KindMessageUpdated:
		m, err := env.Message()
		if err != nil || !c.forThisChannel(m.ChannelID) {
			return false
		}
		return c.list.replace(m)

	case v1.KindMessageDeleted:
		p, err := env.MessageDeleted()
		if err != nil || !c.forThisChannel(p.ChannelID) {
			return false
		}
		return c.list.remove(p.ID)

	case v1.KindTyping:
		p, err := env.Typing()
		if err != nil || !c.forThisChannel(p.ChannelID) || p.UserID.IsZero() || p.UserID == c.user.ID {
			return false
		}
		if p.IsTyping {
			return c.startTypingLocked(epoch, p.UserID, p.UserName)
		}
		return c.stopTypingUserLocked(p.UserID)

	case v1.KindUserJoined:
		p, err := env.Presence()
		if err != nil || !c.forThisChannel(p.ChannelID) {
			return false
		}
		return c.roster.add(p.Member())

	case v1.KindUserLeft:
		p, err := env.Presence()
		if err != nil || !c.forThisChannel(p.ChannelID) {
			return false
		}
		changed := c.roster.remove(p.UserID)
		if c.stopTypingUserLocked(p.UserID) {
			changed = true
		}
		return changed

	case v1.KindOnlineUsers:
		p, err := env.OnlineUsers()
		if err != nil || !c.forThisChannel(p.ChannelID) {
			return false
		}
		c.roster.replace(p.Users)
		return true
	}
	return false
}

// forThisChannel accepts payloads for the open channel and payloads that do
// not name a channel (the topic already scopes them).
func (c *Controller) forThisChannel(id v1.ID) bool {
	return id.IsZero() || id == c.channelID
}

func (c *Controller) startTypingLocked(epoch uint64, userID v1.ID, name string) bool {
	prev, existed := c.typing[userID]
	if existed && prev.timer != nil {
		prev.timer.Stop()
	}

	e := &typingEntry{name: name}
	e.timer = c.opts.AfterFunc(c.opts.TypingTimeout, func() { c.expireTyping(epoch, userID, e) })
	c.typing[userID] = e
	return !existed || prev.name != name
}

func (c *Controller) stopTypingUserLocked(userID v1.ID) bool {
	e, ok := c.typing[userID]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(c.typing, userID)
	return true
}

func (c *Controller) expireTyping(epoch uint64, userID v1.ID, e *typingEntry) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.typing[userID] != e {
		c.mu.Unlock()
		return
	}
	delete(c.typing, userID)
	c.mu.Unlock()

	c.log.Debug("channel.typing.expired", "user_id", userID.String())
	c.publish()
}

// ---- Snapshots ----

// Snapshot returns a copy of the current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	typing := make([]TypingUser, 0, len(c.typing))
	for id, e := range c.typing {
		typing = append(typing, TypingUser{ID: id, Name: e.name})
	}
	sort.Slice(typing, func(i, j int) bool {
		if typing[i].Name != typing[j].Name {
			return typing[i].Name < typing[j].Name
		}
		return typing[i].ID < typing[j].ID
	})

	return Snapshot{
		ChannelID: c.channelID,
		Status:    c.status,
		Err:       c.err,
		Messages:  c.list.snapshot(),
		HasMore:   c.hasMore,
		Typing:    typing,
		Roster:    c.roster.snapshot(),
	}
}

// Subscribe registers fn for view changes. Bursts of changes may be
// coalesced into one call with the latest snapshot.
func (c *Controller) Subscribe(fn func(Snapshot)) func() { return c.subs.add(fn) }

func (c *Controller) publish() {
	c.notifyMu.Lock()
	c.dirty = true
	if c.notifying {
		c.notifyMu.Unlock()
		return
	}
	c.notifying = true

	for c.dirty {
		c.dirty = false
		c.notifyMu.Unlock()

		c.subs.emit(c.log, c.Snapshot())

		c.notifyMu.Lock()
	}
	c.notifying = false
	c.notifyMu.Unlock()
}
