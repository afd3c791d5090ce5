package auth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "chord/shared/contracts/realtime/v1"

	"github.com/golang-jwt/jwt/v5"
)

// defaultLeeway treats a token as expired slightly before its exp claim so a
// handshake started now does not race the server-side expiry.
const defaultLeeway = 5 * time.Second

// Claims are the access-token claims the client cares about.
// The signature is verified by the backend, never by the client.
type Claims struct {
	jwt.RegisteredClaims

	UserID   v1.ID  `json:"userId,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// User derives the caller identity from the claims (userId, falling back to sub).
func (c Claims) User() v1.UserContext {
	id := c.UserID
	if id.IsZero() {
		id = v1.ID(strings.TrimSpace(c.Subject))
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = strings.TrimSpace(c.Username)
	}
	return v1.UserContext{ID: id, Name: name, Avatar: c.Avatar}
}

// Store keeps the current access token and its parsed claims.
// It is safe for concurrent use.
type Store struct {
	log    *slog.Logger
	parser *jwt.Parser
	now    func() time.Time
	leeway time.Duration

	mu     sync.RWMutex
	token  string
	claims Claims

	hmu      sync.Mutex
	nextID   uint64
	handlers map[uint64]func(error)
	order    []uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLeeway sets how long before exp a token is already considered expired.
func WithLeeway(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.leeway = d
		}
	}
}

// NewStore constructs an empty Store.
func NewStore(log *slog.Logger, opts ...Option) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		log:      log,
		parser:   jwt.NewParser(jwt.WithoutClaimsValidation()),
		now:      time.Now,
		leeway:   defaultLeeway,
		handlers: make(map[uint64]func(error)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Parse returns the claims of raw without storing it. Empty, malformed and
// expired tokens are rejected with the same errors as SetToken.
func (s *Store) Parse(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrNoToken
	}

	claims, err := s.parse(raw)
	if err != nil {
		return Claims{}, err
	}
	if err := s.checkExpiry(claims); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// SetToken stores a new access token after parsing its claims.
// An already expired token is rejected and the previous token is kept.
func (s *Store) SetToken(raw string) (Claims, error) {
	claims, err := s.Parse(raw)
	if err != nil {
		return Claims{}, err
	}
	raw = strings.TrimSpace(raw)

	s.mu.Lock()
	s.token = raw
	s.claims = claims
	s.mu.Unlock()

	s.log.Debug("auth.token.set", "user_id", claims.User().ID.String())
	return claims, nil
}

// Token returns the stored token if present and not expired.
func (s *Store) Token() (string, error) {
	s.mu.RLock()
	token, claims := s.token, s.claims
	s.mu.RUnlock()

	if token == "" {
		return "", ErrNoToken
	}
	if err := s.checkExpiry(claims); err != nil {
		return "", err
	}
	return token, nil
}

// Claims returns the claims of the stored token.
func (s *Store) Claims() (Claims, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return Claims{}, ErrNoToken
	}
	return s.claims, nil
}

// Clear drops the stored credentials without notifying anyone (logout).
func (s *Store) Clear() {
	s.mu.Lock()
	s.token = ""
	s.claims = Claims{}
	s.mu.Unlock()
}

// Invalidate drops the stored credentials and notifies relogin handlers.
// It is called when the backend rejects the token or it expires mid-session.
func (s *Store) Invalidate(reason error) {
	if reason == nil {
		reason = ErrRejected
	}
	s.Clear()

	s.log.Warn("auth.token.invalidated", "reason", reason.Error())

	for _, fn := range s.snapshotHandlers() {
		fn(reason)
	}
}

// OnRelogin registers fn to be called on Invalidate. The returned func deregisters it.
func (s *Store) OnRelogin(fn func(error)) func() {
	if fn == nil {
		return func() {}
	}

	s.hmu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = fn
	s.order = append(s.order, id)
	s.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hmu.Lock()
			delete(s.handlers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
			s.hmu.Unlock()
		})
	}
}

func (s *Store) snapshotHandlers() []func(error) {
	s.hmu.Lock()
	defer s.hmu.Unlock()

	out := make([]func(error), 0, len(s.order))
	for _, id := range s.order {
		if fn, ok := s.handlers[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (s *Store) parse(raw string) (Claims, error) {
	var claims Claims
	if _, _, err := s.parser.ParseUnverified(raw, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return claims, nil
}

func (s *Store) checkExpiry(c Claims) error {
	if c.ExpiresAt == nil {
		return nil
	}
	exp := c.ExpiresAt.Time
	if !s.now().Add(s.leeway).Before(exp) {
		return ExpiredError{ExpiredAt: exp}
	}
	return nil
}

// IsAuthError reports whether err is a credential problem that retrying cannot fix.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNoToken) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrRejected)
}
