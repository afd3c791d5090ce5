// Package app wires the chord client runtime: config, logging, the realtime
// session, history and the optional diagnostics listener.
package app

import (
	"context"
	"errors"
	"fmt"

	"chord/cmd/internal/auth"
	"chord/cmd/internal/channel"
	"chord/cmd/internal/realtime"
	v1 "chord/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns one authenticated realtime session and the collaborators built
// around it. Commands obtain channel controllers from it.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *realtime.Metrics

	tokens  *auth.Store
	session *realtime.Session
	history channel.HistorySource

	dropRelogin func()
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	dialer  realtime.Dialer
	history channel.HistorySource
}

// WithDialer replaces the STOMP dialer, e.g. with an in-memory broker.
func WithDialer(d realtime.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHistory replaces the REST history client.
func WithHistory(h channel.HistorySource) Option {
	return func(o *options) { o.history = h }
}

// New constructs a fully wired App from config and logger. The configured
// token must be present and unexpired; its claims identify the user.
func New(cfg Config, log Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tokens := auth.NewStore(log)
	claims, err := tokens.SetToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("CHORD_TOKEN: %w", err)
	}
	user := claims.User()
	if user.ID.IsZero() {
		return nil, errors.New("CHORD_TOKEN: token carries no user id")
	}

	if o.dialer == nil {
		endpoint, err := realtime.EndpointFromAPIBase(cfg.APIBase)
		if err != nil {
			return nil, err
		}
		o.dialer = realtime.NewStompDialer(log, endpoint, cfg.Heartbeat)
	}
	if o.history == nil {
		o.history = channel.NewRESTHistory(log, cfg.APIBase, tokens, cfg.HistoryTimeout)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	sess, err := realtime.New(realtime.Config{
		DialTimeout: cfg.DialTimeout,
		Backoff: realtime.Backoff{
			Base:        cfg.ReconnectBaseDelay,
			Max:         cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		OutboxSize: cfg.OutboxSize,
	}, realtime.Deps{
		Log:     log,
		Tokens:  tokens,
		Dialer:  o.dialer,
		User:    user,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  metrics,
		tokens:   tokens,
		session:  sess,
		history:  o.history,
	}

	a.dropRelogin = tokens.OnRelogin(func(reason error) {
		a.log.Error("app.relogin.required", "user_id", a.User().ID.String(), "reason", reason.Error())
	})

	return a, nil
}

// User is the identity taken from the current token's claims.
func (a *App) User() v1.UserContext { return a.session.User() }

// Session exposes the realtime session.
func (a *App) Session() *realtime.Session { return a.session }

// History exposes the history source used by controllers.
func (a *App) History() channel.HistorySource { return a.history }

// ErrUserMismatch is returned by Relogin for a token of another user.
var ErrUserMismatch = errors.New("token belongs to another user")

// Relogin installs a fresh token and reconnects the session with it. The
// profile from the new claims replaces the current one; the user id must not
// change because controllers are bound to it. The active channel is kept.
func (a *App) Relogin(ctx context.Context, raw string) error {
	claims, err := a.tokens.Parse(raw)
	if err != nil {
		return fmt.Errorf("relogin: %w", err)
	}
	user := claims.User()
	if cur := a.User(); user.ID != cur.ID {
		return fmt.Errorf("relogin: %w: got %s, want %s", ErrUserMismatch, user.ID, cur.ID)
	}
	if _, err := a.tokens.SetToken(raw); err != nil {
		return fmt.Errorf("relogin: %w", err)
	}

	a.session.SetUser(user)
	a.log.Info("app.relogin", "user_id", user.ID.String())
	return a.session.ReconnectWithNewToken(ctx)
}

// NewController builds a channel controller bound to the session.
func (a *App) NewController() *channel.Controller {
	return channel.New(a.session, a.history, a.User(), channel.Options{
		Log:            a.log,
		PageSize:       a.cfg.HistoryPageSize,
		HistoryTimeout: a.cfg.HistoryTimeout,
		TypingTimeout:  a.cfg.TypingTimeout,
	})
}

// Run connects the session, serves diagnostics when configured and calls fn
// until it returns or ctx is done. The session is closed on return.
//
// A transient failure of the first dial is not fatal: the session keeps
// retrying in the background while fn runs.
func (a *App) Run(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.Close()

	diagErr := make(chan error, 1)
	if a.cfg.DiagAddr != "" {
		go func() { diagErr <- a.serveDiag(ctx) }()
	}

	if err := a.session.Connect(ctx); err != nil {
		if errors.Is(err, realtime.ErrAuthentication) || errors.Is(err, context.Canceled) {
			return err
		}
		a.log.Warn("app.connect.deferred", "err", err, "state", a.session.State().String())
	} else {
		a.log.Info("app.connect.ok", "user_id", a.User().ID.String())
	}

	runErr := make(chan error, 1)
	go func() { runErr <- fn(ctx) }()

	select {
	case err := <-runErr:
		cancel()
		if a.cfg.DiagAddr != "" {
			if derr := <-diagErr; derr != nil && err == nil {
				err = derr
			}
		}
		return err
	case err := <-diagErr:
		cancel()
		if rerr := <-runErr; err == nil {
			err = rerr
		}
		return err
	}
}

// Close disposes the session and drops the relogin hook.
func (a *App) Close() {
	a.session.Close()
	if a.dropRelogin != nil {
		a.dropRelogin()
	}
}
