package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Bootstrap loads configuration (env plus an optional .env file), builds the
// logger and a wired App. Callers own the returned App and must Close it or
// hand it to Run.
func Bootstrap(envFile string, override func(*Config)) (*App, error) {
	cfg, err := LoadConfig(envFile)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(&cfg)
	}

	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	return New(cfg, log)
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
