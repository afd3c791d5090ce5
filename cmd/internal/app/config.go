package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	APIBase string
	Token   string

	LogLevel  string
	LogFormat string

	Heartbeat   time.Duration
	DialTimeout time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	HistoryPageSize int
	HistoryTimeout  time.Duration
	TypingTimeout   time.Duration

	// OutboxSize > 0 queues messages sent while offline.
	OutboxSize int

	// DiagAddr enables the /healthz, /readyz and /metrics listener when set.
	DiagAddr string
}

// LoadConfig loads Config from environment variables with defaults.
// Values from envFile (if it exists) fill variables that are not already set.
// The result is not validated; New does that.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		APIBase: EnvString("CHORD_API_BASE", "http://localhost:8080/api"),
		Token:   EnvString("CHORD_TOKEN", ""),

		LogLevel:  EnvString("CHORD_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHORD_LOG_FORMAT", "json"),

		Heartbeat:   EnvDuration("CHORD_HEARTBEAT", 4*time.Second),
		DialTimeout: EnvDuration("CHORD_DIAL_TIMEOUT", 10*time.Second),

		ReconnectBaseDelay:   EnvDuration("CHORD_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    EnvDuration("CHORD_RECONNECT_MAX_DELAY", 30*time.Second),
		ReconnectMaxAttempts: EnvInt("CHORD_RECONNECT_MAX_ATTEMPTS", 5),

		HistoryPageSize: EnvInt("CHORD_HISTORY_PAGE_SIZE", 50),
		HistoryTimeout:  EnvDuration("CHORD_HISTORY_TIMEOUT", 15*time.Second),
		TypingTimeout:   EnvDuration("CHORD_TYPING_TIMEOUT", 6*time.Second),

		OutboxSize: EnvInt("CHORD_OUTBOX_SIZE", 0),

		DiagAddr: EnvString("CHORD_DIAG_ADDR", ""),
	}

	return cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c Config) Validate() error {
	base := strings.ToLower(strings.TrimSpace(c.APIBase))
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return fmt.Errorf("CHORD_API_BASE must be an http(s) URL, got %q", c.APIBase)
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("CHORD_RECONNECT_MAX_DELAY must not be below CHORD_RECONNECT_BASE_DELAY")
	}
	return nil
}
