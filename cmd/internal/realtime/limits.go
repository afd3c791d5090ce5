package realtime

import "time"

// Wire limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 1 << 20 // 1 MiB

	// Max message text length (runes).
	maxMessageChars = 4000
)

// Heartbeat and reconnection defaults (overridable through Config).
const (
	defaultHeartbeat = 4 * time.Second

	defaultDialTimeout = 10 * time.Second

	defaultReconnectBaseDelay   = 1 * time.Second
	defaultReconnectMaxDelay    = 30 * time.Second
	defaultReconnectMaxAttempts = 5
	reconnectMultiplier         = 1.5
)
