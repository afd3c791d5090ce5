package channel

import (
	"errors"
	"fmt"

	v1 "chord/shared/contracts/realtime/v1"
)

var (
	// ErrNoChannel is returned by operations that need an open channel.
	ErrNoChannel = errors.New("channel: no channel open")

	// ErrInvalidChannel is returned for an empty channel id.
	ErrInvalidChannel = errors.New("channel: invalid channel id")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel: controller closed")
)

// HistoryLoadError is a failed history page fetch. The controller moves to
// StatusError and does not retry on its own.
type HistoryLoadError struct {
	ChannelID v1.ID
	Page      int
	Err       error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("channel %s: load history page %d: %v", e.ChannelID, e.Page, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }
