package realtime

import (
	"errors"
	"strings"
)

var (
	// ErrAuthentication matches every fatal credential failure: missing, expired
	// or broker-rejected token. It is never retried.
	ErrAuthentication = errors.New("realtime: authentication failed")

	// ErrNotConnected is returned by publish operations outside StateConnected.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrDisconnected is returned to a pending Connect when Disconnect wins the race.
	ErrDisconnected = errors.New("realtime: disconnected while connecting")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: session closed")

	// ErrTransportClosed is the reason reported by a transport that went away.
	ErrTransportClosed = errors.New("realtime: transport closed")

	// ErrInvalidChannel is returned for an empty channel id.
	ErrInvalidChannel = errors.New("realtime: invalid channel id")

	// ErrEmptyMessage and ErrMessageTooLong reject outgoing content.
	ErrEmptyMessage   = errors.New("realtime: empty message")
	ErrMessageTooLong = errors.New("realtime: message too long")
)

// AuthError is a fatal authentication failure. It matches ErrAuthentication
// and the underlying reason (e.g. auth.ErrTokenExpired).
type AuthError struct {
	Reason error
}

func (e AuthError) Error() string {
	if e.Reason == nil {
		return ErrAuthentication.Error()
	}
	return ErrAuthentication.Error() + ": " + e.Reason.Error()
}

func (e AuthError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrAuthentication}
	}
	return []error{ErrAuthentication, e.Reason}
}

// TransportError is a transient socket or broker failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "realtime: " + e.Op + " failed"
	}
	return "realtime: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// looksLikeAuthFailure detects broker error frames that reject credentials.
func looksLikeAuthFailure(text string) bool {
	s := strings.ToLower(text)
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
