package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoToken is returned when no access token is stored.
	ErrNoToken = errors.New("no token")

	// ErrTokenExpired is returned when the stored token is past its exp claim.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenMalformed is returned when a token cannot be parsed as a JWT.
	ErrTokenMalformed = errors.New("malformed token")

	// ErrRejected is the reason passed to relogin handlers when the backend
	// refuses the credentials (401/403).
	ErrRejected = errors.New("credentials rejected")
)

// ExpiredError carries the expiry instant of a stale token.
type ExpiredError struct {
	ExpiredAt time.Time
}

func (e ExpiredError) Error() string {
	if e.ExpiredAt.IsZero() {
		return ErrTokenExpired.Error()
	}
	return fmt.Sprintf("%s: at %s", ErrTokenExpired.Error(), e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e ExpiredError) Unwrap() error { return ErrTokenExpired }
