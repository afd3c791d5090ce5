package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims Claims) string {
	t.Helper()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-not-verified-by-client"))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return tok
}

func TestStore_SetTokenAndToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewStore(nil, WithClock(func() time.Time { return now }))

	raw := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "17",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Name: "alice",
	})

	claims, err := st.SetToken(raw)
	if err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	u := claims.User()
	if u.ID != "17" || u.Name != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}

	got, err := st.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got != raw {
		t.Fatalf("Token mismatch")
	}
}

func TestStore_TokenErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	st := NewStore(nil, WithClock(func() time.Time { return clock }), WithLeeway(0))

	if _, err := st.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	if _, err := st.SetToken("not-a-jwt"); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}

	expired := signToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}})
	if _, err := st.SetToken(expired); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	valid := signToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}})
	if _, err := st.SetToken(valid); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	clock = now.Add(2 * time.Minute)
	_, err := st.Token()
	var exp ExpiredError
	if !errors.As(err, &exp) {
		t.Fatalf("expected ExpiredError, got %v", err)
	}
	if !IsAuthError(err) {
		t.Fatalf("IsAuthError(%v)=false", err)
	}
}

func TestStore_InvalidateNotifiesInOrder(t *testing.T) {
	st := NewStore(nil)

	raw := signToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "3"}})
	if _, err := st.SetToken(raw); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	var calls []string
	st.OnRelogin(func(err error) {
		if !errors.Is(err, ErrRejected) {
			t.Errorf("unexpected reason: %v", err)
		}
		calls = append(calls, "a")
	})
	off := st.OnRelogin(func(error) { calls = append(calls, "b") })
	st.OnRelogin(func(error) { calls = append(calls, "c") })
	off()
	off()

	st.Invalidate(nil)

	if len(calls) != 2 || calls[0] != "a" || calls[1] != "c" {
		t.Fatalf("calls=%v want=[a c]", calls)
	}
	if _, err := st.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("token should be cleared, got %v", err)
	}
}

func TestStore_ParseDoesNotStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewStore(nil, WithClock(func() time.Time { return now }))

	raw := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "17",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Name: "alice",
	})

	claims, err := st.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.User().ID != "17" {
		t.Fatalf("unexpected user: %+v", claims.User())
	}
	if _, err := st.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Parse stored the token: %v", err)
	}
	if _, err := st.Parse("  "); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}
