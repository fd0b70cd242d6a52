package session

import (
	"errors"
	"fmt"
)

// Kind classifies an AuthError.
type Kind string

const (
	InvalidCredentials Kind = "INVALID_CREDENTIALS"
	NoChallenge        Kind = "NO_CHALLENGE"
	InvalidCode        Kind = "INVALID_CODE"
	NoRefreshToken     Kind = "NO_REFRESH_TOKEN"
	RefreshFailed      Kind = "REFRESH_FAILED"
	ServerRejected     Kind = "SERVER_REJECTED"
)

// Sentinel errors matched by errors.Is against any AuthError of the same kind.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoChallenge        = errors.New("no 2FA challenge pending")
	ErrInvalidCode        = errors.New("invalid 2FA code")
	ErrNoRefreshToken     = errors.New("no refresh token")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrServerRejected     = errors.New("server rejected request")
)

var sentinels = map[Kind]error{
	InvalidCredentials: ErrInvalidCredentials,
	NoChallenge:        ErrNoChallenge,
	InvalidCode:        ErrInvalidCode,
	NoRefreshToken:     ErrNoRefreshToken,
	RefreshFailed:      ErrRefreshFailed,
	ServerRejected:     ErrServerRejected,
}

// AuthError is returned by every Manager operation that fails for an
// authentication reason. Message is suitable for display to the operator.
// Status is the HTTP status of the response that caused it, or 0.
type AuthError struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel, or another AuthError of the same kind.
func (e *AuthError) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}
	var other *AuthError
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func newAuthError(kind Kind, msg string, status int, cause error) *AuthError {
	return &AuthError{Kind: kind, Message: msg, Status: status, Err: cause}
}

// Message returns the display message of err if it is an AuthError, or
// fallback otherwise.
func Message(err error, fallback string) string {
	var ae *AuthError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return fallback
}
