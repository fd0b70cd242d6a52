package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newAuthError(RefreshFailed, "Session expired", 401, context.DeadlineExceeded))

	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, &AuthError{Kind: RefreshFailed})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the cause stays reachable")
	assert.NotErrorIs(t, err, ErrInvalidCredentials)

	var ae *AuthError
	assert.True(t, errors.As(err, &ae))
	assert.Equal(t, 401, ae.Status)
	assert.Contains(t, ae.Error(), "REFRESH_FAILED")
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Login failed", Message(newAuthError(InvalidCredentials, "Login failed", 0, nil), "x"))
	assert.Equal(t, "fallback", Message(errors.New("boom"), "fallback"))
}

func TestNormalizeAndValidateCode(t *testing.T) {
	assert.Equal(t, "123456", NormalizeCode(" 123 456\t"))
	assert.True(t, ValidCode("000000"))
	assert.False(t, ValidCode("12345"))
	assert.False(t, ValidCode("12345x"))
	assert.False(t, ValidCode("１２３４５６"))
}
