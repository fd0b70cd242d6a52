package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const refreshKey = "refresh"

// RefreshAccessToken exchanges the held refresh token for a new access token.
//
// Concurrent callers share one network call: whoever arrives while a refresh
// is outstanding waits for it and receives the same token or the same error.
// The shared call is detached from any single caller's cancellation and
// bounded by the refresh timeout; a caller whose ctx ends stops waiting
// without affecting the others.
//
// A missing refresh token or a rejected refresh ends the session before the
// error is returned. A refresh that settles after the session was cleared or
// replaced stores nothing and fails with RefreshFailed.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	ch := m.refreshGroup.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(rctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	refreshToken := m.store.RefreshToken()
	if refreshToken == "" {
		m.end(ctx, EndReasonRefreshFailed)
		return "", newAuthError(NoRefreshToken, "No refresh token available. Please login again.", 0, nil)
	}

	var resp refreshResponse
	err := m.call(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: refreshToken}, &resp)
	if err == nil && resp.AccessToken == "" {
		err = errors.New("refresh response missing access token")
	}
	if err != nil {
		m.logger.Warn("token refresh failed", "error", err)
		m.endIfCurrent(ctx, refreshToken, EndReasonRefreshFailed)
		return "", rejection(err, RefreshFailed, "Session expired. Please login again.")
	}

	stored, err := m.store.ReplaceAccessToken(refreshToken, resp.AccessToken)
	if err != nil {
		return "", newAuthError(RefreshFailed, "Could not save the refreshed session.", 0, fmt.Errorf("storing access token: %w", err))
	}
	if !stored {
		m.logger.Debug("discarding refreshed token for an ended session")
		return "", newAuthError(RefreshFailed, "Session ended during token refresh.", 0, nil)
	}
	m.logger.Debug("access token refreshed")
	return resp.AccessToken, nil
}
