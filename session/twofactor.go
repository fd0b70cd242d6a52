package session

import (
	"context"
	"errors"
	"net/http"
)

// GenerateTwoFactorSecret starts 2FA enrolment for the signed-in operator.
func (m *Manager) GenerateTwoFactorSecret(ctx context.Context) (TwoFactorSecret, error) {
	var secret TwoFactorSecret
	if err := m.authedCall(ctx, http.MethodPost, "/auth/2fa/generate", nil, &secret); err != nil {
		return TwoFactorSecret{}, managementError(err, "Failed to generate 2FA secret")
	}
	if secret.Secret == "" {
		return TwoFactorSecret{}, newAuthError(ServerRejected, "Failed to generate 2FA secret", 0, nil)
	}
	return secret, nil
}

// EnableTwoFactor confirms enrolment with a code from the authenticator.
func (m *Manager) EnableTwoFactor(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return newAuthError(InvalidCode, "Please enter a valid 6-digit code", 0, nil)
	}
	var resp successResponse
	if err := m.authedCall(ctx, http.MethodPost, "/auth/2fa/enable", codeRequest{Code: code}, &resp); err != nil {
		return managementError(err, "Failed to enable 2FA")
	}
	if !resp.Success {
		return newAuthError(ServerRejected, "Failed to enable 2FA", 0, nil)
	}
	m.setTwoFactorFlag(true)
	return nil
}

// DisableTwoFactor turns 2FA off for the signed-in operator.
func (m *Manager) DisableTwoFactor(ctx context.Context) error {
	var resp successResponse
	if err := m.authedCall(ctx, http.MethodPost, "/auth/2fa/disable", nil, &resp); err != nil {
		return managementError(err, "Failed to disable 2FA")
	}
	if !resp.Success {
		return newAuthError(ServerRejected, "Failed to disable 2FA", 0, nil)
	}
	m.setTwoFactorFlag(false)
	return nil
}

// VerifyTwoFactorCode checks a code against the operator's enrolled secret
// without changing any session state.
func (m *Manager) VerifyTwoFactorCode(ctx context.Context, code string) (bool, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return false, nil
	}
	var resp validResponse
	if err := m.authedCall(ctx, http.MethodPost, "/auth/2fa/verify", codeRequest{Code: code}, &resp); err != nil {
		return false, managementError(err, "Failed to verify 2FA code")
	}
	return resp.Valid, nil
}

func (m *Manager) setTwoFactorFlag(enabled bool) {
	admin := m.store.Admin()
	if admin == nil {
		return
	}
	admin.TwoFactorEnabled = enabled
	if err := m.store.SetAdmin(*admin); err != nil {
		m.logger.Warn("updating admin 2FA flag", "error", err)
	}
}

// managementError keeps session-ending refresh errors as they are and turns
// everything else into ServerRejected.
func managementError(err error, fallback string) error {
	var ae *AuthError
	if errors.As(err, &ae) && (ae.Kind == RefreshFailed || ae.Kind == NoRefreshToken) {
		return ae
	}
	return rejection(err, ServerRejected, fallback)
}
