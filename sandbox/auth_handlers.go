package sandbox

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/brokerdesk/internal/util"
)

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken"`
}

type sessionResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Admin        adminView `json:"admin"`
}

// twoFactorChallengeResponse carries the challenge in refresh_token for
// clients that predate tempToken.
type twoFactorChallengeResponse struct {
	Requires2FA  bool   `json:"requires2FA"`
	RefreshToken string `json:"refresh_token"`
	TempToken    string `json:"tempToken"`
}

type twoFactorLoginRequest struct {
	RefreshToken string `json:"refresh_token"`
	TempToken    string `json:"tempToken"`
	Code         string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type verifyResponse struct {
	Valid bool      `json:"valid"`
	Admin adminView `json:"admin"`
}

type captchaResponse struct {
	Required bool `json:"required"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Login checks email and password. Admins with 2FA get a challenge token
// instead of a session.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	s.faults.loginCalls.Add(1)

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := util.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	key := accountLookupID(email)
	ip := extractClientIP(r, s.trustedProxies)
	if blocked, retryAfter := s.limiter.check(key); blocked {
		s.audit.logFailure(AuditLoginRateLimited, r, "account locked")
		writeRateLimited(w, retryAfter)
		return
	}
	if !s.captcha.accept(ip, req.CaptchaToken) {
		s.audit.logFailure(AuditCaptchaRequired, r, "captcha missing or invalid")
		writeError(w, http.StatusBadRequest, "CAPTCHA verification required")
		return
	}

	account, ok := s.checkPassword(email, req.Password)
	if !ok {
		s.limiter.recordFailure(key)
		s.captcha.counts.recordFailure(ip)
		s.audit.logFailure(AuditLoginFailure, r, "invalid credentials")
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	s.limiter.recordSuccess(key)
	s.captcha.counts.recordSuccess(ip)

	if account.TOTPEnabled {
		challenge := s.challenges.create(account.Email)
		s.audit.logEvent(AuditTwoFactorChallenge, r, account.ID)
		writeJSON(w, http.StatusOK, twoFactorChallengeResponse{
			Requires2FA:  true,
			RefreshToken: challenge,
			TempToken:    challenge,
		})
		return
	}
	s.startSession(w, r, account)
}

// TwoFactorLogin completes a login with a TOTP code.
func (s *Server) TwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	var req twoFactorLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	challenge := req.TempToken
	if challenge == "" {
		challenge = req.RefreshToken
	}
	email, ok := s.challenges.lookup(challenge)
	if !ok {
		s.audit.logFailure(AuditTwoFactorFailure, r, "unknown or expired challenge")
		writeError(w, http.StatusUnauthorized, "2FA session expired. Please login again.")
		return
	}
	account, err := s.account(email)
	if err != nil || !account.TOTPEnabled {
		s.challenges.revoke(challenge)
		writeError(w, http.StatusUnauthorized, "2FA session expired. Please login again.")
		return
	}
	now := s.now()
	redeemed, err := s.updateAccount(account.Email, func(a *accountRecord) error {
		return a.redeemTOTP(req.Code, now)
	})
	switch {
	case errors.Is(err, errInvalidCode), errors.Is(err, errCodeReused):
		remaining := s.challenges.fail(challenge, maxChallengeTries)
		s.audit.logEvent(AuditTwoFactorFailure, r, account.ID,
			slog.Bool("challenge_kept", remaining), slog.Bool("replayed", errors.Is(err, errCodeReused)))
		writeError(w, http.StatusUnauthorized, "Invalid 2FA code")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to verify 2FA code")
		return
	}
	s.challenges.revoke(challenge)
	s.startSession(w, r, redeemed)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, account *accountRecord) {
	now := s.now().UTC()
	updated, err := s.updateAccount(account.Email, func(a *accountRecord) error {
		a.LastLoginAt = &now
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start session")
		return
	}
	access, err := s.signer.issue(updated.ID, updated.Email, updated.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start session")
		return
	}
	refresh := s.refresh.create(updated.Email)
	s.audit.logEvent(AuditLoginSuccess, r, updated.ID)
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		Admin:        updated.view(),
	})
}

// CaptchaRequired reports whether the caller's next login needs a CAPTCHA.
func (s *Server) CaptchaRequired(w http.ResponseWriter, r *http.Request) {
	ip := extractClientIP(r, s.trustedProxies)
	writeJSON(w, http.StatusOK, captchaResponse{Required: s.captcha.required(ip)})
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token itself is not rotated.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	s.faults.refreshCalls.Add(1)

	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.refreshFailing() {
		s.audit.logFailure(AuditRefreshRejected, r, "refresh disabled")
		writeError(w, http.StatusUnauthorized, "Refresh token expired")
		return
	}
	email, ok := s.refresh.lookup(req.RefreshToken)
	if !ok {
		s.audit.logFailure(AuditRefreshRejected, r, "unknown or expired refresh token")
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	account, err := s.account(email)
	if err != nil {
		s.refresh.revoke(req.RefreshToken)
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	access, err := s.signer.issue(account.ID, account.Email, account.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to refresh token")
		return
	}
	s.audit.logEvent(AuditTokenRefreshed, r, account.ID)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: access})
}

// Logout revokes the presented access token and every refresh token of its
// admin. A missing or stale token still gets a success response.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	if req.RefreshToken != "" {
		s.refresh.revoke(req.RefreshToken)
	}
	if ac, ok := s.authenticate(r); ok {
		s.revoked.add(ac.claims.ID, ac.account.Email)
		n := s.refresh.revokeSubject(ac.account.Email)
		s.audit.logEvent(AuditLogout, r, ac.account.ID, slog.Int("refresh_tokens_revoked", n))
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Verify returns the current admin profile.
func (s *Server) Verify(w http.ResponseWriter, r *http.Request) {
	ac := authFromContext(r.Context())
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Admin: ac.account.view()})
}
