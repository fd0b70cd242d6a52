// Package session owns the operator's authentication lifecycle: login with
// optional CAPTCHA and mandatory 2FA, single-flight token refresh, idle
// expiry and logout. One Manager is constructed at the application root and
// handed to everything that needs it.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/brokerdesk/credstore"
	"github.com/jmcleod/brokerdesk/internal/util"
)

const (
	// DefaultRefreshTimeout bounds a single refresh call shared by all waiters.
	DefaultRefreshTimeout = 30 * time.Second
	// MaxTwoFactorAttempts is how many rejected codes a challenge survives.
	MaxTwoFactorAttempts = 5

	defaultHTTPTimeout = 30 * time.Second
	logoutTimeout      = 5 * time.Second
)

// State is the coarse authentication state of the client.
type State int

const (
	StateAnonymous State = iota
	StateTwoFactorPending
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateTwoFactorPending:
		return "two_factor_pending"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// EndReason says why a session ended.
type EndReason string

const (
	EndReasonLogout        EndReason = "logout"
	EndReasonRefreshFailed EndReason = "refresh_failed"
	EndReasonTokenInvalid  EndReason = "token_invalid"
)

// Outcome is the result of a successful Login or VerifyTwoFactor call.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota + 1
	OutcomeTwoFactorPending
)

// LoginRequest carries the operator's credentials.
type LoginRequest struct {
	Email        string
	Password     string
	CaptchaToken string
}

// LoginResult describes how a login attempt resolved. On a rejected login it
// is returned alongside the error with CaptchaRequired re-polled from the
// server, since repeated failures may make the next attempt need one.
type LoginResult struct {
	Outcome         Outcome
	Admin           *credstore.AdminProfile
	CaptchaRequired bool
}

// Manager is the client-side authentication session.
type Manager struct {
	store          *credstore.Store
	baseURL        string
	client         *http.Client
	logger         *slog.Logger
	now            func() time.Time
	idleTimeout    time.Duration
	refreshTimeout time.Duration
	onEnded        func(EndReason)

	refreshGroup singleflight.Group

	mu               sync.Mutex
	twoFactorRejects int
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for auth endpoint calls. It must not
// route through the authenticating transport.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIdleTimeout overrides IdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = d }
}

// WithSessionEndedHook registers fn to run after a held session is cleared.
// Front ends use it to route back to the login prompt.
func WithSessionEndedHook(fn func(EndReason)) Option {
	return func(m *Manager) { m.onEnded = fn }
}

// New creates a Manager over store talking to the auth API at baseURL.
func New(store *credstore.Store, baseURL string, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		baseURL:        strings.TrimRight(baseURL, "/"),
		now:            time.Now,
		idleTimeout:    IdleTimeout,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Login submits the operator's credentials.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	email := util.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return LoginResult{}, newAuthError(InvalidCredentials, "Email and password are required", 0, nil)
	}

	var resp loginResponse
	err := m.call(ctx, http.MethodPost, "/auth/login", "", loginRequest{
		Email:        email,
		Password:     req.Password,
		CaptchaToken: req.CaptchaToken,
	}, &resp)
	if err != nil {
		result := LoginResult{}
		if ctx.Err() == nil {
			required, cerr := m.CaptchaRequired(ctx)
			if cerr != nil {
				m.logger.Debug("captcha re-poll failed", "error", cerr)
			}
			result.CaptchaRequired = required
		}
		return result, rejection(err, InvalidCredentials, "Login failed")
	}

	if resp.Requires2FA {
		challenge := resp.challengeToken()
		if challenge == "" {
			return LoginResult{}, newAuthError(InvalidCredentials, "Login failed", 0, errors.New("2FA required without a challenge token"))
		}
		held := m.store.AccessToken()
		if err := m.store.SetPendingChallenge(challenge); err != nil {
			return LoginResult{}, fmt.Errorf("storing 2FA challenge: %w", err)
		}
		if held != "" {
			m.notifyLogout(ctx, held)
			m.logger.Info("session replaced by pending 2FA login")
		}
		m.resetTwoFactorRejects()
		m.logger.Info("login requires 2FA", "email", email)
		return LoginResult{Outcome: OutcomeTwoFactorPending}, nil
	}

	admin, err := m.establish(&resp, InvalidCredentials, "Login failed")
	if err != nil {
		return LoginResult{}, err
	}
	m.logger.Info("login succeeded", "admin_id", admin.ID)
	return LoginResult{Outcome: OutcomeAuthenticated, Admin: admin}, nil
}

// CaptchaRequired asks the server whether the next login needs a CAPTCHA.
func (m *Manager) CaptchaRequired(ctx context.Context) (bool, error) {
	var resp captchaResponse
	if err := m.call(ctx, http.MethodGet, "/auth/captcha-required", "", nil, &resp); err != nil {
		return false, fmt.Errorf("checking captcha requirement: %w", err)
	}
	return resp.Required, nil
}

// VerifyTwoFactor exchanges the pending challenge and a 6-digit code for a
// full session. A rejected code keeps the challenge for another try until
// MaxTwoFactorAttempts is reached.
func (m *Manager) VerifyTwoFactor(ctx context.Context, code string) (LoginResult, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return LoginResult{}, newAuthError(InvalidCode, "Please enter a valid 6-digit code", 0, nil)
	}

	challenge := m.store.PendingChallenge()
	if challenge == "" {
		stored, err := m.store.StoredPendingChallenge()
		if err != nil {
			m.logger.Warn("reading stored 2FA challenge", "error", err)
		}
		challenge = stored
	}
	if challenge == "" {
		return LoginResult{}, newAuthError(NoChallenge, "No 2FA token found. Please login again.", 0, nil)
	}

	var resp loginResponse
	err := m.call(ctx, http.MethodPost, "/auth/2fa-login", "", twoFactorLoginRequest{
		ChallengeToken: challenge,
		TempToken:      challenge,
		Code:           code,
	}, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && countsAsCodeReject(se.Status) && m.recordTwoFactorReject() {
			if cerr := m.store.ClearPendingChallenge(); cerr != nil {
				m.logger.Warn("clearing exhausted 2FA challenge", "error", cerr)
			}
			return LoginResult{}, newAuthError(InvalidCode, "Too many invalid codes. Please login again.", se.Status, err)
		}
		return LoginResult{}, rejection(err, InvalidCode, "Invalid 2FA code")
	}

	admin, err := m.establish(&resp, InvalidCode, "Invalid 2FA code")
	if err != nil {
		return LoginResult{}, err
	}
	m.resetTwoFactorRejects()
	m.logger.Info("2FA verification succeeded", "admin_id", admin.ID)
	return LoginResult{Outcome: OutcomeAuthenticated, Admin: admin}, nil
}

// CancelTwoFactor abandons a pending 2FA challenge.
func (m *Manager) CancelTwoFactor() {
	m.resetTwoFactorRejects()
	if err := m.store.ClearPendingChallenge(); err != nil {
		m.logger.Warn("clearing 2FA challenge", "error", err)
	}
}

// establish stores the full credential set from a login-shaped response.
func (m *Manager) establish(resp *loginResponse, kind Kind, fallback string) (*credstore.AdminProfile, error) {
	if resp.AccessToken == "" || len(resp.Admin) == 0 || string(resp.Admin) == "null" {
		return nil, newAuthError(kind, fallback, 0, errors.New("response missing access token or admin profile"))
	}
	admin, err := decodeAdmin(resp.Admin)
	if err != nil {
		return nil, newAuthError(kind, fallback, 0, fmt.Errorf("decoding admin profile: %w", err))
	}
	if err := m.store.Authenticate(resp.AccessToken, resp.RefreshToken, admin, m.now()); err != nil {
		return nil, fmt.Errorf("storing credentials: %w", err)
	}
	return &admin, nil
}

// Logout notifies the server on a best-effort basis and clears all local
// credentials. It never fails and may be called any number of times.
func (m *Manager) Logout(ctx context.Context) {
	m.end(ctx, EndReasonLogout)
}

func (m *Manager) end(ctx context.Context, reason EndReason) {
	snap := m.store.Snapshot()
	pending := m.store.PendingChallenge()
	if snap.AccessToken != "" {
		m.notifyLogout(ctx, snap.AccessToken)
	}
	if err := m.store.Clear(); err != nil {
		m.logger.Warn("clearing credentials", "error", err)
	}
	m.resetTwoFactorRejects()
	if !snap.Empty() || pending != "" {
		m.logger.Info("session ended", "reason", reason)
		m.sessionEnded(reason)
	}
}

// endIfCurrent ends the session only while refreshToken is still the one
// held, so a late failure cannot log out a session established since.
func (m *Manager) endIfCurrent(ctx context.Context, refreshToken string, reason EndReason) {
	snap := m.store.Snapshot()
	if snap.RefreshToken != refreshToken {
		return
	}
	if snap.AccessToken != "" {
		m.notifyLogout(ctx, snap.AccessToken)
	}
	cleared, err := m.store.ClearIfRefreshToken(refreshToken)
	if err != nil {
		m.logger.Warn("clearing credentials", "error", err)
	}
	if cleared {
		m.resetTwoFactorRejects()
		m.logger.Info("session ended", "reason", reason)
		m.sessionEnded(reason)
	}
}

func (m *Manager) notifyLogout(ctx context.Context, accessToken string) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	if err := m.call(lctx, http.MethodPost, "/auth/logout", accessToken, nil, nil); err != nil {
		m.logger.Debug("server logout failed", "error", err)
	}
}

func (m *Manager) sessionEnded(reason EndReason) {
	if m.onEnded != nil {
		m.onEnded(reason)
	}
}

// VerifyToken checks the held access token with the server and refreshes the
// stored profile. Any failure other than the caller's own cancellation ends
// the session.
func (m *Manager) VerifyToken(ctx context.Context) bool {
	if m.store.AccessToken() == "" {
		return false
	}
	var resp verifyResponse
	err := m.authedCall(ctx, http.MethodGet, "/auth/verify", nil, &resp)
	if err == nil && resp.Valid {
		if len(resp.Admin) > 0 && string(resp.Admin) != "null" {
			admin, derr := decodeAdmin(resp.Admin)
			if derr != nil {
				m.logger.Warn("decoding verified admin profile", "error", derr)
			} else if serr := m.store.SetAdmin(admin); serr != nil {
				m.logger.Warn("storing verified admin profile", "error", serr)
			}
		}
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrNoRefreshToken) {
		return false
	}
	m.logger.Info("token verification failed", "error", err)
	m.end(ctx, EndReasonTokenInvalid)
	return false
}

// IsAuthenticated reports whether a bearer token and profile are held.
func (m *Manager) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

// State derives the authentication state from the credential store.
func (m *Manager) State() State {
	snap := m.store.Snapshot()
	if snap.AccessToken != "" && snap.Admin != nil {
		return StateAuthenticated
	}
	if m.store.PendingChallenge() != "" {
		return StateTwoFactorPending
	}
	return StateAnonymous
}

// AccessToken returns the held bearer token, or "".
func (m *Manager) AccessToken() string {
	return m.store.AccessToken()
}

// Admin returns a copy of the authenticated profile, or nil.
func (m *Manager) Admin() *credstore.AdminProfile {
	return m.store.Admin()
}

// LoginAt returns when the current session was established.
func (m *Manager) LoginAt() time.Time {
	return m.store.LoginAt()
}

// LastActivity returns the last recorded outbound activity.
func (m *Manager) LastActivity() time.Time {
	return m.store.LastActivity()
}

// RecordActivity stamps the session as active now.
func (m *Manager) RecordActivity() {
	if m.store.AccessToken() == "" {
		return
	}
	if err := m.store.Touch(m.now()); err != nil {
		m.logger.Warn("recording activity", "error", err)
	}
}

// IsSessionExpired reports whether the session has idled past the timeout.
func (m *Manager) IsSessionExpired() bool {
	return Expired(m.store.LastActivity(), m.now(), m.idleTimeout)
}

// AccessTokenExpiry reads the exp claim of the held access token without
// verifying its signature. It reports false for opaque or absent tokens.
func (m *Manager) AccessTokenExpiry() (time.Time, bool) {
	token := m.store.AccessToken()
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (m *Manager) recordTwoFactorReject() (exhausted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.twoFactorRejects++
	if m.twoFactorRejects >= MaxTwoFactorAttempts {
		m.twoFactorRejects = 0
		return true
	}
	return false
}

func (m *Manager) resetTwoFactorRejects() {
	m.mu.Lock()
	m.twoFactorRejects = 0
	m.mu.Unlock()
}

// NormalizeCode strips whitespace from a typed 2FA code.
func NormalizeCode(code string) string {
	return util.NormalizeOTP(code)
}

// ValidCode reports whether code is exactly six ASCII digits.
func ValidCode(code string) bool {
	return util.ValidOTP(code)
}

// countsAsCodeReject reports whether a 2fa-login failure status means the
// server judged the code. Rate limits and outages do not use up an attempt.
func countsAsCodeReject(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// statusError is a non-2xx response from the auth API.
type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// rejection converts a call failure into an AuthError of kind, preferring
// the server's message over fallback.
func rejection(err error, kind Kind, fallback string) *AuthError {
	var se *statusError
	if errors.As(err, &se) {
		msg := se.Message
		if msg == "" {
			msg = fallback
		}
		return newAuthError(kind, msg, se.Status, err)
	}
	return newAuthError(kind, fallback, 0, err)
}

// call sends a JSON request to the auth API. bearer may be empty.
func (m *Manager) call(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return fmt.Errorf("request canceled: %w", ctx.Err())
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("request timed out: %w", ctx.Err())
		}
		return fmt.Errorf("cannot connect to %s: %w", m.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp)
		return &statusError{Status: resp.StatusCode, Message: errResp.text()}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", path, err)
	}
	return nil
}

// authedCall is call with the held bearer token. A 401 triggers one refresh
// and one retry.
func (m *Manager) authedCall(ctx context.Context, method, path string, in, out any) error {
	token := m.store.AccessToken()
	if token == "" {
		return &statusError{Status: http.StatusUnauthorized, Message: "Not signed in"}
	}
	m.RecordActivity()
	err := m.call(ctx, method, path, token, in, out)
	var se *statusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		return err
	}
	token, err = m.RefreshAccessToken(ctx)
	if err != nil {
		return err
	}
	m.RecordActivity()
	return m.call(ctx, method, path, token, in, out)
}
