package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/brokerdesk/credstore"
	"github.com/jmcleod/brokerdesk/internal/util"
	"github.com/jmcleod/brokerdesk/storage"
	"github.com/jmcleod/brokerdesk/storage/memory"
)

// fakeBackend is a scriptable auth API.
type fakeBackend struct {
	t *testing.T

	mu              sync.Mutex
	requires2FA     bool
	twoFactorStatus int
	rejectLogin     bool
	captchaRequired bool
	validAccess     string
	refreshFail     bool
	refreshGate     chan struct{}
	lastLogin       map[string]any
	lastTwoFactor   map[string]any

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	verifyCalls  atomic.Int32
	loginCalls   atomic.Int32

	server *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{t: t, validAccess: "AT1"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.login)
	mux.HandleFunc("POST /auth/2fa-login", b.twoFactorLogin)
	mux.HandleFunc("POST /auth/refresh", b.refresh)
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		b.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /auth/verify", b.verify)
	mux.HandleFunc("GET /auth/captcha-required", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeTestJSON(w, http.StatusOK, map[string]any{"required": b.captchaRequired})
	})
	mux.HandleFunc("POST /auth/2fa/generate", b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]any{"secret": "JBSWY3DPEHPK3PXP", "qrCodeUrl": "otpauth://totp/x"})
	}))
	mux.HandleFunc("POST /auth/2fa/enable", b.authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "123456" {
			writeTestJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid verification code"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"success": true})
	}))
	mux.HandleFunc("POST /auth/2fa/disable", b.authed(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusInternalServerError, map[string]any{})
	}))
	mux.HandleFunc("POST /auth/2fa/verify", b.authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeTestJSON(w, http.StatusOK, map[string]any{"valid": body["code"] == "123456"})
	}))
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testAdminJSON(id string) map[string]any {
	return map[string]any{
		"id":               id,
		"name":             "Ops",
		"email":            "a@b.com",
		"role":             "superadmin",
		"permissions":      []string{"withdrawals:approve"},
		"twoFactorEnabled": false,
		"department":       "treasury",
	}
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) login(w http.ResponseWriter, r *http.Request) {
	b.loginCalls.Add(1)
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastLogin = body
	switch {
	case b.rejectLogin:
		b.captchaRequired = true
		writeTestJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid email or password"})
	case b.requires2FA:
		writeTestJSON(w, http.StatusOK, map[string]any{"requires2FA": true, "refresh_token": "TMP1"})
	default:
		writeTestJSON(w, http.StatusOK, map[string]any{
			"access_token": "AT1", "refresh_token": "RT1", "admin": testAdminJSON("1"),
		})
	}
}

func (b *fakeBackend) twoFactorLogin(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	b.lastTwoFactor = body
	forced := b.twoFactorStatus
	b.mu.Unlock()
	if forced != 0 {
		writeTestJSON(w, forced, map[string]any{"message": http.StatusText(forced)})
		return
	}
	if body["refresh_token"] != "TMP1" || body["code"] != "123456" {
		writeTestJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid 2FA code"})
		return
	}
	b.set(func(b *fakeBackend) { b.validAccess = "AT2" })
	writeTestJSON(w, http.StatusOK, map[string]any{
		"access_token": "AT2", "refresh_token": "RT2", "admin": testAdminJSON("1"),
	})
}

func (b *fakeBackend) refresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	b.mu.Lock()
	gate, fail := b.refreshGate, b.refreshFail
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fail {
		writeTestJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid refresh token"})
		return
	}
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body["refresh_token"] == "" {
		writeTestJSON(w, http.StatusBadRequest, map[string]any{"error": "refresh_token required"})
		return
	}
	b.set(func(b *fakeBackend) { b.validAccess = "AT_NEW" })
	writeTestJSON(w, http.StatusOK, map[string]any{"access_token": "AT_NEW"})
}

func (b *fakeBackend) verify(w http.ResponseWriter, r *http.Request) {
	b.verifyCalls.Add(1)
	if !b.bearerValid(r) {
		writeTestJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid token"})
		return
	}
	admin := testAdminJSON("1")
	admin["name"] = "Verified Ops"
	writeTestJSON(w, http.StatusOK, map[string]any{"valid": true, "admin": admin})
}

func (b *fakeBackend) bearerValid(r *http.Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+b.validAccess
}

func (b *fakeBackend) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") || !b.bearerValid(r) {
			writeTestJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid token"})
			return
		}
		h(w, r)
	}
}

// harness bundles a manager with the repository behind it so tests can
// simulate a restart by opening a second store over the same repository.
type harness struct {
	backend *fakeBackend
	repo    storage.Repository
	key     []byte
	store   *credstore.Store
	mgr     *Manager
	clock   *fakeClock
	ended   chan EndReason
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := util.NewAESKey()
	require.NoError(t, err)
	h := &harness{
		backend: newFakeBackend(t),
		repo:    memory.NewRepository(),
		key:     key,
		clock:   &fakeClock{now: time.UnixMilli(1_700_000_000_000)},
		ended:   make(chan EndReason, 16),
	}
	h.reopen(t)
	return h
}

// reopen builds a fresh store and manager over the same repository.
func (h *harness) reopen(t *testing.T) {
	t.Helper()
	store, err := credstore.Open(h.repo, h.key)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	h.store = store
	h.mgr = New(store, h.backend.server.URL,
		WithClock(h.clock.Now),
		WithSessionEndedHook(func(r EndReason) { h.ended <- r }),
	)
}
