// Package sandbox is a development backend implementing the broker admin
// authentication API: password login with CAPTCHA escalation, TOTP second
// factor, JWT access tokens, opaque refresh tokens and a small business
// surface. It exists for local work and integration tests.
package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/brokerdesk/internal/util"
	"github.com/jmcleod/brokerdesk/storage"
	"github.com/jmcleod/brokerdesk/storage/memory"
)

const sweepInterval = time.Minute

//go:embed openapi.yaml
var openapiSpec []byte

// Server holds the state behind the sandbox handlers.
type Server struct {
	repo       storage.Repository
	recordKey  []byte
	accountsMu sync.RWMutex
	bcryptCost int
	dummyHash  []byte

	secret     []byte
	signer     *tokenSigner
	accessTTL  time.Duration
	refreshTTL time.Duration
	refresh    *grantStore
	challenges *grantStore
	revoked    *grantStore

	limiter        *loginRateLimiter
	captcha        *captchaGate
	captchaToken   string
	trustedProxies []netip.Prefix

	audit   *auditLogger
	metrics *metricsCollector
	alertFn AlertFunc
	logger  *slog.Logger
	now     func() time.Time
	faults  *faults
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger for audit events and alerts.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRepository stores admin accounts in repo instead of memory.
func WithRepository(repo storage.Repository) Option {
	return func(s *Server) { s.repo = repo }
}

// WithSecret sets the HS256 signing secret. Account records are sealed under
// a key derived from it, so a persistent repository needs a stable secret.
func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = util.CopyBytes(secret) }
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(d time.Duration) Option {
	return func(s *Server) { s.refreshTTL = d }
}

// WithCaptchaToken sets the token accepted once a CAPTCHA is required.
func WithCaptchaToken(token string) Option {
	return func(s *Server) { s.captchaToken = token }
}

// WithAlertFunc registers a callback for anomaly alerts. Alerts are always
// logged.
func WithAlertFunc(fn AlertFunc) Option {
	return func(s *Server) { s.alertFn = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Server) { s.bcryptCost = cost }
}

// WithTrustedProxies enables X-Forwarded-For handling for peers inside the
// given prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) { s.trustedProxies = prefixes }
}

// New creates a sandbox server.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		captchaToken: "sandbox-captcha",
		bcryptCost:   bcrypt.DefaultCost,
		now:          time.Now,
		faults:       newFaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.repo == nil {
		s.repo = memory.NewRepository()
	}
	if len(s.secret) == 0 {
		secret, err := util.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		s.secret = secret
	}

	recordKey, err := deriveAccountKey(s.secret)
	if err != nil {
		return nil, fmt.Errorf("deriving account key: %w", err)
	}
	s.recordKey = recordKey

	filler, err := util.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	if s.dummyHash, err = bcrypt.GenerateFromPassword(filler, s.bcryptCost); err != nil {
		return nil, fmt.Errorf("hashing filler password: %w", err)
	}

	s.signer = &tokenSigner{secret: s.secret, ttl: s.accessTTL, now: s.now}
	s.refresh = newGrantStore(s.refreshTTL, s.now)
	s.challenges = newGrantStore(challengeTTL, s.now)
	s.revoked = newGrantStore(s.accessTTL, s.now)
	s.limiter = newLoginRateLimiter(s.now)
	s.captcha = newCaptchaGate(s.captchaToken, s.now)

	s.audit = newAuditLogger(s.logger, s.now)
	s.metrics = newMetricsCollector(s.alert, s.now)
	s.audit.metrics = s.metrics
	return s, nil
}

func (s *Server) alert(ev AlertEvent) {
	s.logger.Warn("security alert",
		"type", ev.Type, "count", ev.Count, "threshold", ev.Threshold, "message", ev.Message)
	if s.alertFn != nil {
		s.alertFn(ev)
	}
}

// Run sweeps expired rate-limit records and tokens until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.sweep()
			s.captcha.counts.sweep()
			s.refresh.sweep()
			s.challenges.sweep()
			s.revoked.sweep()
		}
	}
}

// Router returns a chi.Router with all sandbox routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(s.faultMiddleware)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.Login)
		r.Post("/2fa-login", s.TwoFactorLogin)
		r.Get("/captcha-required", s.CaptchaRequired)
		r.Post("/refresh", s.Refresh)
		r.Post("/logout", s.Logout)

		r.Group(func(r chi.Router) {
			r.Use(s.AuthMiddleware)
			r.Get("/verify", s.Verify)
			r.Post("/2fa/generate", s.GenerateTwoFactor)
			r.Post("/2fa/enable", s.EnableTwoFactor)
			r.Post("/2fa/disable", s.DisableTwoFactor)
			r.Post("/2fa/verify", s.VerifyTwoFactor)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		r.Get("/users", s.ListUsers)
		r.Get("/withdrawals", s.ListWithdrawals)
	})

	return r
}
