package sandbox

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginRateLimited   AuditEvent = "login_rate_limited"
	AuditCaptchaRequired    AuditEvent = "captcha_required"
	AuditTwoFactorChallenge AuditEvent = "2fa_challenge"
	AuditTwoFactorFailure   AuditEvent = "2fa_failure"
	AuditTwoFactorSetup     AuditEvent = "2fa_setup"
	AuditTwoFactorEnabled   AuditEvent = "2fa_enabled"
	AuditTwoFactorDisabled  AuditEvent = "2fa_disabled"
	AuditTokenRefreshed     AuditEvent = "token_refreshed"
	AuditRefreshRejected    AuditEvent = "refresh_rejected"
	AuditLogout             AuditEvent = "logout"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger, now func() time.Time) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		now:    now,
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent is a convenience for events tied to an admin.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, adminID string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("admin_id", adminID)}
	al.log(event, r, append(attrs, extra...)...)
}

// logFailure logs a rejected authentication attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("reason", reason)}
	al.log(event, r, append(attrs, extra...)...)
}
