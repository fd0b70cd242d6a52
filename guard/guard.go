// Package guard decides whether an operator may stay on a protected view.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultInterval is how often Run re-checks the session.
const DefaultInterval = 60 * time.Second

var (
	// ErrSessionExpired is returned when the session idled past its timeout.
	ErrSessionExpired = errors.New("session expired due to inactivity")
	// ErrLoginRequired is returned when there is no valid server session.
	ErrLoginRequired = errors.New("login required")
)

// Session is the part of the session manager the guard needs.
type Session interface {
	IsSessionExpired() bool
	VerifyToken(ctx context.Context) bool
	Logout(ctx context.Context)
}

// Guard checks a session before protected work and while it runs.
type Guard struct {
	session   Session
	logger    *slog.Logger
	onExpired func(error)
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// OnExpired registers fn to run once when Run stops because the session
// ended.
func OnExpired(fn func(error)) Option {
	return func(g *Guard) { g.onExpired = fn }
}

// New creates a Guard over s.
func New(s Session, opts ...Option) *Guard {
	g := &Guard{session: s}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "guard")
	return g
}

// Check forces logout on an idle session without contacting the server, then
// verifies the token with the server.
func (g *Guard) Check(ctx context.Context) error {
	if g.session.IsSessionExpired() {
		g.logger.Info("session idle past timeout, logging out")
		g.session.Logout(ctx)
		return ErrSessionExpired
	}
	if !g.session.VerifyToken(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLoginRequired
	}
	return nil
}

// Run checks immediately and then every interval until ctx ends or a check
// fails. A failed check invokes the OnExpired callback and is returned.
func (g *Guard) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if err := g.check(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.check(ctx); err != nil {
				return err
			}
		}
	}
}

func (g *Guard) check(ctx context.Context) error {
	err := g.Check(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	if g.onExpired != nil {
		g.onExpired(err)
	}
	return err
}
