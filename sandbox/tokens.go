package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/brokerdesk/internal/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	challengeTTL      = 5 * time.Minute
	maxChallengeTries = 5
	tokenIssuer       = "brokerdesk-sandbox"
)

// Claims are carried by sandbox access tokens.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// tokenSigner issues and validates HS256 access tokens.
type tokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func (s *tokenSigner) issue(adminID, email, role string) (string, error) {
	now := s.now().UTC()
	claims := &Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New(),
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    tokenIssuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

func (s *tokenSigner) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	return claims, nil
}

// grant is an opaque server-side token bound to a subject: a refresh token or
// a pending 2FA challenge bound to an admin email, or a revoked access token ID.
type grant struct {
	subject   string
	expiresAt time.Time
	attempts  int
}

// grantStore keeps opaque tokens with expiry.
type grantStore struct {
	mu   sync.Mutex
	data map[string]*grant
	ttl  time.Duration
	now  func() time.Time
}

func newGrantStore(ttl time.Duration, now func() time.Time) *grantStore {
	return &grantStore{data: make(map[string]*grant), ttl: ttl, now: now}
}

func (g *grantStore) create(subject string) string {
	token := uuid.New()
	g.add(token, subject)
	return token
}

func (g *grantStore) add(token, subject string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.data[token] = &grant{subject: subject, expiresAt: g.now().Add(g.ttl)}
}

// lookup returns the subject bound to token. Expired tokens are removed.
func (g *grantStore) lookup(token string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gr, ok := g.data[token]
	if !ok {
		return "", false
	}
	if g.now().After(gr.expiresAt) {
		delete(g.data, token)
		return "", false
	}
	return gr.subject, true
}

// fail counts a rejected use of token and drops it after max failures.
// It reports whether the token is still usable.
func (g *grantStore) fail(token string, max int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gr, ok := g.data[token]
	if !ok {
		return false
	}
	gr.attempts++
	if gr.attempts >= max {
		delete(g.data, token)
		return false
	}
	return true
}

func (g *grantStore) revoke(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.data, token)
}

func (g *grantStore) revokeSubject(subject string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for token, gr := range g.data {
		if gr.subject == subject {
			delete(g.data, token)
			n++
		}
	}
	return n
}

func (g *grantStore) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for token, gr := range g.data {
		if now.After(gr.expiresAt) {
			delete(g.data, token)
		}
	}
}
