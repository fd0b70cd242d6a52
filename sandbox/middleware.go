package sandbox

import (
	"context"
	"net/http"
	"strings"
)

type contextKey int

const adminKey contextKey = iota

// authContext is what AuthMiddleware attaches to the request.
type authContext struct {
	account *accountRecord
	claims  *Claims
}

// AuthMiddleware validates the bearer access token and loads the admin.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), adminKey, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (*authContext, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, false
	}
	claims, err := s.signer.validate(token)
	if err != nil {
		return nil, false
	}
	if _, revoked := s.revoked.lookup(claims.ID); revoked {
		return nil, false
	}
	account, err := s.account(claims.Email)
	if err != nil || account.ID != claims.Subject {
		return nil, false
	}
	return &authContext{account: account, claims: claims}, true
}

func authFromContext(ctx context.Context) *authContext {
	ac, _ := ctx.Value(adminKey).(*authContext)
	return ac
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// SecurityHeaders sets standard security response headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
