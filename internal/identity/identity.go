// Package identity resolves the caller's verified identity from the bearer
// credential and carries it through the request context.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/chat-worker/internal/auth"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/shared"
)

// TokenQueryParam carries the bearer for transports that cannot set headers.
const TokenQueryParam = "token"

type contextKey int

const (
	principalKey contextKey = iota
)

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the verified principal from the request context.
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	if p, ok := ctx.Value(principalKey).(*auth.Principal); ok {
		return p
	}
	return nil
}

// RefreshTokenFromContext returns the replacement credential computed during
// verification, if any.
func RefreshTokenFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.RefreshToken
	}
	return ""
}

// BearerFromRequest extracts the credential from the Authorization header, or
// from the token query parameter when allowQuery is set.
func BearerFromRequest(r *http.Request, allowQuery bool) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if allowQuery {
		return r.URL.Query().Get(TokenQueryParam)
	}
	return ""
}

// Middleware verifies the bearer credential and injects the principal. Any
// failure ends the request with 401 before the store or model is touched.
func Middleware(verifier auth.Verifier, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := BearerFromRequest(r, allowQuery)
			if bearer == "" {
				shared.WriteError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			p, err := verifier.Verify(r.Context(), bearer)
			if err != nil {
				var de *domain.Error
				if errors.As(err, &de) {
					slog.Debug("Bearer rejected", "path", r.URL.Path, "ip", IPFromRequest(r), "error", err)
					shared.WriteError(w, de.HTTPStatus(), de.Message)
					return
				}
				slog.Error("Bearer verification failed", "path", r.URL.Path, "error", err)
				shared.WriteError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
