package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sibol-maintenance/api/internal/session"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/httpx"
)

// SessionCookie carries the SIBOL session id for browser clients that do not send a header.
const SessionCookie = "sibol_session"

type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (session.Identity, error)
}

// AuthMiddleware resolves the acting account and forwards its token to the SIBOL backend.
type AuthMiddleware struct {
	Resolver IdentityResolver
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Resolver == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "session resolver not configured", nil)
			return
		}

		token := bearerToken(r)
		if token == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing session token", nil)
			return
		}
		id, err := m.Resolver.Resolve(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrUnauthenticated):
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid or expired session", nil)
			return
		case errors.Is(err, session.ErrNoResolver):
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "session resolver not configured", nil)
			return
		default:
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "SESSION_UNAVAILABLE", "session store unavailable", nil)
			return
		}

		ctx := session.WithIdentity(r.Context(), id)
		ctx = sibol.WithBearer(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) > len("bearer ") && strings.EqualFold(authHeader[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authHeader[len("bearer "):])
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
