package middleware

import (
	"net/http"

	"sibol-maintenance/shared/httpx"
)

// DBRequiredMiddleware answers 503 for routes backed by Postgres when no pool is configured.
type DBRequiredMiddleware struct {
	Available bool
	Skip      func(*http.Request) bool
}

func (m DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.Available {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
