package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/api/internal/session"
	"sibol-maintenance/shared/httpx"
	"sibol-maintenance/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

// AuditMiddleware records every ticket mutation and every rejected session.
type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		r, holder := withHolder(r)
		next.ServeHTTP(lrw, r)

		if !shouldAudit(r, lrw.statusCode) {
			return
		}

		resourceType, resourceID := resourceFromPath(r.URL.Path)
		entry := models.AuditLog{
			OccurredAt:   time.Now().UTC(),
			Action:       actionForRequest(r, lrw.statusCode),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RequestID:    httpx.RequestIDFromContext(r.Context()),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   lrw.statusCode,
			DurationMS:   time.Since(start).Milliseconds(),
			ClientIP:     httpx.ClientIP(r),
			UserAgent:    strings.TrimSpace(r.UserAgent()),
			Details:      auditDetails(r, lrw.statusCode),
		}
		if holder.id.Valid() {
			accountID := holder.id.AccountID
			entry.ActorAccountID = &accountID
			entry.ActorRole = holder.id.Role
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Repo.WriteAuditLog(ctx, []models.AuditLog{entry}); err != nil {
				m.Logger.Warn(context.Background(), "audit_write_failed", "audit write failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("request_id", entry.RequestID),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
}

// Identity is attached further down the chain than the audit and request-log middleware,
// so it travels back up through a holder placed on the context.
type identityHolderKey struct{}

type identityHolder struct {
	id session.Identity
}

func withHolder(r *http.Request) (*http.Request, *identityHolder) {
	if h, ok := r.Context().Value(identityHolderKey{}).(*identityHolder); ok {
		return r, h
	}
	h := &identityHolder{}
	return r.WithContext(context.WithValue(r.Context(), identityHolderKey{}, h)), h
}

// TrackIdentity lets outer middleware read the acting account after the request is served.
func TrackIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _ = withHolder(r)
		next.ServeHTTP(w, r)
	})
}

// ActorID returns the account that made r, or "" before auth has run.
func ActorID(r *http.Request) string {
	if h, ok := r.Context().Value(identityHolderKey{}).(*identityHolder); ok && h.id.Valid() {
		return strconv.FormatInt(h.id.AccountID, 10)
	}
	return ""
}

// CaptureIdentity fills the holder with the resolved identity. Mount it after auth.
func CaptureIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := r.Context().Value(identityHolderKey{}).(*identityHolder); ok {
			if id, ok := session.FromContext(r.Context()); ok {
				h.id = id
			}
		}
		next.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func actionForRequest(r *http.Request, statusCode int) string {
	if statusCode == http.StatusUnauthorized {
		return "auth_failed"
	}
	if action := chiParam(r, "action"); action != "" {
		return action
	}
	parts := pathParts(r.URL.Path)
	if n := len(parts); n > 0 {
		switch parts[n-1] {
		case "assign":
			return "assign"
		case "remarks":
			return "remark"
		}
	}
	switch r.Method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func auditDetails(r *http.Request, statusCode int) []byte {
	details := map[string]any{
		"status_code": statusCode,
	}
	if mode := strings.TrimSpace(r.URL.Query().Get("mode")); mode != "" {
		details["mode"] = mode
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return b
}

// resourceFromPath maps /api/v1/maintenance/{id}/... to ("maintenance_ticket", id).
func resourceFromPath(path string) (*string, *string) {
	parts := pathParts(path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" || parts[2] != "maintenance" {
		return nil, nil
	}
	resource := "maintenance_ticket"
	if len(parts) < 4 || collectionSegments[parts[3]] {
		return &resource, nil
	}
	id := strings.TrimSpace(parts[3])
	if id == "" {
		return &resource, nil
	}
	return &resource, &id
}

var collectionSegments = map[string]bool{"views": true, "priorities": true, "operators": true}

func pathParts(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func chiParam(r *http.Request, key string) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.URLParam(key)
	}
	return ""
}
