package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/api/internal/session"
	"sibol-maintenance/shared/logx"
)

type resolverFunc func(ctx context.Context, token string) (session.Identity, error)

func (f resolverFunc) Resolve(ctx context.Context, token string) (session.Identity, error) {
	return f(ctx, token)
}

func TestAuthMiddleware(t *testing.T) {
	resolver := resolverFunc(func(_ context.Context, token string) (session.Identity, error) {
		switch token {
		case "good":
			return session.Identity{AccountID: 4, Role: "operator", Token: token}, nil
		case "redis-down":
			return session.Identity{}, errors.New("dial tcp: refused")
		}
		return session.Identity{}, session.ErrUnauthenticated
	})

	var seen session.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = session.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := AuthMiddleware{
		Resolver: resolver,
		Skip:     func(r *http.Request) bool { return r.URL.Path == "/healthz" },
	}.Wrap(next)

	cases := []struct {
		name   string
		path   string
		header string
		cookie string
		status int
	}{
		{name: "health skipped", path: "/healthz", status: http.StatusNoContent},
		{name: "missing token", path: "/api/v1/maintenance/1", status: http.StatusUnauthorized},
		{name: "bad token", path: "/api/v1/maintenance/1", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "store down", path: "/api/v1/maintenance/1", header: "Bearer redis-down", status: http.StatusServiceUnavailable},
		{name: "bearer", path: "/api/v1/maintenance/1", header: "bearer good", status: http.StatusNoContent},
		{name: "cookie", path: "/api/v1/maintenance/1", cookie: "good", status: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = session.Identity{}
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tc.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusNoContent && tc.path != "/healthz" {
				assert.Equal(t, int64(4), seen.AccountID)
			}
		})
	}
}

func TestAuthMiddlewareWithoutResolver(t *testing.T) {
	h := AuthMiddleware{}.Wrap(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/maintenance/views/requested", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []models.AuditLog
	done    chan struct{}
}

func (a *auditRecorder) WriteAuditLog(_ context.Context, entries []models.AuditLog) error {
	a.mu.Lock()
	a.entries = append(a.entries, entries...)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func TestAuditMiddlewareRecordsMutations(t *testing.T) {
	rec := &auditRecorder{done: make(chan struct{}, 4)}
	inner := CaptureIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	withIdentity := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := session.WithIdentity(r.Context(), session.Identity{AccountID: 8, Role: "maintenance_staff"})
		inner.ServeHTTP(w, r.WithContext(ctx))
	})
	h := AuditMiddleware{Enabled: true, Repo: rec, Logger: logx.Nop()}.Wrap(withIdentity)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/maintenance/12", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/api/v1/maintenance/12/assign", nil))

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("audit entry was not written")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, "assign", e.Action)
	require.NotNil(t, e.ResourceID)
	assert.Equal(t, "12", *e.ResourceID)
	require.NotNil(t, e.ActorAccountID)
	assert.Equal(t, int64(8), *e.ActorAccountID)
	assert.Equal(t, "maintenance_staff", e.ActorRole)
}

func TestResourceFromPath(t *testing.T) {
	typ, id := resourceFromPath("/api/v1/maintenance/views/pending")
	require.NotNil(t, typ)
	assert.Nil(t, id)

	typ, id = resourceFromPath("/api/v1/maintenance/42/actions/delete")
	require.NotNil(t, typ)
	require.NotNil(t, id)
	assert.Equal(t, "maintenance_ticket", *typ)
	assert.Equal(t, "42", *id)

	typ, _ = resourceFromPath("/metrics")
	assert.Nil(t, typ)
}

func TestActorIDTravelsBackUp(t *testing.T) {
	var actor string
	inner := CaptureIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h := TrackIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "", ActorID(r))
		inner.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), session.Identity{AccountID: 21})))
		actor = ActorID(r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "21", actor)
}
