package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/api/internal/session"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/httpx"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/workflow"
)

type stubBackend struct {
	mu sync.Mutex

	ticket   sibol.Ticket
	tickets  []sibol.Ticket
	filter   sibol.TicketFilter
	created  sibol.CreateTicketInput
	uploaded []string
	actions  []string

	getErr    error
	listErr   error
	uploadErr error
}

func (s *stubBackend) note(name string) {
	s.mu.Lock()
	s.actions = append(s.actions, name)
	s.mu.Unlock()
}

func (s *stubBackend) GetTicket(context.Context, int64) (sibol.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket, s.getErr
}

func (s *stubBackend) CreateTicket(_ context.Context, in sibol.CreateTicketInput) (sibol.Ticket, error) {
	s.note("create")
	s.created = in
	return sibol.Ticket{RequestID: 77, Title: in.Title, Status: workflow.StatusRequested, CreatedBy: in.CreatedBy}, nil
}

func (s *stubBackend) AcceptAndAssign(_ context.Context, id int64, _ int64, assignTo *int64, _ sibol.AcceptOptions) (sibol.Ticket, error) {
	s.note("accept")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticket.Status = workflow.StatusOnGoing
	s.ticket.AssignedTo = assignTo
	return s.ticket, nil
}

func (s *stubBackend) MarkOnGoing(context.Context, int64, int64) error { s.note("ongoing"); return nil }

func (s *stubBackend) MarkForVerification(context.Context, int64, int64) error {
	s.note("mark_verification")
	s.mu.Lock()
	s.ticket.Status = workflow.StatusForVerification
	s.mu.Unlock()
	return nil
}

func (s *stubBackend) VerifyCompletion(context.Context, int64, int64) error { s.note("verify"); return nil }

func (s *stubBackend) RequestCancel(context.Context, int64, int64, string) error {
	s.note("request_cancel")
	return nil
}

func (s *stubBackend) CancelTicket(context.Context, int64, int64) error { s.note("cancel"); return nil }

func (s *stubBackend) DeleteTicket(context.Context, int64, int64, string) (bool, error) {
	s.note("delete")
	return true, nil
}

func (s *stubBackend) GetPriorities(context.Context) ([]sibol.Priority, error) {
	return []sibol.Priority{{ID: 1, Name: "Critical"}, {ID: 3, Name: "Normal"}}, nil
}

func (s *stubBackend) ListOperators(context.Context) ([]sibol.Operator, error) {
	return []sibol.Operator{{AccountID: 9, Name: "Op"}}, nil
}

func (s *stubBackend) GetTicketEvents(context.Context, int64) ([]sibol.Event, error) {
	return nil, nil
}

func (s *stubBackend) GetTicketRemarks(context.Context, int64) ([]sibol.Remark, error) {
	return nil, nil
}

func (s *stubBackend) GetTicketAttachments(context.Context, int64) ([]sibol.Attachment, error) {
	return nil, nil
}

func (s *stubBackend) AddRemark(_ context.Context, id int64, text string, createdBy int64, role string) (sibol.Remark, error) {
	s.note("remark")
	return sibol.Remark{RemarkID: 1, RequestID: id, RemarkText: text, CreatedBy: createdBy}, nil
}

func (s *stubBackend) UploadAttachment(_ context.Context, requestID int64, uploadedBy int64, f sibol.File) (sibol.Attachment, error) {
	s.note("upload")
	body, _ := io.ReadAll(f.Reader)
	s.mu.Lock()
	s.uploaded = append(s.uploaded, f.Name+":"+string(body))
	s.mu.Unlock()
	if s.uploadErr != nil {
		return sibol.Attachment{}, s.uploadErr
	}
	return sibol.Attachment{AttachmentID: 5, RequestID: requestID, FileName: f.Name, UploadedBy: uploadedBy}, nil
}

func (s *stubBackend) DeleteUpload(context.Context, string) error { s.note("delete_upload"); return nil }

func (s *stubBackend) ListTickets(_ context.Context, filter sibol.TicketFilter) ([]sibol.Ticket, error) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
	return s.tickets, s.listErr
}

func (s *stubBackend) ListDeletedTickets(context.Context) ([]sibol.Ticket, error) {
	return s.tickets, s.listErr
}

type stubHistory struct{}

func (stubHistory) ListForTicket(_ context.Context, ticketID int64, _ int) ([]models.TicketActivity, error) {
	return []models.TicketActivity{{
		EventID:    uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		TicketID:   ticketID,
		EventType:  "status_changed",
		OccurredAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Payload:    []byte(`{"action":"verify-completion"}`),
	}}, nil
}

var staff = session.Identity{AccountID: 3, Name: "Staff", Role: "maintenance_staff"}

func newServer(b *stubBackend, viewer *session.Identity, history ActivityReader) http.Handler {
	h := NewMaintenanceHTTP(Deps{Backend: b, History: history, Log: logx.Nop(), UploadMaxBytes: 1 << 10})
	r := chi.NewRouter()
	r.Use(httpx.WithRequestID)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if viewer != nil {
				r = r.WithContext(session.WithIdentity(r.Context(), *viewer))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Route("/api/v1/maintenance", h.Routes)
	return r
}

func do(t *testing.T, srv http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env httpx.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	srv := newServer(&stubBackend{}, nil, nil)
	rec := do(t, srv, http.MethodGet, "/api/v1/maintenance/views/requested", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, rec))
}

func TestListViewScopesAndFilters(t *testing.T) {
	b := &stubBackend{tickets: []sibol.Ticket{
		{RequestID: 1, Status: workflow.StatusOnGoing},
		{RequestID: 2, Status: workflow.StatusCompleted},
	}}
	srv := newServer(b, &staff, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/maintenance/views/pending?assigned_to=me", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view struct {
		Tab  string `json:"tab"`
		Rows []struct {
			Ticket   sibol.Ticket `json:"ticket"`
			OpenMode string       `json:"open_mode"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pending", view.Tab)
	require.Len(t, view.Rows, 1)
	assert.Equal(t, int64(1), view.Rows[0].Ticket.RequestID)
	assert.Equal(t, "pending", view.Rows[0].OpenMode)
	assert.Equal(t, workflow.PendingStatuses, b.filter.Status)
	require.NotNil(t, b.filter.AssignedTo)
	assert.Equal(t, staff.AccountID, *b.filter.AssignedTo)
}

func TestListViewRejectsBadScopeAndTab(t *testing.T) {
	srv := newServer(&stubBackend{}, &staff, nil)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/maintenance/views/archived", "").Code)

	rec := do(t, srv, http.MethodGet, "/api/v1/maintenance/views/requested?created_by=abc", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, rec))
}

func TestListViewFailureIsReportedInBody(t *testing.T) {
	srv := newServer(&stubBackend{listErr: &sibol.NetworkError{Op: "list", Err: errors.New("down")}}, &staff, nil)
	rec := do(t, srv, http.MethodGet, "/api/v1/maintenance/views/completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rows":[]`)
	assert.Contains(t, rec.Body.String(), `"error":`)
}

func TestCreateValidation(t *testing.T) {
	b := &stubBackend{}
	srv := newServer(b, &staff, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/maintenance", `{"title":"  "}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, rec))
	assert.Empty(t, b.actions)

	rec = do(t, srv, http.MethodPost, "/api/v1/maintenance", `{"title":"Leaking pipe","priority":"critical"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Critical", b.created.Priority)
	assert.Equal(t, staff.AccountID, b.created.CreatedBy)
}

func TestCreateRejectsMalformedJSON(t *testing.T) {
	srv := newServer(&stubBackend{}, &staff, nil)
	rec := do(t, srv, http.MethodPost, "/api/v1/maintenance", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCreateWithFile(t *testing.T) {
	b := &stubBackend{}
	srv := newServer(b, &staff, nil)

	body, ct := multipartBody(t, map[string]string{"title": "Broken lamp"}, "lamp.jpg", "jpeg-bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Broken lamp", b.created.Title)
	assert.Equal(t, []string{"lamp.jpg:jpeg-bytes"}, b.uploaded)
}

func TestCreateSurfacesPartialUpload(t *testing.T) {
	b := &stubBackend{uploadErr: &sibol.PartialFailureError{RequestID: 77, PublicID: "pub-1", Err: errors.New("metadata")}}
	srv := newServer(b, &staff, nil)

	body, ct := multipartBody(t, map[string]string{"title": "Broken lamp"}, "lamp.jpg", "x")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "PARTIAL_FAILURE", errorCode(t, rec))
	assert.Contains(t, rec.Body.String(), `"ticket"`)
	assert.Contains(t, b.actions, "delete_upload")
}

func TestCreateRejectsOversizedFile(t *testing.T) {
	b := &stubBackend{}
	srv := newServer(b, &staff, nil)

	body, ct := multipartBody(t, map[string]string{"title": "Big"}, "big.bin", strings.Repeat("x", 4<<10))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, b.actions)
}

func TestGetDetailNarrowsMode(t *testing.T) {
	b := &stubBackend{ticket: sibol.Ticket{RequestID: 5, Status: workflow.StatusCompleted}}
	srv := newServer(b, &staff, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/maintenance/5?mode=pending", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var detail struct {
		Mode     string `json:"mode"`
		ReadOnly bool   `json:"read_only"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "completed", detail.Mode)
	assert.True(t, detail.ReadOnly)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/v1/maintenance/5?mode=create", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/v1/maintenance/abc", "").Code)
}

func TestUpstreamErrorsAreMapped(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"network", &sibol.NetworkError{Op: "get_ticket", Err: errors.New("refused")}, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"not found", &sibol.ServerError{Op: "get_ticket", StatusCode: http.StatusNotFound}, http.StatusNotFound, "NOT_FOUND"},
		{"server", &sibol.ServerError{Op: "get_ticket", StatusCode: http.StatusInternalServerError}, http.StatusBadGateway, "UPSTREAM_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(&stubBackend{getErr: tc.err}, &staff, nil)
			rec := do(t, srv, http.MethodGet, "/api/v1/maintenance/5", "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestAssignAndTransitions(t *testing.T) {
	b := &stubBackend{ticket: sibol.Ticket{RequestID: 5, Status: workflow.StatusRequested}}
	srv := newServer(b, &staff, nil)

	rec := do(t, srv, http.MethodPut, "/api/v1/maintenance/5/assign", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, srv, http.MethodPut, "/api/v1/maintenance/5/assign", `{"assign_to":9}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, b.actions, "accept")

	rec = do(t, srv, http.MethodPost, "/api/v1/maintenance/5/actions/mark-for-verification", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, b.actions, "mark_verification")

	rec = do(t, srv, http.MethodPost, "/api/v1/maintenance/5/actions/request-cancel", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "request-cancel is not offered from For Verification")

	rec = do(t, srv, http.MethodPost, "/api/v1/maintenance/5/actions/teleport", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTerminalTicketRejectsMutations(t *testing.T) {
	b := &stubBackend{ticket: sibol.Ticket{RequestID: 5, Status: workflow.StatusCancelled}}
	srv := newServer(b, &staff, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/maintenance/5/remarks", `{"remark_text":"hello"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ACTION_NOT_ALLOWED", errorCode(t, rec))

	rec = do(t, srv, http.MethodPost, "/api/v1/maintenance/5/actions/delete", `{"reason":"dup"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, b.actions)
}

func TestRemarkOnPendingTicket(t *testing.T) {
	b := &stubBackend{ticket: sibol.Ticket{RequestID: 5, Status: workflow.StatusOnGoing}}
	srv := newServer(b, &staff, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/maintenance/5/remarks", `{"remark_text":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/maintenance/5/remarks", `{"remark_text":"parts ordered"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"remark"}, b.actions)
}

func TestActivityLogNeedsDatabase(t *testing.T) {
	srv := newServer(&stubBackend{}, &staff, nil)
	rec := do(t, srv, http.MethodGet, "/api/v1/maintenance/5/activity", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv = newServer(&stubBackend{}, &staff, stubHistory{})
	rec = do(t, srv, http.MethodGet, "/api/v1/maintenance/5/activity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event_type":"status_changed"`)
	assert.Contains(t, rec.Body.String(), `"action":"verify-completion"`)
}
