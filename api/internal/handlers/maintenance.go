package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"sibol-maintenance/api/internal/listview"
	"sibol-maintenance/api/internal/middleware"
	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/api/internal/session"
	"sibol-maintenance/api/internal/ticketctl"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/httpx"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/workflow"
)

const maxJSONBody = 1 << 20

type Backend interface {
	ticketctl.Backend
	listview.Lister
}

type ActivityReader interface {
	ListForTicket(ctx context.Context, ticketID int64, limit int) ([]models.TicketActivity, error)
}

type Deps struct {
	Backend        Backend
	Guard          ticketctl.SubmitGuard
	Cleaner        ticketctl.OrphanCleaner
	Activity       ticketctl.ActivityPublisher
	History        ActivityReader
	Log            logx.Logger
	UploadMaxBytes int64
}

// MaintenanceHTTP serves the ticket list views and the per-ticket form. Every request gets
// its own controller bound to the caller's identity.
type MaintenanceHTTP struct {
	deps  Deps
	lists *listview.Service
}

func NewMaintenanceHTTP(deps Deps) *MaintenanceHTTP {
	if deps.UploadMaxBytes <= 0 {
		deps.UploadMaxBytes = 10 << 20
	}
	return &MaintenanceHTTP{deps: deps, lists: listview.NewService(deps.Backend, deps.Log)}
}

func (h *MaintenanceHTTP) Routes(r chi.Router) {
	r.Get("/views/{tab}", h.ListView())
	r.Get("/priorities", h.Priorities())
	r.Get("/operators", h.Operators())
	r.Post("/", h.Create())
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get())
		r.Put("/assign", h.Assign())
		r.Post("/remarks", h.Remark())
		r.Post("/actions/{action}", h.Action())
		r.With(middleware.DBRequiredMiddleware{Available: h.deps.History != nil}.Wrap).
			Get("/activity", h.ActivityLog())
	})
}

func (h *MaintenanceHTTP) controller(id session.Identity) *ticketctl.Controller {
	return ticketctl.New(ticketctl.Deps{
		Backend:  h.deps.Backend,
		Guard:    h.deps.Guard,
		Cleaner:  h.deps.Cleaner,
		Activity: h.deps.Activity,
		Log:      h.deps.Log,
	}, id)
}

// GET /views/{tab}?assigned_to=me|<id>&created_by=me|<id>
func (h *MaintenanceHTTP) ListView() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := identity(w, r)
		if !ok {
			return
		}
		tab, ok := listview.ParseTab(chi.URLParam(r, "tab"))
		if !ok {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown list view", nil)
			return
		}
		var scope listview.Scope
		var err error
		if scope.AssignedTo, err = scopeParam(r, "assigned_to", me); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if scope.CreatedBy, err = scopeParam(r, "created_by", me); err != nil {
			writeError(w, r, err, nil)
			return
		}
		view, err := h.lists.Load(r.Context(), tab, scope)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, view)
	}
}

func (h *MaintenanceHTTP) Priorities() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}
		items, err := h.deps.Backend.GetPriorities(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func (h *MaintenanceHTTP) Operators() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}
		items, err := h.deps.Backend.ListOperators(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

type createRequest struct {
	Title    string `json:"title"`
	Details  string `json:"details"`
	Priority string `json:"priority"`
	DueDate  string `json:"due_date"`
}

// POST / with a JSON body, or multipart with the same fields plus an optional file.
func (h *MaintenanceHTTP) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := identity(w, r)
		if !ok {
			return
		}
		var req createRequest
		file, done, err := h.decode(w, r, &req, func(get func(string) string) {
			req = createRequest{Title: get("title"), Details: get("details"), Priority: get("priority"), DueDate: get("due_date")}
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer done()

		c := h.controller(me)
		defer c.Close()
		if _, err := c.Open(r.Context(), ticketctl.ModeCreate, 0); err != nil {
			writeError(w, r, err, nil)
			return
		}
		t, err := c.Create(r.Context(), ticketctl.CreateForm{
			Title:    req.Title,
			Details:  req.Details,
			Priority: req.Priority,
			DueDate:  req.DueDate,
			File:     file,
		})
		if err != nil {
			var details map[string]any
			if t.RequestID != 0 {
				details = map[string]any{"ticket": t}
			}
			writeError(w, r, err, details)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{"ticket": t})
	}
}

// GET /{id}?mode=assign|pending|completed. The mode in the response may be narrower than
// the one asked for.
func (h *MaintenanceHTTP) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := identity(w, r)
		if !ok {
			return
		}
		id, ok := ticketID(w, r)
		if !ok {
			return
		}
		var mode ticketctl.Mode
		if raw := strings.TrimSpace(r.URL.Query().Get("mode")); raw != "" {
			m, ok := ticketctl.ParseMode(raw)
			if !ok || m == ticketctl.ModeCreate {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "mode must be assign, pending or completed", nil)
				return
			}
			mode = m
		}

		c := h.controller(me)
		defer c.Close()
		if _, err := c.Open(r.Context(), mode, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, c.View())
	}
}

type assignRequest struct {
	AssignTo *int64 `json:"assign_to"`
	Priority string `json:"priority"`
	DueDate  string `json:"due_date"`
}

func (h *MaintenanceHTTP) Assign() http.HandlerFunc {
	return h.mutate(ticketctl.ModeAssign, func(w http.ResponseWriter, r *http.Request, c *ticketctl.Controller) error {
		var req assignRequest
		if err := httpx.DecodeJSON(w, r, &req, maxJSONBody); err != nil {
			return badRequest(err)
		}
		return c.Assign(r.Context(), ticketctl.AssignForm{AssignTo: req.AssignTo, Priority: req.Priority, DueDate: req.DueDate})
	})
}

type remarkRequest struct {
	Text string `json:"remark_text"`
}

func (h *MaintenanceHTTP) Remark() http.HandlerFunc {
	return h.mutate(ticketctl.ModePending, func(w http.ResponseWriter, r *http.Request, c *ticketctl.Controller) error {
		var req remarkRequest
		file, done, err := h.decode(w, r, &req, func(get func(string) string) {
			req = remarkRequest{Text: get("remark_text")}
		})
		if err != nil {
			return err
		}
		defer done()
		return c.SubmitRemark(r.Context(), ticketctl.RemarkForm{Text: req.Text, File: file})
	})
}

type actionRequest struct {
	Reason   string `json:"reason"`
	AssignTo *int64 `json:"assign_to"`
}

// POST /{id}/actions/{action}. The body is optional except where the action needs a reason
// or an assignee.
func (h *MaintenanceHTTP) Action() http.HandlerFunc {
	return h.mutate("", func(w http.ResponseWriter, r *http.Request, c *ticketctl.Controller) error {
		action, ok := workflow.ParseAction(chi.URLParam(r, "action"))
		if !ok {
			return &ticketctl.ValidationError{Fields: map[string]string{"action": "unknown action"}}
		}
		var req actionRequest
		if r.ContentLength != 0 {
			if err := httpx.DecodeJSON(w, r, &req, maxJSONBody); err != nil {
				return badRequest(err)
			}
		}
		return c.Transition(r.Context(), action, ticketctl.TransitionInput{Reason: req.Reason, AssignTo: req.AssignTo})
	})
}

func (h *MaintenanceHTTP) ActivityLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}
		id, ok := ticketID(w, r)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := h.deps.History.ListForTicket(r.Context(), id, limit)
		if err != nil {
			h.deps.Log.Error(r.Context(), "activity_read_failed", "could not read ticket activity",
				slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
				slog.Int64("ticket_id", id),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "could not read ticket activity", nil)
			return
		}
		out := make([]activityView, 0, len(items))
		for _, a := range items {
			out = append(out, newActivityView(a))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
	}
}

// mutate opens the ticket, runs fn and answers with the refreshed detail.
func (h *MaintenanceHTTP) mutate(mode ticketctl.Mode, fn func(http.ResponseWriter, *http.Request, *ticketctl.Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := identity(w, r)
		if !ok {
			return
		}
		id, ok := ticketID(w, r)
		if !ok {
			return
		}
		c := h.controller(me)
		defer c.Close()
		if _, err := c.Open(r.Context(), mode, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := fn(w, r, c); err != nil {
			writeError(w, r, err, nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, c.View())
	}
}

// decode reads either a JSON body into dst or a multipart form through fill. The returned
// func releases the uploaded file.
func (h *MaintenanceHTTP) decode(w http.ResponseWriter, r *http.Request, dst any, fill func(get func(string) string)) (*sibol.File, func(), error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := httpx.DecodeJSON(w, r, dst, maxJSONBody); err != nil {
			return nil, noop, badRequest(err)
		}
		return nil, noop, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.deps.UploadMaxBytes+maxJSONBody)
	if err := r.ParseMultipartForm(h.deps.UploadMaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, noop, &ticketctl.ValidationError{Fields: map[string]string{"file": "file is too large"}}
		}
		return nil, noop, badRequest(err)
	}
	cleanup := func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}
	fill(func(k string) string { return r.FormValue(k) })

	f, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, cleanup, nil
	}
	if err != nil {
		cleanup()
		return nil, noop, badRequest(err)
	}
	if header.Size > h.deps.UploadMaxBytes {
		_ = f.Close()
		cleanup()
		return nil, noop, &ticketctl.ValidationError{Fields: map[string]string{"file": "file is too large"}}
	}
	file := &sibol.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Reader:      f,
	}
	return file, func() {
		_ = f.Close()
		cleanup()
	}, nil
}

type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		err = errors.New("request body is empty")
	}
	return &badRequestError{err: err}
}

func identity(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	id, ok := session.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "sign in to continue", nil)
	}
	return id, ok
}

func ticketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid ticket id", nil)
		return 0, false
	}
	return id, true
}

func scopeParam(r *http.Request, key string, me session.Identity) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	if strings.EqualFold(raw, "me") {
		id := me.AccountID
		return &id, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, &ticketctl.ValidationError{Fields: map[string]string{key: fmt.Sprintf("%s must be an account id or \"me\"", key)}}
	}
	return &id, nil
}
