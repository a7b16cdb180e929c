// Package ticketctl holds the state of one open maintenance ticket and performs every
// mutation on it.
//
// A Controller is opened in one of four modes. Reads degrade (a failed refetch leaves an
// empty collection); writes never swallow errors. After each successful write the aggregate
// is refetched concurrently and swapped in as a whole.
package ticketctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sibol-maintenance/api/internal/session"
	"sibol-maintenance/api/internal/timeline"
	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/events"
	"sibol-maintenance/shared/httpx"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/metricsx"
	"sibol-maintenance/shared/workflow"
)

type Mode string

const (
	ModeCreate    Mode = "create"
	ModeAssign    Mode = "assign"
	ModePending   Mode = "pending"
	ModeCompleted Mode = "completed"
)

func ParseMode(raw string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeCreate, ModeAssign, ModePending, ModeCompleted:
		return m, true
	}
	return "", false
}

// Backend is the subset of the SIBOL transport the controller drives.
type Backend interface {
	GetTicket(ctx context.Context, id int64) (sibol.Ticket, error)
	CreateTicket(ctx context.Context, in sibol.CreateTicketInput) (sibol.Ticket, error)
	AcceptAndAssign(ctx context.Context, id int64, staffID int64, assignTo *int64, opts sibol.AcceptOptions) (sibol.Ticket, error)
	MarkOnGoing(ctx context.Context, id int64, operatorID int64) error
	MarkForVerification(ctx context.Context, id int64, operatorID int64) error
	VerifyCompletion(ctx context.Context, id int64, staffID int64) error
	RequestCancel(ctx context.Context, id int64, operatorID int64, reason string) error
	CancelTicket(ctx context.Context, id int64, actorID int64) error
	DeleteTicket(ctx context.Context, id int64, actorID int64, reason string) (bool, error)
	GetPriorities(ctx context.Context) ([]sibol.Priority, error)
	ListOperators(ctx context.Context) ([]sibol.Operator, error)
	GetTicketEvents(ctx context.Context, id int64) ([]sibol.Event, error)
	GetTicketRemarks(ctx context.Context, id int64) ([]sibol.Remark, error)
	GetTicketAttachments(ctx context.Context, id int64) ([]sibol.Attachment, error)
	AddRemark(ctx context.Context, id int64, text string, createdBy int64, role string) (sibol.Remark, error)
	UploadAttachment(ctx context.Context, requestID int64, uploadedBy int64, f sibol.File) (sibol.Attachment, error)
	DeleteUpload(ctx context.Context, publicID string) error
}

// OrphanCleaner retries deletion of an uploaded blob whose metadata never got registered.
type OrphanCleaner interface {
	EnqueueUploadCleanup(ctx context.Context, ticketID int64, publicID string) error
}

type ActivityPublisher interface {
	Publish(ctx context.Context, ticketID int64, activity string, actorID int64, payload map[string]any) error
}

type Deps struct {
	Backend  Backend
	Guard    SubmitGuard
	Cleaner  OrphanCleaner
	Activity ActivityPublisher
	Log      logx.Logger
}

type aggregate struct {
	ticket      *sibol.Ticket
	events      []sibol.Event
	remarks     []sibol.Remark
	attachments []sibol.Attachment
}

type Controller struct {
	deps   Deps
	viewer session.Identity

	mu         sync.Mutex
	gen        uint64
	closed     bool
	mode       Mode
	ticketID   int64
	agg        aggregate
	priorities []sibol.Priority
	operators  []sibol.Operator
	submitting bool
	formErr    string
}

// New binds a controller to the acting identity. Guard defaults to an in-process guard.
func New(deps Deps, viewer session.Identity) *Controller {
	if deps.Guard == nil {
		deps.Guard = NewLocalGuard()
	}
	return &Controller{deps: deps, viewer: viewer}
}

// Open loads a ticket (or an empty create form) and returns the effective mode. Terminal and
// deleted tickets always open read-only; assign on a ticket that has left Requested falls back
// to pending.
func (c *Controller) Open(ctx context.Context, mode Mode, id int64) (Mode, error) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.closed = false
	c.mode = mode
	c.ticketID = 0
	c.agg = aggregate{}
	c.priorities = nil
	c.operators = nil
	c.formErr = ""
	c.mu.Unlock()

	if mode == ModeCreate {
		priorities := c.loadPriorities(ctx)
		return mode, c.apply(gen, func() { c.priorities = priorities })
	}
	if id <= 0 {
		return "", &ValidationError{Fields: map[string]string{"request_id": "invalid ticket id"}}
	}

	t, err := c.deps.Backend.GetTicket(ctx, id)
	if err != nil {
		return "", err
	}
	effective := effectiveMode(mode, t)

	var priorities []sibol.Priority
	var operators []sibol.Operator
	if effective == ModeAssign || effective == ModePending {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			priorities = c.loadPriorities(gctx)
			return nil
		})
		g.Go(func() error {
			ops, err := c.deps.Backend.ListOperators(gctx)
			if err != nil {
				c.degraded(ctx, "operators", id, err)
				ops = []sibol.Operator{}
			}
			operators = ops
			return nil
		})
		_ = g.Wait()
	}

	if err := c.apply(gen, func() {
		c.mode = effective
		c.ticketID = id
		c.agg.ticket = &t
		c.priorities = priorities
		c.operators = operators
	}); err != nil {
		return "", err
	}
	return effective, c.Refresh(ctx)
}

func effectiveMode(requested Mode, t sibol.Ticket) Mode {
	if workflow.IsTerminal(t.Status, t.IsDeleted) {
		return ModeCompleted
	}
	if requested == ModeAssign && t.Status != workflow.StatusRequested {
		return ModePending
	}
	if requested == ModeCreate || requested == "" {
		if t.Status == workflow.StatusRequested {
			return ModeAssign
		}
		return ModePending
	}
	return requested
}

// Close discards in-flight refreshes. The controller can be reopened.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.mu.Unlock()
}

// Refresh refetches the ticket and its events, remarks and attachments concurrently. A failing
// read leaves that collection empty (the ticket keeps its last value). Results are dropped with
// ErrStale if the controller was closed or reopened meanwhile.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	id, gen, closed := c.ticketID, c.gen, c.closed
	c.mu.Unlock()
	if closed || id <= 0 {
		return ErrNotOpen
	}

	var (
		ticket      *sibol.Ticket
		evs         []sibol.Event
		remarks     []sibol.Remark
		attachments []sibol.Attachment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := c.deps.Backend.GetTicket(gctx, id)
		if err != nil {
			c.degraded(ctx, "ticket", id, err)
			return nil
		}
		ticket = &t
		return nil
	})
	g.Go(func() error {
		v, err := c.deps.Backend.GetTicketEvents(gctx, id)
		if err != nil {
			c.degraded(ctx, "events", id, err)
		}
		evs = orEmpty(v)
		return nil
	})
	g.Go(func() error {
		v, err := c.deps.Backend.GetTicketRemarks(gctx, id)
		if err != nil {
			c.degraded(ctx, "remarks", id, err)
		}
		remarks = orEmpty(v)
		return nil
	})
	g.Go(func() error {
		v, err := c.deps.Backend.GetTicketAttachments(gctx, id)
		if err != nil {
			c.degraded(ctx, "attachments", id, err)
		}
		attachments = orEmpty(v)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return c.apply(gen, func() {
		if ticket != nil {
			c.agg.ticket = ticket
			if workflow.IsTerminal(ticket.Status, ticket.IsDeleted) {
				c.mode = ModeCompleted
			}
		}
		c.agg.events = evs
		c.agg.remarks = remarks
		c.agg.attachments = attachments
	})
}

func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// apply runs fn under the lock if gen is still current.
func (c *Controller) apply(gen uint64, fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		return ErrStale
	}
	fn()
	return nil
}

func (c *Controller) loadPriorities(ctx context.Context) []sibol.Priority {
	p, err := c.deps.Backend.GetPriorities(ctx)
	if err != nil {
		c.degraded(ctx, "priorities", 0, err)
		if len(p) == 0 {
			p = append([]sibol.Priority(nil), sibol.FallbackPriorities...)
		}
	}
	return p
}

func (c *Controller) degraded(ctx context.Context, collection string, id int64, err error) {
	metricsx.IncRefreshFailure(collection)
	c.deps.Log.Warn(ctx, "ticket_refresh_degraded", "read failed, showing empty "+collection,
		slog.String("request_id", httpx.RequestIDFromContext(ctx)),
		slog.Int64("ticket_id", id),
		slog.String("collection", collection),
		slog.String("error", err.Error()),
	)
}

// Create submits the create form. When a file is attached the ticket is still returned if the
// upload fails, together with the upload error.
func (c *Controller) Create(ctx context.Context, form CreateForm) (sibol.Ticket, error) {
	c.mu.Lock()
	mode, priorities := c.mode, c.priorities
	c.mu.Unlock()
	if mode != ModeCreate {
		return sibol.Ticket{}, c.fail(ErrActionNotAllowed)
	}
	if !c.viewer.Valid() {
		return sibol.Ticket{}, c.fail(session.ErrUnauthenticated)
	}
	in, err := validateCreate(form, priorities)
	if err != nil {
		return sibol.Ticket{}, c.fail(err)
	}
	in.CreatedBy = c.viewer.AccountID

	var created sibol.Ticket
	err = c.submit(ctx, "create", "create:"+strconv.FormatInt(c.viewer.AccountID, 10), func(ctx context.Context) error {
		t, err := c.deps.Backend.CreateTicket(ctx, in)
		if err != nil {
			return err
		}
		created = t
		c.publish(ctx, t.RequestID, events.ActivityTicketCreated, map[string]any{"title": t.Title, "priority": t.Priority})
		if form.File != nil {
			if _, err := c.upload(ctx, t.RequestID, *form.File); err != nil {
				return fmt.Errorf("ticket %d created but attachment failed: %w", t.RequestID, err)
			}
		}
		return nil
	})
	if err == nil {
		c.mu.Lock()
		c.formErr = ""
		c.mu.Unlock()
	}
	return created, err
}

// Assign accepts a Requested ticket for the session's staff account and assigns an operator.
func (c *Controller) Assign(ctx context.Context, form AssignForm) error {
	t, mode, err := c.current()
	if err != nil {
		return c.fail(err)
	}
	if mode != ModeAssign || !workflow.CanApply(t.Status, t.IsDeleted, workflow.ActionAccept) {
		return c.fail(ErrActionNotAllowed)
	}
	return c.accept(ctx, t, workflow.ActionAccept, form)
}

func (c *Controller) accept(ctx context.Context, t sibol.Ticket, action workflow.Action, form AssignForm) error {
	if !c.viewer.Valid() {
		return c.fail(session.ErrUnauthenticated)
	}
	c.mu.Lock()
	priorities, operators := c.priorities, c.operators
	c.mu.Unlock()
	target, opts, err := validateAssign(form, priorities, operators)
	if err != nil {
		return c.fail(err)
	}

	return c.submit(ctx, string(action), c.submitKey(t.RequestID), func(ctx context.Context) error {
		staffID := c.viewer.AccountID
		updated, err := c.deps.Backend.AcceptAndAssign(ctx, t.RequestID, staffID, &target, opts)
		if err != nil {
			return err
		}
		c.publish(ctx, t.RequestID, events.ActivityTicketAssigned, map[string]any{
			"action": string(action), "assign_to": target, "from_status": t.Status, "to_status": updated.Status,
		})
		return c.afterWrite(ctx)
	})
}

// SubmitRemark adds a remark, a file, or both, without changing status.
func (c *Controller) SubmitRemark(ctx context.Context, form RemarkForm) error {
	t, mode, err := c.current()
	if err != nil {
		return c.fail(err)
	}
	if mode != ModePending || workflow.IsTerminal(t.Status, t.IsDeleted) {
		return c.fail(ErrActionNotAllowed)
	}
	if !c.viewer.Valid() {
		return c.fail(session.ErrUnauthenticated)
	}
	text := strings.TrimSpace(form.Text)
	if text == "" && form.File == nil {
		return c.fail(&ValidationError{Fields: map[string]string{"remark_text": "enter a remark or attach a file"}})
	}

	return c.submit(ctx, "remark", c.submitKey(t.RequestID), func(ctx context.Context) error {
		if text != "" {
			r, err := c.deps.Backend.AddRemark(ctx, t.RequestID, text, c.viewer.AccountID, c.viewer.Role)
			if err != nil {
				return err
			}
			c.publish(ctx, t.RequestID, events.ActivityRemarkAdded, map[string]any{"remark_id": r.RemarkID})
		}
		if form.File != nil {
			a, err := c.upload(ctx, t.RequestID, *form.File)
			if err != nil {
				// A stored remark still has to show up even though the file failed.
				if text != "" {
					_ = c.afterWrite(ctx)
				}
				return err
			}
			c.publish(ctx, t.RequestID, events.ActivityRemarkAdded, map[string]any{"attachment_id": a.AttachmentID})
		}
		return c.afterWrite(ctx)
	})
}

// Transition applies a status action. Accept and reassign need in.AssignTo; request-cancel
// and delete need a reason.
func (c *Controller) Transition(ctx context.Context, action workflow.Action, in TransitionInput) error {
	t, mode, err := c.current()
	if err != nil {
		return c.fail(err)
	}
	if mode != ModeAssign && mode != ModePending {
		return c.fail(ErrActionNotAllowed)
	}
	if !workflow.CanApply(t.Status, t.IsDeleted, action) {
		return c.fail(ErrActionNotAllowed)
	}
	if action == workflow.ActionAccept || action == workflow.ActionReassign {
		return c.accept(ctx, t, action, AssignForm{AssignTo: in.AssignTo})
	}
	if !c.viewer.Valid() {
		return c.fail(session.ErrUnauthenticated)
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" && (action == workflow.ActionRequestCancel || action == workflow.ActionDelete) {
		return c.fail(&ValidationError{Fields: map[string]string{"reason": "a reason is required"}})
	}

	return c.submit(ctx, string(action), c.submitKey(t.RequestID), func(ctx context.Context) error {
		actor := c.viewer.AccountID
		var err error
		switch action {
		case workflow.ActionMarkVerification:
			err = c.deps.Backend.MarkForVerification(ctx, t.RequestID, actor)
		case workflow.ActionVerifyCompletion:
			err = c.deps.Backend.VerifyCompletion(ctx, t.RequestID, actor)
		case workflow.ActionRequestCancel:
			err = c.deps.Backend.RequestCancel(ctx, t.RequestID, actor, reason)
		case workflow.ActionConfirmCancel:
			err = c.deps.Backend.CancelTicket(ctx, t.RequestID, actor)
		case workflow.ActionRejectCancel:
			err = c.deps.Backend.MarkOnGoing(ctx, t.RequestID, actor)
		case workflow.ActionDelete:
			var deleted bool
			deleted, err = c.deps.Backend.DeleteTicket(ctx, t.RequestID, actor, reason)
			if err == nil && !deleted {
				err = ErrDeleteDeclined
			}
		default:
			err = ErrActionNotAllowed
		}
		if err != nil {
			return err
		}

		activity := events.ActivityStatusChanged
		if action == workflow.ActionDelete {
			activity = events.ActivityTicketDeleted
		}
		payload := map[string]any{
			"action":      string(action),
			"event_type":  workflow.EventTypeForAction(t.Status, action),
			"from_status": t.Status,
			"to_status":   workflow.TargetStatus(t.Status, action),
		}
		if reason != "" {
			payload["reason"] = reason
		}
		c.publish(ctx, t.RequestID, activity, payload)
		return c.afterWrite(ctx)
	})
}

// afterWrite refreshes after a successful write. A stale refresh is not a write failure.
func (c *Controller) afterWrite(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrStale) {
		c.deps.Log.Warn(ctx, "ticket_refresh_failed", "refresh after write failed",
			slog.String("request_id", httpx.RequestIDFromContext(ctx)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (c *Controller) current() (sibol.Ticket, Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.agg.ticket == nil {
		return sibol.Ticket{}, c.mode, ErrNotOpen
	}
	return *c.agg.ticket, c.mode, nil
}

func (c *Controller) submitKey(ticketID int64) string {
	return strconv.FormatInt(c.viewer.AccountID, 10) + ":" + strconv.FormatInt(ticketID, 10)
}

// submit runs fn under the submit guard. The guard and the submitting flag are always
// released; any error becomes the form error.
func (c *Controller) submit(ctx context.Context, kind string, key string, fn func(ctx context.Context) error) error {
	release, err := c.deps.Guard.Acquire(ctx, key)
	if err != nil {
		metricsx.IncSubmission(kind, "rejected")
		return c.fail(err)
	}
	c.mu.Lock()
	c.submitting = true
	c.formErr = ""
	c.mu.Unlock()
	defer func() {
		release()
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		metricsx.IncSubmission(kind, "error")
		c.deps.Log.Warn(ctx, "ticket_submit_failed", "submission failed",
			slog.String("request_id", httpx.RequestIDFromContext(ctx)),
			slog.String("kind", kind),
			slog.Int64("account_id", c.viewer.AccountID),
			slog.String("error", err.Error()),
		)
		return c.fail(err)
	}
	metricsx.IncSubmission(kind, "ok")
	return nil
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.formErr = err.Error()
	c.mu.Unlock()
	return err
}

// upload stores a file against a ticket. A blob left behind by a failed metadata step is
// deleted at once, or queued for the cleanup worker when that also fails.
func (c *Controller) upload(ctx context.Context, ticketID int64, f sibol.File) (sibol.Attachment, error) {
	att, err := c.deps.Backend.UploadAttachment(ctx, ticketID, c.viewer.AccountID, f)
	var pf *sibol.PartialFailureError
	if errors.As(err, &pf) {
		c.compensate(ctx, ticketID, pf)
	}
	return att, err
}

func (c *Controller) compensate(ctx context.Context, ticketID int64, pf *sibol.PartialFailureError) {
	attrs := []slog.Attr{
		slog.String("request_id", httpx.RequestIDFromContext(ctx)),
		slog.Int64("ticket_id", ticketID),
		slog.String("public_id", pf.PublicID),
	}
	if pf.PublicID == "" {
		metricsx.IncOrphanUpload("leaked")
		c.deps.Log.Error(ctx, "orphan_upload_untracked", "upload stored without a public id", attrs...)
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	delErr := c.deps.Backend.DeleteUpload(cleanupCtx, pf.PublicID)
	if delErr == nil {
		metricsx.IncOrphanUpload("deleted")
		c.deps.Log.Info(ctx, "orphan_upload_deleted", "removed upload after metadata failure", attrs...)
		return
	}
	attrs = append(attrs, slog.String("error", delErr.Error()))

	if c.deps.Cleaner != nil {
		err := c.deps.Cleaner.EnqueueUploadCleanup(cleanupCtx, ticketID, pf.PublicID)
		if err == nil {
			metricsx.IncOrphanUpload("queued")
			c.deps.Log.Warn(ctx, "orphan_upload_queued", "upload cleanup queued for retry", attrs...)
			return
		}
		attrs = append(attrs, slog.String("enqueue_error", err.Error()))
	}
	metricsx.IncOrphanUpload("leaked")
	c.deps.Log.Error(ctx, "orphan_upload_leaked", "upload could not be cleaned up", attrs...)
}

func (c *Controller) publish(ctx context.Context, ticketID int64, activity string, payload map[string]any) {
	if c.deps.Activity == nil {
		return
	}
	if err := c.deps.Activity.Publish(ctx, ticketID, activity, c.viewer.AccountID, payload); err != nil {
		metricsx.IncActivityPublishFailure()
		c.deps.Log.Warn(ctx, "activity_publish_failed", "activity notification dropped",
			slog.Int64("ticket_id", ticketID),
			slog.String("activity", activity),
			slog.String("error", err.Error()),
		)
	}
}

// Detail is the rendered form state.
type Detail struct {
	Mode        Mode               `json:"mode"`
	Ticket      *sibol.Ticket      `json:"ticket,omitempty"`
	Timeline    []timeline.Item    `json:"timeline"`
	Attachments []sibol.Attachment `json:"attachments"`
	Priorities  []sibol.Priority   `json:"priorities,omitempty"`
	Operators   []sibol.Operator   `json:"operators,omitempty"`
	Staff       *session.Identity  `json:"staff,omitempty"`
	Actions     []workflow.Action  `json:"actions"`
	ReadOnly    bool               `json:"read_only"`
	CanRemark   bool               `json:"can_remark"`
	Submitting  bool               `json:"submitting"`
	FormError   string             `json:"form_error,omitempty"`
}

func (c *Controller) View() Detail {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := Detail{
		Mode:        c.mode,
		Timeline:    []timeline.Item{},
		Attachments: orEmpty(c.agg.attachments),
		Priorities:  c.priorities,
		Operators:   c.operators,
		Actions:     []workflow.Action{},
		Submitting:  c.submitting,
		FormError:   c.formErr,
	}
	if c.mode == ModeCreate {
		return d
	}
	if c.agg.ticket != nil {
		t := *c.agg.ticket
		d.Ticket = &t
		d.Timeline = timeline.Build(c.agg.events, c.agg.remarks, c.agg.attachments, c.viewer.AccountID)
		if c.mode != ModeCompleted {
			d.Actions = workflow.AvailableActions(t.Status, t.IsDeleted)
		}
	}
	d.ReadOnly = c.mode == ModeCompleted
	d.CanRemark = c.mode == ModePending && len(d.Actions) > 0
	if c.mode == ModeAssign {
		staff := c.viewer
		d.Staff = &staff
	}
	return d
}
