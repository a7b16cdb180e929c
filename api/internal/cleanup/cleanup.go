// Package cleanup retries deletion of uploaded blobs that were stored but never registered
// as attachments.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hibiken/asynq"

	"sibol-maintenance/shared/clients/sibol"
	"sibol-maintenance/shared/logx"
	"sibol-maintenance/shared/metricsx"
)

const TaskUploadCleanup = "maintenance.upload.cleanup"

type Payload struct {
	TicketID int64  `json:"ticket_id"`
	PublicID string `json:"public_id"`
}

func NewTask(ticketID int64, publicID string, opts ...asynq.Option) (*asynq.Task, error) {
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return nil, errors.New("cleanup: public id is required")
	}
	raw, err := json.Marshal(Payload{TicketID: ticketID, PublicID: publicID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUploadCleanup, raw, opts...), nil
}

type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer satisfies ticketctl.OrphanCleaner.
type Enqueuer struct {
	client   TaskEnqueuer
	queue    string
	maxRetry int
}

func NewEnqueuer(client TaskEnqueuer, queue string, maxRetry int) *Enqueuer {
	if queue == "" {
		queue = "default"
	}
	return &Enqueuer{client: client, queue: queue, maxRetry: maxRetry}
}

func (e *Enqueuer) EnqueueUploadCleanup(ctx context.Context, ticketID int64, publicID string) error {
	task, err := NewTask(ticketID, publicID)
	if err != nil {
		return err
	}
	// The public id doubles as the task id so a blob is queued at most once.
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(e.maxRetry),
		asynq.TaskID(TaskUploadCleanup+":"+strings.TrimSpace(publicID)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

type Deleter interface {
	DeleteUpload(ctx context.Context, publicID string) error
}

type Handler struct {
	deleter Deleter
	token   string
	log     logx.Logger
}

// NewHandler builds the worker side. token is the backend service credential; the worker has
// no user session to borrow one from.
func NewHandler(deleter Deleter, token string, log logx.Logger) *Handler {
	return &Handler{deleter: deleter, token: strings.TrimSpace(token), log: log}
}

// ProcessTask deletes the blob. A blob that is already gone counts as cleaned. Auth failures
// are retried (a rotated credential can recover); other client errors are not.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(p.PublicID) == "" {
		return fmt.Errorf("cleanup: empty public id: %w", asynq.SkipRetry)
	}
	if h.token != "" {
		ctx = sibol.WithBearer(ctx, h.token)
	}

	attrs := []slog.Attr{
		slog.Int64("ticket_id", p.TicketID),
		slog.String("public_id", p.PublicID),
	}
	err := h.deleter.DeleteUpload(ctx, p.PublicID)
	switch {
	case err == nil, sibol.IsNotFound(err):
		metricsx.IncOrphanUpload("deleted_async")
		h.log.Info(ctx, "orphan_upload_deleted", "orphan upload removed", attrs...)
		return nil
	case permanent(err):
		metricsx.IncOrphanUpload("leaked")
		h.log.Error(ctx, "orphan_upload_rejected", "backend refused upload deletion",
			append(attrs, slog.String("error", err.Error()))...)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case lastAttempt(ctx):
		metricsx.IncOrphanUpload("leaked")
		h.log.Error(ctx, "orphan_upload_exhausted", "upload deletion retries exhausted",
			append(attrs, slog.String("error", err.Error()))...)
		return err
	default:
		h.log.Warn(ctx, "orphan_upload_retry", "upload deletion failed, will retry",
			append(attrs, slog.String("error", err.Error()))...)
		return err
	}
}

func permanent(err error) bool {
	var se *sibol.ServerError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

// lastAttempt is false outside an asynq server, where the retry counters are absent.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}
