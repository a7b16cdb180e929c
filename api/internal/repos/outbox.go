package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"sibol-maintenance/api/internal/models"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

const outboxColumns = `event_id, aggregate_type, aggregate_id, topic, payload, status, attempts,
	next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

func (r *OutboxRepo) Insert(ctx context.Context, event models.OutboxEvent) (models.OutboxEvent, error) {
	return insertOutbox(ctx, r.pool, event)
}

func insertOutbox(ctx context.Context, db DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}

	row := db.QueryRow(ctx, `
		INSERT INTO maintenance_outbox (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+outboxColumns,
		event.EventID, event.AggregateType, event.AggregateID, event.Topic, event.Payload, event.Status, event.Attempts,
		event.NextRetryAt, event.LockedAt, event.LockedBy, event.LastError, event.CreatedAt, event.UpdatedAt, event.PublishedAt,
	)
	err := scanOutbox(row, &event)
	return event, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row scanner, e *models.OutboxEvent) error {
	return row.Scan(&e.EventID, &e.AggregateType, &e.AggregateID, &e.Topic, &e.Payload, &e.Status, &e.Attempts,
		&e.NextRetryAt, &e.LockedAt, &e.LockedBy, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.PublishedAt)
}

// ClaimPending moves up to limit due events to sending, skipping rows other workers hold.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM maintenance_outbox
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE maintenance_outbox o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.aggregate_type, o.aggregate_id, o.topic, o.payload, o.status, o.attempts,
			o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.OutboxEvent, 0, limit)
	for rows.Next() {
		var e models.OutboxEvent
		if err := scanOutbox(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	var e models.OutboxEvent
	err := scanOutbox(r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM maintenance_outbox WHERE event_id = $1`, eventID), &e)
	return e, err
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE maintenance_outbox
		SET status = $2, published_at = now(), locked_at = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, OutboxStatusDelivered)
	return err
}

// MarkFailed returns the event to pending for a later retry, or parks it as dead.
func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE maintenance_outbox
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, locked_at = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStale returns events stuck in sending (a worker died mid-dispatch) to pending.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE maintenance_outbox
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - make_interval(secs => $3)
	`, OutboxStatusPending, OutboxStatusSending, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
