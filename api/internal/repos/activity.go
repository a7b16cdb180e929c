package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"sibol-maintenance/api/internal/models"
)

type ActivityRepo struct {
	pool *pgxpool.Pool
}

func NewActivityRepo(pool *pgxpool.Pool) *ActivityRepo {
	return &ActivityRepo{pool: pool}
}

// InsertFromStream stores a consumed activity. Redelivered events are ignored, so inserted
// reports false for duplicates.
func (r *ActivityRepo) InsertFromStream(ctx context.Context, a models.TicketActivity) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO maintenance_ticket_activity (
			event_id, ticket_id, event_type, actor_account_id, occurred_at, payload
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, a.EventID, a.TicketID, a.EventType, a.ActorAccountID, a.OccurredAt, a.Payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListForTicket returns a ticket's activity, oldest first.
func (r *ActivityRepo) ListForTicket(ctx context.Context, ticketID int64, limit int) ([]models.TicketActivity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, ticket_id, event_type, actor_account_id, occurred_at, payload
		FROM maintenance_ticket_activity
		WHERE ticket_id = $1
		ORDER BY occurred_at ASC, event_id ASC
		LIMIT $2
	`, ticketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.TicketActivity, 0, limit)
	for rows.Next() {
		var a models.TicketActivity
		if err := rows.Scan(&a.EventID, &a.TicketID, &a.EventType, &a.ActorAccountID, &a.OccurredAt, &a.Payload); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
