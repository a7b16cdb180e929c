// Package activity turns maintenance.activity envelopes back into stored records.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/shared/events"
)

var ErrMalformed = errors.New("malformed activity envelope")

type Store interface {
	InsertFromStream(ctx context.Context, a models.TicketActivity) (bool, error)
}

// Decode validates an envelope. Envelopes for other aggregates are reported as ok=false.
func Decode(raw []byte) (models.TicketActivity, bool, error) {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.TicketActivity{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.EventID == uuid.Nil || env.AggregateID == "" || env.EventType == "" {
		return models.TicketActivity{}, false, fmt.Errorf("%w: missing event_id/aggregate_id/event_type", ErrMalformed)
	}
	if env.AggregateType != events.AggregateTicket {
		return models.TicketActivity{}, false, nil
	}
	ticketID, err := strconv.ParseInt(env.AggregateID, 10, 64)
	if err != nil || ticketID <= 0 {
		return models.TicketActivity{}, false, fmt.Errorf("%w: aggregate_id %q is not a ticket id", ErrMalformed, env.AggregateID)
	}
	a := models.TicketActivity{
		EventID:    env.EventID,
		TicketID:   ticketID,
		EventType:  env.EventType,
		OccurredAt: env.OccurredAt,
		Payload:    env.Payload,
	}
	if env.ActorAccountID > 0 {
		actor := env.ActorAccountID
		a.ActorAccountID = &actor
	}
	return a, true, nil
}

// Handle stores one message. Malformed input is returned as ErrMalformed so the caller can
// skip past it instead of retrying.
func Handle(ctx context.Context, store Store, raw []byte) error {
	a, ok, err := Decode(raw)
	if err != nil || !ok {
		return err
	}
	_, err = store.InsertFromStream(ctx, a)
	return err
}
