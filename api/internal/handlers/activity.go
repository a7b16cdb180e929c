package handlers

import (
	"encoding/json"
	"time"

	"sibol-maintenance/api/internal/models"
)

type activityView struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	ActorAccountID *int64          `json:"actor_account_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func newActivityView(a models.TicketActivity) activityView {
	v := activityView{
		EventID:        a.EventID.String(),
		EventType:      a.EventType,
		ActorAccountID: a.ActorAccountID,
		OccurredAt:     a.OccurredAt,
	}
	if json.Valid(a.Payload) {
		v.Payload = a.Payload
	}
	return v
}
