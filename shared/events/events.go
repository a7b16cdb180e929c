package events

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message published about a maintenance ticket.
type Envelope struct {
	EventID        uuid.UUID       `json:"event_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	ActorAccountID int64           `json:"actor_account_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

const (
	TopicMaintenanceActivity = "maintenance.activity"

	AggregateTicket = "maintenance_ticket"
)

const (
	ActivityTicketCreated  = "ticket_created"
	ActivityTicketAssigned = "ticket_assigned"
	ActivityRemarkAdded    = "remark_added"
	ActivityStatusChanged  = "status_changed"
	ActivityTicketDeleted  = "ticket_deleted"
)

func NewTicketEnvelope(ticketID int64, eventType string, actorID int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:        uuid.New(),
		OccurredAt:     time.Now().UTC(),
		AggregateType:  AggregateTicket,
		AggregateID:    strconv.FormatInt(ticketID, 10),
		EventType:      eventType,
		ActorAccountID: actorID,
		Payload:        raw,
	}, nil
}
