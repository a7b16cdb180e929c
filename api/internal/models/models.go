package models

import (
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is a ticket activity envelope waiting to be published to Kafka.
type OutboxEvent struct {
	EventID       uuid.UUID
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

// TicketActivity is one consumed activity record, kept for reporting.
type TicketActivity struct {
	EventID        uuid.UUID
	TicketID       int64
	EventType      string
	ActorAccountID *int64
	OccurredAt     time.Time
	Payload        []byte
}

type AuditLog struct {
	AuditID        uuid.UUID
	OccurredAt     time.Time
	ActorAccountID *int64
	ActorRole      string
	Action         string
	ResourceType   *string
	ResourceID     *string
	RequestID      string
	Method         string
	Path           string
	StatusCode     int
	DurationMS     int64
	ClientIP       string
	UserAgent      string
	Details        []byte
}
