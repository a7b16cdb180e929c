// Package notify delivers ticket activity to the maintenance.activity stream.
//
// Outbox writes the envelope to Postgres and leaves delivery to the worker. Direct publishes
// straight to Kafka and is used when no database is configured.
package notify

import (
	"context"
	"encoding/json"

	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/shared/events"
)

type OutboxWriter interface {
	Insert(ctx context.Context, event models.OutboxEvent) (models.OutboxEvent, error)
}

type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, topic string, env events.Envelope) error
}

type Outbox struct {
	repo  OutboxWriter
	topic string
}

func NewOutbox(repo OutboxWriter, topic string) *Outbox {
	return &Outbox{repo: repo, topic: topicOrDefault(topic)}
}

func (o *Outbox) Publish(ctx context.Context, ticketID int64, activity string, actorID int64, payload map[string]any) error {
	env, err := events.NewTicketEnvelope(ticketID, activity, actorID, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = o.repo.Insert(ctx, models.OutboxEvent{
		EventID:       env.EventID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		Topic:         o.topic,
		Payload:       raw,
		CreatedAt:     env.OccurredAt,
	})
	return err
}

type Direct struct {
	producer EnvelopePublisher
	topic    string
}

func NewDirect(producer EnvelopePublisher, topic string) *Direct {
	return &Direct{producer: producer, topic: topicOrDefault(topic)}
}

func (d *Direct) Publish(ctx context.Context, ticketID int64, activity string, actorID int64, payload map[string]any) error {
	env, err := events.NewTicketEnvelope(ticketID, activity, actorID, payload)
	if err != nil {
		return err
	}
	return d.producer.PublishEnvelope(ctx, d.topic, env)
}

type Nop struct{}

func (Nop) Publish(context.Context, int64, string, int64, map[string]any) error { return nil }

func topicOrDefault(topic string) string {
	if topic == "" {
		return events.TopicMaintenanceActivity
	}
	return topic
}
