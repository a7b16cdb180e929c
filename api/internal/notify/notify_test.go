package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/shared/events"
)

type fakeOutbox struct {
	rows []models.OutboxEvent
	err  error
}

func (f *fakeOutbox) Insert(_ context.Context, e models.OutboxEvent) (models.OutboxEvent, error) {
	if f.err != nil {
		return models.OutboxEvent{}, f.err
	}
	f.rows = append(f.rows, e)
	return e, nil
}

type fakeProducer struct {
	topic string
	envs  []events.Envelope
}

func (f *fakeProducer) PublishEnvelope(_ context.Context, topic string, env events.Envelope) error {
	f.topic = topic
	f.envs = append(f.envs, env)
	return nil
}

func TestOutboxStoresEnvelope(t *testing.T) {
	repo := &fakeOutbox{}
	pub := NewOutbox(repo, "")

	err := pub.Publish(context.Background(), 42, events.ActivityStatusChanged, 7, map[string]any{"action": "verify"})
	require.NoError(t, err)
	require.Len(t, repo.rows, 1)

	row := repo.rows[0]
	assert.Equal(t, events.TopicMaintenanceActivity, row.Topic)
	assert.Equal(t, events.AggregateTicket, row.AggregateType)
	assert.Equal(t, "42", row.AggregateID)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(row.Payload, &env))
	assert.Equal(t, row.EventID, env.EventID)
	assert.Equal(t, events.ActivityStatusChanged, env.EventType)
	assert.Equal(t, int64(7), env.ActorAccountID)
	assert.JSONEq(t, `{"action":"verify"}`, string(env.Payload))
}

func TestOutboxPropagatesInsertError(t *testing.T) {
	pub := NewOutbox(&fakeOutbox{err: errors.New("db down")}, "custom")
	err := pub.Publish(context.Background(), 1, events.ActivityTicketCreated, 1, nil)
	require.Error(t, err)
}

func TestDirectPublishesToTopic(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewDirect(producer, "custom.activity")

	require.NoError(t, pub.Publish(context.Background(), 9, events.ActivityRemarkAdded, 3, map[string]any{"has_file": true}))
	assert.Equal(t, "custom.activity", producer.topic)
	require.Len(t, producer.envs, 1)
	assert.Equal(t, "9", producer.envs[0].AggregateID)
}

func TestNopIgnoresEverything(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), 1, "x", 1, nil))
}
