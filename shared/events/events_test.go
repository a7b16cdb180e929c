package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTicketEnvelope(t *testing.T) {
	env, err := NewTicketEnvelope(42, ActivityTicketAssigned, 7, map[string]any{"operator_id": 9})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, env.EventID)
	assert.Equal(t, AggregateTicket, env.AggregateType)
	assert.Equal(t, "42", env.AggregateID)
	assert.Equal(t, ActivityTicketAssigned, env.EventType)
	assert.Equal(t, int64(7), env.ActorAccountID)
	assert.JSONEq(t, `{"operator_id":9}`, string(env.Payload))
	assert.False(t, env.OccurredAt.IsZero())
}

func TestEnvelopeOmitsMissingActor(t *testing.T) {
	env, err := NewTicketEnvelope(1, ActivityTicketCreated, 0, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "actor_account_id")
	assert.Contains(t, string(raw), `"payload":null`)
}

func TestNewTicketEnvelopeRejectsUnencodablePayload(t *testing.T) {
	_, err := NewTicketEnvelope(1, ActivityRemarkAdded, 1, map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}
