package activity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sibol-maintenance/api/internal/models"
	"sibol-maintenance/shared/events"
)

type memStore struct {
	rows []models.TicketActivity
	err  error
}

func (m *memStore) InsertFromStream(_ context.Context, a models.TicketActivity) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.rows = append(m.rows, a)
	return true, nil
}

func envelope(t *testing.T, mutate func(*events.Envelope)) []byte {
	t.Helper()
	env, err := events.NewTicketEnvelope(31, events.ActivityTicketAssigned, 4, map[string]any{"assign_to": 9})
	require.NoError(t, err)
	if mutate != nil {
		mutate(&env)
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestHandleStoresTicketActivity(t *testing.T) {
	store := &memStore{}
	require.NoError(t, Handle(context.Background(), store, envelope(t, nil)))
	require.Len(t, store.rows, 1)

	a := store.rows[0]
	assert.Equal(t, int64(31), a.TicketID)
	assert.Equal(t, events.ActivityTicketAssigned, a.EventType)
	require.NotNil(t, a.ActorAccountID)
	assert.Equal(t, int64(4), *a.ActorAccountID)
	assert.JSONEq(t, `{"assign_to":9}`, string(a.Payload))
}

func TestHandleSkipsOtherAggregates(t *testing.T) {
	store := &memStore{}
	raw := envelope(t, func(e *events.Envelope) { e.AggregateType = "work_order" })
	require.NoError(t, Handle(context.Background(), store, raw))
	assert.Empty(t, store.rows)
}

func TestHandleRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":     []byte("{"),
		"no event id":  envelope(t, func(e *events.Envelope) { e.EventID = uuid.Nil }),
		"bad ticket":   envelope(t, func(e *events.Envelope) { e.AggregateID = "abc" }),
		"no eventtype": envelope(t, func(e *events.Envelope) { e.EventType = "" }),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			store := &memStore{}
			err := Handle(context.Background(), store, raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
			assert.Empty(t, store.rows)
		})
	}
}

func TestHandlePropagatesStoreErrors(t *testing.T) {
	err := Handle(context.Background(), &memStore{err: errors.New("db down")}, envelope(t, nil))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformed))
}
