package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sibol-maintenance/shared/authx"
)

type fakeCache struct {
	data    map[string]string
	expired []string
	err     error
}

func (f *fakeCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	raw, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(raw), dest)
}

func (f *fakeCache) Expire(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.expired = append(f.expired, key)
	return true, nil
}

func TestStoreLookupSlidesSession(t *testing.T) {
	cache := &fakeCache{data: map[string]string{
		"abc": `{"account_id": 12, "full_name": "Ben Reyes", "user_role": "operator"}`,
	}}
	store := NewStore(cache, time.Hour)

	id, ok, err := store.Lookup(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Identity{AccountID: 12, Name: "Ben Reyes", Role: "operator", Token: "abc"}, id)
	assert.Equal(t, []string{"abc"}, cache.expired)

	_, ok, err = store.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolverPrefersSignedTokens(t *testing.T) {
	v, err := authx.NewHMACVerifier("k", 0)
	require.NoError(t, err)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "5", "name": "Ana", "user_role": "admin_staff", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	r := Resolver{Verifiers: []*authx.Verifier{v}, Store: NewStore(&fakeCache{}, 0)}
	id, err := r.Resolve(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id.AccountID)
	assert.True(t, id.IsStaff())
	assert.Equal(t, raw, id.Token)
}

func TestResolverFailures(t *testing.T) {
	_, err := Resolver{}.Resolve(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrNoResolver)

	r := Resolver{Store: NewStore(&fakeCache{data: map[string]string{}}, 0)}
	_, err = r.Resolve(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = r.Resolve(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	broken := Resolver{Store: NewStore(&fakeCache{err: errors.New("redis down")}, 0)}
	_, err = broken.Resolve(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{AccountID: 3})
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(3), id.AccountID)
}
