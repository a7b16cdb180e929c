package lockx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

var ErrNotInitialized = errors.New("redis client not initialized")

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Locker hands out token-guarded SETNX locks under a key prefix.
type Locker struct {
	client *redis.Client
	prefix string
}

func NewLocker(client *redis.Client, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Key joins parts under the locker prefix, e.g. "submit:42:17".
func (l *Locker) Key(parts ...string) string {
	return l.prefix + strings.Join(parts, ":")
}

// Acquire returns ok=false without error when someone else holds key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, ErrNotInitialized
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

// Release deletes key only while it still carries lock's token.
func (l *Locker) Release(ctx context.Context, lock *Lock) error {
	if l == nil || l.client == nil {
		return ErrNotInitialized
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return l.client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}
