package ticketctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sibol-maintenance/shared/lockx"
)

// SubmitGuard serializes submissions per key. Acquire returns ErrSubmitInFlight when the key
// is already held; the returned release func must always be called.
type SubmitGuard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: map[string]struct{}{}}
}

func (g *LocalGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, ErrSubmitInFlight
	}
	g.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}

// RedisGuard shares the guard across replicas. The ttl bounds how long a crashed holder can
// block a ticket.
type RedisGuard struct {
	locker *lockx.Locker
	ttl    time.Duration
}

func NewRedisGuard(locker *lockx.Locker, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{locker: locker, ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	lock, ok, err := g.locker.Acquire(ctx, g.locker.Key("submit", key), g.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire submit lock: %w", err)
	}
	if !ok {
		return nil, ErrSubmitInFlight
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.locker.Release(releaseCtx, lock)
	}, nil
}
