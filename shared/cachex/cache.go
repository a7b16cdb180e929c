package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"sibol-maintenance/shared/config"
)

var errNotInitialized = errors.New("redis client not initialized")

// Client is a JSON cache over redis. Keys are stored under prefix.
type Client struct {
	redis  *redis.Client
	prefix string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

// NewFromClient wraps an existing go-redis client, sharing its pool.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{redis: rdb}
}

// WithPrefix returns a view whose keys live under prefix. The pool is shared.
func (c *Client) WithPrefix(prefix string) *Client {
	if c == nil {
		return nil
	}
	return &Client{redis: c.redis, prefix: c.prefix + prefix}
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, c.key(key), b, ttl).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errNotInitialized
	}
	raw, err := c.redis.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Expire slides key's TTL forward. A missing key is reported as false.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errNotInitialized
	}
	return c.redis.Expire(ctx, c.key(key), ttl).Result()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return c.redis.Del(ctx, c.key(key)).Err()
}

func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.redis
}
