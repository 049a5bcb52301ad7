package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores values as plain redis strings under a key prefix.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

type RedisOption func(*Redis)

// WithPrefix namespaces every key, e.g. per device or per user profile.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTimeout bounds each redis command. Zero means no bound.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.timeout = d }
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) GetString(key string) (string, bool, error) {
	ctx, cancel := r.context()
	defer cancel()

	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, redisError("get", key, err)
	}
	return value, true, nil
}

func (r *Redis) PutString(key string, value string) error {
	ctx, cancel := r.context()
	defer cancel()

	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return redisError("set", key, err)
	}
	return nil
}

func (r *Redis) Remove(key string) error {
	ctx, cancel := r.context()
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return redisError("del", key, err)
	}
	return nil
}

func (r *Redis) context() (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), r.timeout)
}

// redisError reports a closed client as ErrClosed.
func redisError(op string, key string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis %s '%s': %w", op, key, ErrClosed)
	}
	return fmt.Errorf("redis %s '%s': %w", op, key, err)
}
