package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores credentials as plain string keys.  A zero TTL keeps
// the value until it is cleared.
type RedisBackend struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisBackend(rdb redis.Cmdable, ttl time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, ttl: ttl}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, key, value, r.ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
