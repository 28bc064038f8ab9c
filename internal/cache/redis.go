package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "vodsearch:cache:"

// RedisBackend relies on native key expiry, so DeleteExpired has nothing to do.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Name() string { return "redis" }

func redisKey(category, key string) string {
	return redisKeyPrefix + category + ":" + key
}

func (r *RedisBackend) Get(ctx context.Context, category, key string, _ time.Time) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, redisKey(category, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, category, key string, value []byte, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.client.Del(ctx, redisKey(category, key)).Err()
	}
	return r.client.Set(ctx, redisKey(category, key), value, ttl).Err()
}

func (r *RedisBackend) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
