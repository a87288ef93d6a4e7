package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis. Keys are
// prefixed with the namespace.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

// NewRedisCache constructs a new Redis-backed cache adapter. An empty
// namespace leaves keys unprefixed.
func NewRedisCache(client *redis.Client, namespace string) *RedisCache {
	return &RedisCache{client: client, namespace: namespace}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, expiration).Err()
}

// Get retrieves a cached value from Redis. A miss is redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.key(key)).Result()
}

func (c *RedisCache) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

// noCache is used when no Redis address is configured. Every read misses.
type noCache struct{}

func (noCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }
func (noCache) Get(context.Context, string) (string, error)                   { return "", redis.Nil }

func eventCacheKey(eventID string) string {
	return "detection:" + eventID
}
