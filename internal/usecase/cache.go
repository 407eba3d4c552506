package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by Cache.Get when no prediction is stored under key.
var ErrCacheMiss = errors.New("cache miss")

const defaultCachePrefix = "renal-scan:diagnosis:"

// Cache stores serialized predictions keyed by the upload's SHA-1.
type Cache interface {
	Get(ctx context.Context, hash string) ([]byte, error)
	Set(ctx context.Context, hash string, value []byte, ttl time.Duration) error
}

// RedisCache keeps predictions in Redis under a namespaced key.
type RedisCache struct {
	client redis.Cmdable
	prefix string
}

func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client, prefix: defaultCachePrefix}
}

func (c *RedisCache) key(hash string) string {
	return c.prefix + hash
}

func (c *RedisCache) Get(ctx context.Context, hash string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return value, err
}

// Set stores value with ttl. A non-positive ttl keeps the entry forever.
func (c *RedisCache) Set(ctx context.Context, hash string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.client.Set(ctx, c.key(hash), value, 0).Err()
	}
	return c.client.SetEX(ctx, c.key(hash), value, ttl).Err()
}
