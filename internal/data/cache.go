package data

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScoreCache is a short-TTL byte cache in front of evaluation responses.
// A miss is (nil, false, nil); errors are reserved for backend failures.
type ScoreCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ReadThrough resolves a key from the cache or computes and stores it.
// Cache backend failures degrade to computing fresh: a dead cache never
// takes the evaluation path down with it.
func ReadThrough(ctx context.Context, cache ScoreCache, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if cache != nil {
		if buf, ok, err := cache.Get(ctx, key); err == nil && ok {
			return buf, true, nil
		}
	}
	buf, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	if cache != nil {
		_ = cache.Set(ctx, key, buf, ttl)
	}
	return buf, false, nil
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is the in-process backend used when no Redis address is
// configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	c.entries[key] = memoryEntry{value: buf, expires: c.now().Add(ttl)}
	return nil
}

// RedisCache is the shared backend for multi-instance deployments.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps a Redis client. The prefix namespaces keys so several
// environments can share one instance.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(key string) string {
	return c.prefix + ":" + key
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	buf, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}
