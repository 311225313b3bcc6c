package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache abstracts the result cache so the use case can run against Redis, memory or a stub.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return value, err
}

// MemoryCache is an in-process LRU. Entries expire after the TTL given at construction;
// the per-call expiration is ignored.
type MemoryCache struct {
	lru *expirable.LRU[string, string]
}

// NewMemoryCache keeps at most size entries for ttl each.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *MemoryCache) Set(_ context.Context, key string, value string, _ time.Duration) error {
	c.lru.Add(key, value)
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	if value, ok := c.lru.Get(key); ok {
		return value, nil
	}
	return "", ErrCacheMiss
}
