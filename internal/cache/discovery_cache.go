// Package cache provides an optional, disabled-by-default Redis cache in
// front of Cluster's discovery lookups, adapted from the teacher's
// internal/cache package: same connection-pool shape and Enabled-flag
// graceful fallback, narrowed to the one operation the fabric's discovery
// ticker actually needs — cache a query's resolved address list for a
// short TTL instead of re-resolving on every tick.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quty-io/fabric/internal/ferrors"
)

// Config mirrors the teacher's cache.Config shape.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
	TTL      time.Duration
}

// DiscoveryCache wraps an optional Redis client. A disabled cache (the
// default) makes every Get a miss and every Put a no-op, so Cluster's
// discovery path works identically with or without Redis configured.
type DiscoveryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a DiscoveryCache. When cfg.Enabled is false, it returns a
// disabled cache without attempting a connection.
func New(cfg Config) (*DiscoveryCache, error) {
	if !cfg.Enabled {
		return &DiscoveryCache{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, ferrors.Wrap(ferrors.Config, "ping redis discovery cache", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &DiscoveryCache{client: client, ttl: ttl}, nil
}

// IsEnabled reports whether this cache is backed by a live Redis client.
func (c *DiscoveryCache) IsEnabled() bool { return c.client != nil }

// Close releases the Redis connection, if any.
func (c *DiscoveryCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Get returns the cached address list for key, if present and unexpired.
func (c *DiscoveryCache) Get(ctx context.Context, key string) ([]string, bool) {
	if c.client == nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}
	var addrs []string
	if err := json.Unmarshal([]byte(val), &addrs); err != nil {
		return nil, false
	}
	return addrs, true
}

// Put stores addrs under key for the cache's configured TTL. Errors are
// swallowed — a discovery cache miss just means the next tick resolves
// fresh, never a hard failure.
func (c *DiscoveryCache) Put(ctx context.Context, key string, addrs []string) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(addrs)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
}
