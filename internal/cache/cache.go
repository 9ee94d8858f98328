// Package cache stores serialized search responses keyed by normalized query.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/mediasearch/internal/config"
)

// ResultCache is a TTL key-value store for search responses. Failures are swallowed and
// reported as misses: a cache outage must never fail a search.
type ResultCache interface {
	// Get returns the value stored under key if it exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Invalidate removes every key starting with prefix and returns how many were removed.
	Invalidate(ctx context.Context, prefix string) int
}

// New builds the cache backend named in cfg.
func New(cfg *config.CacheConfig) (ResultCache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(cfg.Size, cfg.TTL), nil
	case "redis":
		return NewRedisCache(RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
