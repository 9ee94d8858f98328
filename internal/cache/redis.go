package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/metrics"
)

const (
	backendRedis  = "redis"
	scanBatchSize = 200
)

// RedisOptions holds configuration for connecting to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key this cache writes.
	Prefix string
}

// RedisCache is a ResultCache shared by every API instance.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache opens a client and pings the server.
func NewRedisCache(opts RedisOptions) (*RedisCache, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis cache: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisCache{client: client, prefix: opts.Prefix}, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get implements ResultCache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.FromContext(ctx).WithError(err).Warn("Redis cache get failed")
		}
		metrics.CacheMisses.WithLabelValues(backendRedis).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(backendRedis).Inc()
	return value, true
}

// Set implements ResultCache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl < 0 {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Redis cache set failed")
	}
}

// Invalidate implements ResultCache with SCAN MATCH, so it never blocks the server.
func (c *RedisCache) Invalidate(ctx context.Context, prefix string) int {
	pattern := escapeGlob(c.prefix+prefix) + "*"
	removed := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Redis cache scan failed")
			return removed
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				logger.FromContext(ctx).WithError(err).Warn("Redis cache delete failed")
				return removed
			}
			removed += int(n)
		}
		if next == 0 {
			return removed
		}
		cursor = next
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

var _ ResultCache = (*RedisCache)(nil)
