package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/timmy/mediasearch/internal/metrics"
)

const backendMemory = "memory"

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a per-process LRU with TTL, wrapping hashicorp/golang-lru/v2/expirable.
// The LRU evicts by the default TTL; shorter per-entry TTLs are enforced on read.
type MemoryCache struct {
	lru        *expirable.LRU[string, memoryEntry]
	defaultTTL time.Duration
	now        func() time.Time
}

// NewMemoryCache creates an LRU holding at most size entries. A ttl of 0 disables the
// LRU's own expiry, leaving per-entry TTLs.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryCache{
		lru:        expirable.NewLRU[string, memoryEntry](size, nil, ttl),
		defaultTTL: ttl,
		now:        time.Now,
	}
}

// Get implements ResultCache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := c.lru.Get(key)
	if ok && !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(backendMemory).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(backendMemory).Inc()
	return entry.value, true
}

// Set implements ResultCache. A non-positive ttl falls back to the default.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, entry)
}

// Invalidate implements ResultCache.
func (c *MemoryCache) Invalidate(ctx context.Context, prefix string) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) && c.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, including ones expired but not yet evicted.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

var _ ResultCache = (*MemoryCache)(nil)
