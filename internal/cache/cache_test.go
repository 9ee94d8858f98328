package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/mediasearch/internal/config"
)

func TestMemoryCache_GetSet(t *testing.T) {
	c := NewMemoryCache(16, time.Minute)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), 0)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryCache_PerEntryTTL(t *testing.T) {
	c := NewMemoryCache(16, time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "short", []byte("1"), time.Second)
	c.Set(ctx, "long", []byte("2"), 10*time.Minute)

	now = now.Add(2 * time.Second)
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok, "entry read after its TTL must miss")
	_, ok = c.Get(ctx, "long")
	assert.True(t, ok)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2, time.Minute)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("a"), 0)
	c.Set(ctx, "b", []byte("b"), 0)
	_, _ = c.Get(ctx, "a")
	c.Set(ctx, "c", []byte("c"), 0)

	_, ok := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCache_Invalidate(t *testing.T) {
	c := NewMemoryCache(16, time.Minute)
	ctx := context.Background()

	c.Set(ctx, "search:alice|1", []byte("x"), 0)
	c.Set(ctx, "search:alice|2", []byte("x"), 0)
	c.Set(ctx, "search:bob|1", []byte("x"), 0)

	assert.Equal(t, 2, c.Invalidate(ctx, "search:alice|"))
	_, ok := c.Get(ctx, "search:bob|1")
	assert.True(t, ok)
}

func TestNew(t *testing.T) {
	c, err := New(&config.CacheConfig{Backend: "memory", Size: 8, TTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)

	_, err = New(&config.CacheConfig{Backend: "memcached"})
	assert.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `search:a\*b\?\[c\]`, escapeGlob("search:a*b?[c]"))
}

// Runs only against a live server: REDIS_ADDR=localhost:6379 go test ./internal/cache
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c, err := NewRedisCache(RedisOptions{Addr: addr, Prefix: "mediasearch-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "search:alice|1", []byte("x"), time.Minute)
	c.Set(ctx, "search:bob|1", []byte("y"), time.Minute)

	got, ok := c.Get(ctx, "search:alice|1")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), got)

	assert.Equal(t, 1, c.Invalidate(ctx, "search:alice|"))
	_, ok = c.Get(ctx, "search:alice|1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Invalidate(ctx, "search:"))
}
