package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prismbot/prism/internal/cache"
	"github.com/prismbot/prism/internal/events"
)

func newTestCache(t *testing.T, maxBytes int64, opts ...cache.Option) *cache.Cache {
	return cache.NewCache(zaptest.NewLogger(t), maxBytes, opts...)
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, 1024)

	require.NoError(t, c.Set("k", "value"))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "value", got)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestCache_MissOnAbsentKey(t *testing.T) {
	c := newTestCache(t, 1024)

	_, ok := c.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCache_TTLExpiryIsLazy(t *testing.T) {
	c := newTestCache(t, 1024)

	require.NoError(t, c.SetWithTTL("k", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry must never be returned")

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries, "expired entry removed on read")
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCache_ZeroTTLExpiresImmediately(t *testing.T) {
	c := newTestCache(t, 1024)
	require.NoError(t, c.SetWithTTL("k", "v", 0))

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCache_ByteCapNeverExceeded(t *testing.T) {
	c := newTestCache(t, 32)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), "0123456789"))
		assert.LessOrEqual(t, c.Stats().Bytes, int64(32))
	}
	assert.Greater(t, c.Stats().Evictions, int64(0))
}

func TestCache_CapOfOneEntryEvictsOnEverySet(t *testing.T) {
	// Cap fits exactly one 10-byte value.
	c := newTestCache(t, 10)

	require.NoError(t, c.Set("a", "0123456789"))
	require.NoError(t, c.Set("b", "0123456789"))

	_, ok := c.Get("a")
	assert.False(t, ok)
	got, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "0123456789", got)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_ValueLargerThanCapRejected(t *testing.T) {
	c := newTestCache(t, 4)
	assert.Error(t, c.Set("k", "too large to fit"))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCache_LRUEvictsLeastRecentlyAccessed(t *testing.T) {
	c := newTestCache(t, 20)

	require.NoError(t, c.Set("old", "0123456789"))
	require.NoError(t, c.Set("new", "0123456789"))

	// Touch "old" so "new" becomes the LRU victim.
	_, ok := c.Get("old")
	require.True(t, ok)

	require.NoError(t, c.Set("next", "0123456789"))

	_, ok = c.Get("old")
	assert.True(t, ok)
	_, ok = c.Get("new")
	assert.False(t, ok)
}

func TestCache_FIFOEvictsOldestInserted(t *testing.T) {
	c := newTestCache(t, 20, cache.WithPolicy(cache.PolicyFIFO))

	require.NoError(t, c.Set("first", "0123456789"))
	require.NoError(t, c.Set("second", "0123456789"))

	// Access does not save the oldest entry under FIFO.
	_, _ = c.Get("first")

	require.NoError(t, c.Set("third", "0123456789"))

	_, ok := c.Get("first")
	assert.False(t, ok)
	_, ok = c.Get("second")
	assert.True(t, ok)
}

func TestCache_AdaptiveEvictsColdEntries(t *testing.T) {
	c := newTestCache(t, 20, cache.WithPolicy(cache.PolicyAdaptive))

	require.NoError(t, c.Set("cold", "0123456789"))
	require.NoError(t, c.Set("hot", "0123456789"))
	for i := 0; i < 10; i++ {
		_, _ = c.Get("hot")
	}

	require.NoError(t, c.Set("new", "0123456789"))

	_, ok := c.Get("hot")
	assert.True(t, ok, "frequently accessed entry survives")
	_, ok = c.Get("cold")
	assert.False(t, ok)
}

func TestCache_InvalidateByPatternSessionPrefix(t *testing.T) {
	c := newTestCache(t, 4096)

	require.NoError(t, c.Set(cache.Key("session:s1", "perception:home"), "a"))
	require.NoError(t, c.Set(cache.Key("session:s1", "tools:last"), "b"))
	require.NoError(t, c.Set(cache.Key("session:s2", "perception:home"), "c"))

	n, err := c.InvalidateByPattern(cache.SessionPrefix("s1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get("session:s1:perception:home")
	assert.False(t, ok)
	_, ok = c.Get("session:s2:perception:home")
	assert.True(t, ok, "other sessions untouched")
}

func TestSessionFromKey(t *testing.T) {
	id, ok := cache.SessionFromKey("session:abc:analysis:https://example.com/")
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = cache.SessionFromKey("tool:abc:result")
	assert.False(t, ok)
	_, ok = cache.SessionFromKey("session:")
	assert.False(t, ok)
	_, ok = cache.SessionFromKey("session:noseparator")
	assert.False(t, ok)
}

func TestCache_InvalidatePatternRejectsBadGlob(t *testing.T) {
	c := newTestCache(t, 1024)
	_, err := c.InvalidateByPattern("[")
	assert.Error(t, err)
}

func TestCache_InvalidateSingleKeyIdempotent(t *testing.T) {
	c := newTestCache(t, 1024)
	require.NoError(t, c.Set("k", "v"))

	c.Invalidate("k")
	c.Invalidate("k") // absent now, still fine

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_EmitsHitMissInvalidated(t *testing.T) {
	var emitted []events.Event
	c := newTestCache(t, 1024, cache.WithEmitter(func(e events.Event) {
		emitted = append(emitted, e)
	}))

	require.NoError(t, c.Set("k", "v"))
	_, _ = c.Get("k")
	_, _ = c.Get("absent")
	c.Invalidate("k")

	require.Len(t, emitted, 3)
	assert.Equal(t, events.CacheHit, emitted[0].Type)
	assert.Equal(t, events.CacheMiss, emitted[1].Type)
	assert.Equal(t, events.CacheInvalidated, emitted[2].Type)
	assert.Equal(t, []string{"k"}, emitted[2].KeysAffected)
}

func TestCache_OverwriteReplacesBytes(t *testing.T) {
	c := newTestCache(t, 1024)

	require.NoError(t, c.Set("k", "aaaaaaaaaa"))
	require.NoError(t, c.Set("k", "bb"))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2), stats.Bytes)
}
