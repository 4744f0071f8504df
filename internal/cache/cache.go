// File: internal/cache/cache.go
// Description: Namespaced key/value store shared by all coordinated modules.
// Entries carry TTL and size accounting; a byte cap drives policy-based
// eviction on every write.

package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Policy selects the eviction strategy applied when a write would exceed the
// byte cap.
type Policy string

const (
	// PolicyLRU evicts the least recently accessed entry first.
	PolicyLRU Policy = "lru"
	// PolicyFIFO evicts the oldest inserted entry first.
	PolicyFIFO Policy = "fifo"
	// PolicyTTL evicts expired entries first, then those expiring soonest.
	PolicyTTL Policy = "ttl"
	// PolicyAdaptive evicts by score: age * 1/(access_count+1) * size,
	// largest score first.
	PolicyAdaptive Policy = "adaptive"
)

type entry struct {
	value        any
	insertedAt   time.Time
	expiresAt    time.Time // zero means no expiry
	accessCount  int64
	lastAccessed time.Time
	sizeBytes    int64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Emitter receives cache events (hit / miss / invalidated). Typically wired
// to the event bus by the coordinator; nil disables emission.
type Emitter func(events.Event)

// Option configures a Cache.
type Option func(*Cache)

// WithEmitter wires an event emitter.
func WithEmitter(emit Emitter) Option {
	return func(c *Cache) { c.emit = emit }
}

// WithPolicy overrides the default LRU eviction policy.
func WithPolicy(p Policy) Option {
	return func(c *Cache) { c.policy = p }
}

// Cache is the process-wide unified cache. Safe for concurrent use.
type Cache struct {
	logger   *zap.Logger
	policy   Policy
	maxBytes int64
	emit     Emitter

	mu        sync.Mutex
	entries   map[string]*entry
	bytes     int64
	hits      int64
	misses    int64
	evictions int64
}

// NewCache creates a cache capped at maxBytes live payload bytes.
func NewCache(logger *zap.Logger, maxBytes int64, opts ...Option) *Cache {
	c := &Cache{
		logger:   logger.Named("cache"),
		policy:   PolicyLRU,
		maxBytes: maxBytes,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds a namespaced cache key: "{ns}:{userKey}".
func Key(namespace, userKey string) string {
	return namespace + ":" + userKey
}

// SessionPrefix is the invalidation pattern covering every key a session
// owns.
func SessionPrefix(sessionID string) string {
	return "session:" + sessionID + ":*"
}

// SessionFromKey extracts the owning session id from a session-scoped key.
// Keys outside the session namespace report false.
func SessionFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "session:")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Get returns the live value stored under key. Expired entries are removed on
// read and reported as a miss. Access metadata is updated atomically with the
// read.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		c.removeLocked(key, e)
		ok = false
	}
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.emitEvent(events.CacheMiss, key, nil)
		return nil, false
	}
	e.accessCount++
	e.lastAccessed = now
	c.hits++
	value := e.value
	c.mu.Unlock()

	c.emitEvent(events.CacheHit, key, nil)
	return value, true
}

// Set stores value under key with no expiry, evicting per policy until the
// byte cap is respected.
func (c *Cache) Set(key string, value any) error {
	return c.set(key, value, 0, false)
}

// SetWithTTL stores value under key with an expiry. A ttl of zero or less
// produces an entry that is already expired: the next Get removes it and
// reports a miss.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) error {
	return c.set(key, value, ttl, true)
}

// Delete removes a single key, reporting whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, e)
	return true
}

func (c *Cache) set(key string, value any, ttl time.Duration, hasTTL bool) error {
	now := time.Now()
	size := sizeOf(value)
	if c.maxBytes > 0 && size > c.maxBytes {
		return fmt.Errorf("cache: value of %d bytes exceeds cap %d", size, c.maxBytes)
	}

	e := &entry{
		value:        value,
		insertedAt:   now,
		accessCount:  0,
		lastAccessed: now,
		sizeBytes:    size,
	}
	if hasTTL {
		e.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	if c.maxBytes > 0 {
		for c.bytes+size > c.maxBytes && len(c.entries) > 0 {
			victim := c.selectVictimLocked(now)
			if victim == "" {
				break
			}
			c.removeLocked(victim, c.entries[victim])
			c.evictions++
		}
		if c.bytes+size > c.maxBytes {
			return fmt.Errorf("cache: cannot fit %d bytes under cap %d", size, c.maxBytes)
		}
	}

	c.entries[key] = e
	c.bytes += size
	return nil
}

// Invalidate removes a single key. Removing an absent key is a no-op.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.removeLocked(key, e)
	}
	c.mu.Unlock()

	if ok {
		c.emitEvent(events.CacheInvalidated, "", []string{key})
	}
}

// InvalidateByPattern removes every key matching the glob pattern, atomically
// with respect to concurrent reads: a reader observes either the old value or
// nothing, never a partial sweep. A bare prefix such as "session:abc:*" is
// the common case.
func (c *Cache) InvalidateByPattern(pattern string) (int, error) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: invalid pattern %q: %w", pattern, err)
	}

	var removed []string
	c.mu.Lock()
	for key, e := range c.entries {
		if matcher.Match(key) {
			c.removeLocked(key, e)
			removed = append(removed, key)
		}
	}
	c.mu.Unlock()

	if len(removed) > 0 {
		c.emitEvent(events.CacheInvalidated, "", removed)
	}
	return len(removed), nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() schemas.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return schemas.CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Bytes:     c.bytes,
	}
}

// removeLocked deletes an entry and adjusts the byte count. Caller holds the
// write lock.
func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	c.bytes -= e.sizeBytes
}

// selectVictimLocked picks the next entry to evict per the configured policy.
// Caller holds the write lock and has verified the map is non-empty.
func (c *Cache) selectVictimLocked(now time.Time) string {
	switch c.policy {
	case PolicyFIFO:
		return c.minKeyLocked(func(e *entry) float64 {
			return float64(e.insertedAt.UnixNano())
		})
	case PolicyTTL:
		// Expired entries first.
		for key, e := range c.entries {
			if e.expired(now) {
				return key
			}
		}
		// Then soonest-expiring; entries without TTL are last resort, oldest
		// inserted first.
		return c.minKeyLocked(func(e *entry) float64 {
			if e.expiresAt.IsZero() {
				return float64(now.Add(1000 * time.Hour).UnixNano()) + float64(e.insertedAt.UnixNano())/1e18
			}
			return float64(e.expiresAt.UnixNano())
		})
	case PolicyAdaptive:
		type scored struct {
			key   string
			score float64
		}
		all := make([]scored, 0, len(c.entries))
		for key, e := range c.entries {
			age := now.Sub(e.insertedAt).Seconds()
			score := age * (1.0 / float64(e.accessCount+1)) * float64(e.sizeBytes)
			all = append(all, scored{key, score})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
		if len(all) == 0 {
			return ""
		}
		return all[0].key
	default: // PolicyLRU
		return c.minKeyLocked(func(e *entry) float64 {
			return float64(e.lastAccessed.UnixNano())
		})
	}
}

func (c *Cache) minKeyLocked(rank func(*entry) float64) string {
	var best string
	bestRank := 0.0
	first := true
	for key, e := range c.entries {
		r := rank(e)
		if first || r < bestRank {
			best, bestRank, first = key, r, false
		}
	}
	return best
}

func (c *Cache) emitEvent(t events.Type, key string, keys []string) {
	if c.emit == nil {
		return
	}
	e := events.New(t)
	e.CacheKey = key
	e.KeysAffected = keys
	c.emit(e)
}

// sizeOf estimates the live payload size of a value. Strings and byte slices
// are exact; everything else is measured by its JSON encoding.
func sizeOf(value any) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 8
	default:
		if data, err := json.Marshal(v); err == nil {
			return int64(len(data))
		}
		return 64
	}
}
