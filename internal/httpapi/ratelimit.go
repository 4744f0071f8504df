// File: internal/httpapi/ratelimit.go
// Description: Per-identifier token bucket rate limiting backed by
// golang.org/x/time/rate, with pruning of idle buckets.

package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client identifier.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

// NewRateLimiter allows perMinute requests per identifier, with a burst of
// the same size so a fresh client is never throttled on its first batch.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		buckets: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
}

// Allow reports whether the identifier may proceed now.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	e, ok := rl.buckets[identifier]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[identifier] = e
	}
	e.lastSeen = now

	if len(rl.buckets) > 1024 {
		rl.pruneLocked(now)
	}
	return e.limiter.Allow()
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	for id, e := range rl.buckets {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(rl.buckets, id)
		}
	}
}
