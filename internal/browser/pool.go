// File: internal/browser/pool.go
// Description: Bounded browser pool. Capacity is enforced with a weighted
// semaphore; idle browsers are reused before new ones are launched.

package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/recovery"
)

// Factory creates a new browser instance. Swappable in tests.
type Factory func(ctx context.Context) (schemas.Browser, error)

// PoolConfig tunes the pool.
type PoolConfig struct {
	// MaxBrowsers caps concurrently live browsers. Zero means 5.
	MaxBrowsers int
	// AcquireTimeout bounds how long Acquire waits for capacity before
	// reporting exhaustion. Zero means 10s.
	AcquireTimeout time.Duration
}

// Pool hands out exclusively owned browsers up to a fixed capacity.
type Pool struct {
	logger  *zap.Logger
	factory Factory
	cfg     PoolConfig
	sem     *semaphore.Weighted

	mu     sync.Mutex
	idle   []schemas.Browser
	live   int
	closed bool
}

var _ schemas.BrowserPool = (*Pool)(nil)

// NewPool builds a pool backed by the given factory.
func NewPool(cfg PoolConfig, factory Factory, logger *zap.Logger) *Pool {
	if cfg.MaxBrowsers <= 0 {
		cfg.MaxBrowsers = 5
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	return &Pool{
		logger:  logger.Named("browser_pool"),
		factory: factory,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxBrowsers)),
	}
}

// Acquire returns an exclusively owned browser, reusing an idle one when
// available. When the pool is at capacity it waits up to the acquire timeout
// and then reports resource exhaustion.
func (p *Pool) Acquire(ctx context.Context) (schemas.Browser, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &recovery.ResourceError{Resource: "browser_pool", Message: "pool is closed"}
	}
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &recovery.ResourceError{
			Resource: "browser_pool",
			Message:  fmt.Sprintf("no browser available within %s (capacity %d)", p.cfg.AcquireTimeout, p.cfg.MaxBrowsers),
		}
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		b := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return b, nil
	}
	p.live++
	p.mu.Unlock()

	b, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, err
	}
	p.logger.Debug("Launched browser", zap.Int("live", p.liveCount()))
	return b, nil
}

// Release returns a browser to the idle set. After Close the browser is torn
// down instead of pooled.
func (p *Pool) Release(b schemas.Browser) {
	if b == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		_ = b.Close(context.Background())
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, b)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Discard destroys a browser instead of pooling it, freeing its capacity
// slot. Used when the owner observed an unrecoverable driver failure.
func (p *Pool) Discard(b schemas.Browser) {
	if b == nil {
		return
	}
	_ = b.Close(context.Background())
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.sem.Release(1)
}

// Close tears down all idle browsers and stops further acquisition. Browsers
// currently checked out are closed as they come back.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	var firstErr error
	for _, b := range idle {
		if err := b.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports pool occupancy.
func (p *Pool) Stats() (live, idle, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.idle), p.cfg.MaxBrowsers
}

func (p *Pool) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
