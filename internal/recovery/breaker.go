// File: internal/recovery/breaker.go
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the breaker's gate position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig parameterizes one circuit breaker.
type BreakerConfig struct {
	Threshold int           // consecutive failures before opening
	Cooldown  time.Duration // Open -> HalfOpen delay
}

// DefaultBreakerConfig uses the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

// CircuitBreaker guards one named call site. While Open, calls fail fast
// with ErrCircuitOpen without invoking the protected function.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger *zap.Logger

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger.Named("breaker").With(zap.String("breaker", name)),
		state:  CircuitClosed,
	}
}

// State returns the current gate position, applying the cooldown transition.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked(time.Now())
}

func (cb *CircuitBreaker) stateLocked(now time.Time) CircuitState {
	if cb.state == CircuitOpen && now.Sub(cb.lastFailure) >= cb.cfg.Cooldown {
		cb.state = CircuitHalfOpen
		cb.logger.Info("Circuit entering half-open state")
	}
	return cb.state
}

// Execute runs op through the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	cb.mu.Lock()
	if cb.stateLocked(time.Now()) == CircuitOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := op(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.Threshold {
			if cb.state != CircuitOpen {
				cb.logger.Warn("Circuit opened",
					zap.Int("consecutive_failures", cb.failures))
			}
			cb.state = CircuitOpen
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.Info("Circuit closed after successful probe")
	}
	cb.state = CircuitClosed
	cb.failures = 0
	return nil
}

// BreakerSet is a registry of breakers keyed by protected call site name.
type BreakerSet struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a registry applying cfg to every new breaker.
func NewBreakerSet(cfg BreakerConfig, logger *zap.Logger) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, s.cfg, s.logger)
		s.breakers[name] = cb
	}
	return cb
}

// Execute routes op through the named breaker.
func (s *BreakerSet) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	return s.Get(name).Execute(ctx, op)
}
