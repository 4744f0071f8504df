// File: internal/coordinator/coordinator.go
// Description: Top-level coordinator. Owns the session directory, admits new
// sessions against a cap, reaps idle ones, and aggregates system health.

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/cache"
	"github.com/prismbot/prism/internal/events"
	"github.com/prismbot/prism/internal/recovery"
	"github.com/prismbot/prism/internal/session"
	"github.com/prismbot/prism/internal/state"
	"github.com/prismbot/prism/internal/tools"
)

// Config tunes the coordinator.
type Config struct {
	// MaxSessions caps concurrently live sessions. Zero means 10.
	MaxSessions int
	// IdleTimeout closes sessions with no activity. Zero means 10 minutes.
	IdleTimeout time.Duration
	// ReapInterval is the idle sweep period. Zero means 30 seconds.
	ReapInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
}

// BrowserSource hands out pooled navigators; satisfied by the browser pool.
type BrowserSource interface {
	Acquire(ctx context.Context) (schemas.Browser, error)
	Release(b schemas.Browser)
	Close(ctx context.Context) error
}

// Coordinator ties the shared singletons and the session directory together.
type Coordinator struct {
	cfg    Config
	bus    *events.Bus
	cache  *cache.Cache
	state  *state.Manager
	pool   BrowserSource
	logger *zap.Logger

	sessionDeps session.Deps

	mu       sync.RWMutex
	sessions map[string]*managed
	closed   bool

	// subs are the bus subscriptions feeding per-session usage counters.
	subs []string

	reapStop chan struct{}
	reapDone chan struct{}
}

// managed pairs a session with the browser it borrowed from the pool.
type managed struct {
	sess    *session.Session
	browser schemas.Browser
}

// New builds a coordinator and starts its idle reaper.
func New(cfg Config, pool BrowserSource, bus *events.Bus, c *cache.Cache, st *state.Manager,
	logger *zap.Logger, perceptionFactory session.PerceptionFactory) *Coordinator {
	cfg.setDefaults()
	co := &Coordinator{
		cfg:    cfg,
		bus:    bus,
		cache:  c,
		state:  st,
		pool:   pool,
		logger: logger.Named("coordinator"),
		sessionDeps: session.Deps{
			Bus:           bus,
			Cache:         c,
			State:         st,
			Logger:        logger,
			NewPerception: perceptionFactory,
		},
		sessions: make(map[string]*managed),
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	co.wireUsageCounters()
	go co.reapLoop()
	return co
}

// wireUsageCounters subscribes the shared state's per-session counters to the
// event stream: perception analyses, cache hit and miss outcomes, and the tool
// execution record ring all accrue through here regardless of which module
// triggered them.
func (co *Coordinator) wireUsageCounters() {
	if co.bus == nil || co.state == nil {
		return
	}
	co.subs = append(co.subs,
		co.bus.Subscribe(events.AnalysisStarted, func(ev events.Event) error {
			co.bumpUsage(ev.SessionID, func(u *schemas.ResourceUsage) { u.PerceptionOps++ })
			return nil
		}, nil),
		co.bus.Subscribe(events.CacheHit, func(ev events.Event) error {
			if id, ok := cache.SessionFromKey(ev.CacheKey); ok {
				co.bumpUsage(id, func(u *schemas.ResourceUsage) { u.CacheHits++ })
			}
			return nil
		}, nil),
		co.bus.Subscribe(events.CacheMiss, func(ev events.Event) error {
			if id, ok := cache.SessionFromKey(ev.CacheKey); ok {
				co.bumpUsage(id, func(u *schemas.ResourceUsage) { u.CacheMisses++ })
			}
			return nil
		}, nil),
		co.bus.Subscribe(events.ToolExecutionCompleted, co.recordToolExecution(true), nil),
		co.bus.Subscribe(events.ToolExecutionFailed, co.recordToolExecution(false), nil),
	)
}

// bumpUsage mutates a live session's usage counters. Events for unknown or
// already-removed sessions are dropped so a late event cannot resurrect a
// dropped state record.
func (co *Coordinator) bumpUsage(sessionID string, fn func(*schemas.ResourceUsage)) {
	if sessionID == "" {
		return
	}
	if _, ok := co.Get(sessionID); !ok {
		return
	}
	co.state.Update(sessionID, func(st *state.SessionState) { fn(&st.Usage) })
}

// recordToolExecution appends a completed tool invocation to the session's
// bounded history ring.
func (co *Coordinator) recordToolExecution(success bool) events.Handler {
	return func(ev events.Event) error {
		if ev.SessionID == "" {
			return nil
		}
		if _, ok := co.Get(ev.SessionID); !ok {
			return nil
		}
		co.state.Update(ev.SessionID, func(st *state.SessionState) {
			st.AppendToolRecord(state.ToolRecord{
				ToolName:    ev.ToolName,
				ExecutionID: ev.ExecutionID,
				Success:     success,
				DurationMs:  ev.DurationMs,
				Error:       ev.ErrMessage,
				CompletedAt: ev.Timestamp,
			})
		})
		return nil
	}
}

// CreateSession admits a new session with a fresh id.
func (co *Coordinator) CreateSession(ctx context.Context) (*session.Session, error) {
	return co.createWithID(ctx, uuid.NewString())
}

// GetOrCreate returns the session with the given id, creating it if absent.
// An empty id always creates a fresh session.
func (co *Coordinator) GetOrCreate(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return co.CreateSession(ctx)
	}
	co.mu.RLock()
	if m, ok := co.sessions[id]; ok && m != nil {
		co.mu.RUnlock()
		m.sess.Touch()
		return m.sess, nil
	}
	co.mu.RUnlock()
	return co.createWithID(ctx, id)
}

func (co *Coordinator) createWithID(ctx context.Context, id string) (*session.Session, error) {
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		return nil, &recovery.SessionError{SessionID: id, Message: "coordinator is shut down"}
	}
	if m, ok := co.sessions[id]; ok {
		co.mu.Unlock()
		if m == nil {
			return nil, &recovery.SessionError{
				SessionID: id,
				Message:   "session creation already in flight",
				Err:       recovery.ErrCreateInFlight,
			}
		}
		m.sess.Touch()
		return m.sess, nil
	}
	if len(co.sessions) >= co.cfg.MaxSessions {
		co.mu.Unlock()
		return nil, &recovery.ResourceError{
			Resource: "sessions",
			Message:  fmt.Sprintf("session cap %d reached", co.cfg.MaxSessions),
		}
	}
	// Reserve the slot before the (slow) browser acquisition so concurrent
	// creates with the same id collapse to one.
	co.sessions[id] = nil
	co.mu.Unlock()

	browser, err := co.pool.Acquire(ctx)
	if err != nil {
		co.mu.Lock()
		delete(co.sessions, id)
		co.mu.Unlock()
		return nil, err
	}

	nav, ok := browser.(tools.Navigator)
	if !ok {
		co.pool.Release(browser)
		co.mu.Lock()
		delete(co.sessions, id)
		co.mu.Unlock()
		return nil, &recovery.SessionError{SessionID: id, Message: "browser does not support load waiting"}
	}

	sess := session.New(id, nav, co.sessionDeps)
	co.mu.Lock()
	if co.closed {
		delete(co.sessions, id)
		co.mu.Unlock()
		sess.Cleanup(ctx, "shutdown")
		co.pool.Release(browser)
		return nil, &recovery.SessionError{SessionID: id, Message: "coordinator is shut down"}
	}
	co.sessions[id] = &managed{sess: sess, browser: browser}
	count := len(co.sessions)
	co.mu.Unlock()

	co.logger.Info("Session created", zap.String("session_id", id), zap.Int("active", count))
	return sess, nil
}

// Get returns a live session.
func (co *Coordinator) Get(id string) (*session.Session, bool) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	m, ok := co.sessions[id]
	if !ok || m == nil {
		return nil, false
	}
	return m.sess, true
}

// RemoveSession closes and drops a session. Unknown ids report an error.
func (co *Coordinator) RemoveSession(ctx context.Context, id, reason string) error {
	co.mu.Lock()
	m, ok := co.sessions[id]
	if ok && m != nil {
		delete(co.sessions, id)
	}
	co.mu.Unlock()
	if !ok || m == nil {
		return &recovery.SessionError{SessionID: id, Message: "session not found"}
	}

	m.sess.Cleanup(ctx, reason)
	co.pool.Release(m.browser)
	return nil
}

// ListSessions snapshots the directory.
func (co *Coordinator) ListSessions() []schemas.SessionInfo {
	co.mu.RLock()
	managedSessions := make([]*managed, 0, len(co.sessions))
	for _, m := range co.sessions {
		if m != nil {
			managedSessions = append(managedSessions, m)
		}
	}
	co.mu.RUnlock()

	out := make([]schemas.SessionInfo, 0, len(managedSessions))
	for _, m := range managedSessions {
		out = append(out, m.sess.Info())
	}
	return out
}

// SystemHealth aggregates per-session health with cache and bus metrics.
func (co *Coordinator) SystemHealth(ctx context.Context) schemas.SystemHealth {
	co.mu.RLock()
	managedSessions := make([]*managed, 0, len(co.sessions))
	for _, m := range co.sessions {
		if m != nil {
			managedSessions = append(managedSessions, m)
		}
	}
	co.mu.RUnlock()

	health := schemas.SystemHealth{
		ActiveSessions: len(managedSessions),
		CheckedAt:      time.Now(),
	}
	for _, m := range managedSessions {
		mh := m.sess.HealthCheck(ctx)
		health.Modules = append(health.Modules, mh)
		if mh.Status == schemas.StatusHealthy {
			health.HealthySessions++
		}
	}
	if co.cache != nil {
		health.Cache = co.cache.Stats()
	}
	if co.bus != nil {
		health.TotalEvents = co.bus.Metrics().TotalEvents
	}
	if co.state != nil {
		health.Usage = co.state.TotalUsage()
	}

	switch {
	case len(managedSessions) == 0 || health.HealthySessions == len(managedSessions):
		health.Status = schemas.StatusHealthy
	case health.HealthySessions == 0:
		health.Status = schemas.StatusCritical
	default:
		health.Status = schemas.StatusDegraded
	}
	return health
}

// reapLoop periodically closes idle sessions.
func (co *Coordinator) reapLoop() {
	defer close(co.reapDone)
	ticker := time.NewTicker(co.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			co.reapIdle()
		case <-co.reapStop:
			return
		}
	}
}

func (co *Coordinator) reapIdle() {
	cutoff := time.Now().Add(-co.cfg.IdleTimeout)

	co.mu.RLock()
	var stale []string
	var idleFor = map[string]time.Duration{}
	for id, m := range co.sessions {
		if m == nil {
			continue
		}
		if last := m.sess.LastActivity(); last.Before(cutoff) {
			stale = append(stale, id)
			idleFor[id] = time.Since(last)
		}
	}
	co.mu.RUnlock()

	for _, id := range stale {
		ev := events.ForSession(events.SessionTimeout, id)
		ev.IdleMs = idleFor[id].Milliseconds()
		if co.bus != nil {
			co.bus.Publish(ev)
		}
		if err := co.RemoveSession(context.Background(), id, "idle timeout"); err != nil {
			co.logger.Warn("Idle reap failed", zap.String("session_id", id), zap.Error(err))
		} else {
			co.logger.Info("Reaped idle session", zap.String("session_id", id))
		}
	}
}

// Close stops the reaper and tears down every session, then the pool.
func (co *Coordinator) Close(ctx context.Context) error {
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		<-co.reapDone
		return nil
	}
	co.closed = true
	remaining := co.sessions
	co.sessions = make(map[string]*managed)
	co.mu.Unlock()

	close(co.reapStop)
	<-co.reapDone

	if co.bus != nil {
		for _, sub := range co.subs {
			co.bus.Unsubscribe(sub)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range remaining {
		if m == nil {
			continue
		}
		m := m
		g.Go(func() error {
			m.sess.Cleanup(gctx, "shutdown")
			co.pool.Release(m.browser)
			return nil
		})
	}
	err := g.Wait()

	if cerr := co.pool.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	co.logger.Info("Coordinator closed")
	return err
}
