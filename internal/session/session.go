// File: internal/session/session.go
// Description: Session context, the coordination heart. One session owns one
// browser plus lazily built perception and tool subsystems, and runs the
// navigation sequence that keeps all of them observing the same page.

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/cache"
	"github.com/prismbot/prism/internal/events"
	"github.com/prismbot/prism/internal/executor"
	"github.com/prismbot/prism/internal/perception"
	"github.com/prismbot/prism/internal/recovery"
	"github.com/prismbot/prism/internal/state"
	"github.com/prismbot/prism/internal/tools"
)

// PerceptionFactory builds the perception subsystem for a session. The
// default uses the DOM engine; tests substitute fakes.
type PerceptionFactory func(sessionID string, b schemas.Browser) schemas.Perception

// Deps are the process-wide singletons a session coordinates against.
type Deps struct {
	Bus    *events.Bus
	Cache  *cache.Cache
	State  *state.Manager
	Logger *zap.Logger

	// NewPerception overrides the default perception factory when non-nil.
	NewPerception PerceptionFactory
	// ExecutorOpts tune the session's plan executor.
	ExecutorOpts []executor.Option
}

// Session coordinates one browser, its subsystems and its slice of shared
// state. All subsystems observe the same Browser instance.
type Session struct {
	ID      string
	browser tools.Navigator
	deps    Deps
	logger  *zap.Logger

	// mu serializes session-level operations: the navigation sequence and
	// coordinated actions. Tool dispatch inside a plan does not hold it
	// except while the navigate hook runs.
	mu sync.Mutex

	// Subsystem slots, each lazily built under its own lock so concurrent
	// first access constructs exactly once.
	perceptionMu sync.Mutex
	perception   schemas.Perception

	toolsMu  sync.Mutex
	registry *tools.Registry
	exec     *executor.Executor

	activityMu   sync.Mutex
	createdAt    time.Time
	lastActivity time.Time

	closeOnce sync.Once
	closed    bool
}

// New builds a session around an exclusively owned browser.
func New(id string, browser tools.Navigator, deps Deps) *Session {
	now := time.Now()
	s := &Session{
		ID:           id,
		browser:      browser,
		deps:         deps,
		logger:       deps.Logger.Named("session").With(zap.String("session_id", id)),
		createdAt:    now,
		lastActivity: now,
	}

	if deps.Bus != nil {
		deps.Bus.Publish(events.ForSession(events.SessionCreated, id))
		deps.Bus.Publish(events.ForSession(events.SessionContextCreated, id))
	}
	return s
}

// Browser exposes the session's driver to the owner for health probing.
func (s *Session) Browser() schemas.Browser { return s.browser }

// CreatedAt reports when the session was built.
func (s *Session) CreatedAt() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.createdAt
}

// LastActivity reports the most recent Touch.
func (s *Session) LastActivity() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

// Touch stamps activity, deferring idle reaping.
func (s *Session) Touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// Perception returns the session's perception subsystem, building it on
// first use. Concurrent first callers construct exactly once.
func (s *Session) Perception() schemas.Perception {
	s.perceptionMu.Lock()
	defer s.perceptionMu.Unlock()
	if s.perception == nil {
		if s.deps.NewPerception != nil {
			s.perception = s.deps.NewPerception(s.ID, s.browser)
		} else {
			s.perception = perception.New(s.ID, s.browser, s.deps.Cache, s.deps.Bus, s.deps.Logger)
		}
		s.publishModuleInit("perception")
	}
	return s.perception
}

// Tools returns the session's tool registry, building and populating it on
// first use. The registry's navigate tool routes through the session's
// navigation sequence.
func (s *Session) Tools() (*tools.Registry, error) {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	if s.registry == nil {
		reg := tools.NewRegistry(s.ID, s.deps.Bus, s.deps.Logger)
		err := tools.RegisterBuiltins(reg, s.ID, s.browser, s.deps.Cache,
			func(ctx context.Context, url string) error { return s.Navigate(ctx, url) })
		if err != nil {
			return nil, err
		}
		s.registry = reg
		s.exec = executor.New(reg, s.deps.Logger, s.deps.ExecutorOpts...)
		s.publishModuleInit("tools")
	}
	return s.registry, nil
}

// Navigate drives the browser to a URL and runs the coordination sequence:
// state update, perception invalidation, session cache sweep, completion
// event. No other session operation interleaves with the sequence.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Touch()

	ev := events.ForSession(events.NavigationStarted, s.ID)
	ev.URL = url
	s.publish(ev)

	start := time.Now()
	if err := s.browser.Navigate(ctx, url); err != nil {
		bev := events.ForSession(events.BrowserError, s.ID)
		bev.URL = url
		bev.ErrMessage = err.Error()
		s.publish(bev)
		return err
	}
	loadMs := time.Since(start).Milliseconds()

	if s.deps.State != nil {
		s.deps.State.Update(s.ID, func(st *state.SessionState) {
			st.Navigation.CurrentURL = url
			st.Navigation.NavigationCount++
			st.Navigation.LastNavigation = time.Now()
		})
	}

	s.perceptionMu.Lock()
	p := s.perception
	s.perceptionMu.Unlock()
	if p != nil {
		p.InvalidateOnNavigation()
	}

	if s.deps.Cache != nil {
		if _, err := s.deps.Cache.InvalidateByPattern(cache.SessionPrefix(s.ID)); err != nil {
			s.logger.Warn("Session cache sweep failed", zap.Error(err))
		}
	}

	done := events.ForSession(events.NavigationCompleted, s.ID)
	done.URL = url
	done.LoadTimeMs = loadMs
	s.publish(done)
	return nil
}

// PerformAction runs the perceive-match-act sequence for a described target.
// Nothing is dispatched when no element matches the description. The session
// lock covers the whole sequence: a selector matched against one page is never
// dispatched against another.
func (s *Session) PerformAction(ctx context.Context, actionType schemas.ActionType, targetDescription, value string) (tools.RawMessage, error) {
	s.Touch()

	p := s.Perception()
	reg, err := s.Tools()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := p.FindElements(ctx, targetDescription)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%q: %w", targetDescription, recovery.ErrElementNotFound)
	}
	best := matches[0]

	step := schemas.ActionStep{ActionType: actionType, Target: best.Selector, Value: value}
	name, input, err := translateAction(step)
	if err != nil {
		return nil, err
	}
	return reg.Execute(ctx, name, input)
}

// translateAction maps a coordinated action onto a tool call. Only the
// interaction and observation verbs make sense against a matched element.
func translateAction(step schemas.ActionStep) (string, tools.RawMessage, error) {
	switch step.ActionType {
	case schemas.ActionClick, schemas.ActionTypeText, schemas.ActionSelect,
		schemas.ActionExtract, schemas.ActionGetElementInfo, schemas.ActionWaitForElement:
	default:
		return "", nil, fmt.Errorf("action %q cannot target a described element", step.ActionType)
	}
	return executor.TranslateStep(step)
}

// ExecutePlan runs a full plan through the session's executor and records the
// outcome in shared state.
func (s *Session) ExecutePlan(ctx context.Context, plan schemas.ActionPlan) (schemas.ExecutionResult, error) {
	s.Touch()
	if _, err := s.Tools(); err != nil {
		return schemas.ExecutionResult{}, err
	}

	s.toolsMu.Lock()
	exec := s.exec
	s.toolsMu.Unlock()

	result := exec.Execute(ctx, plan)

	if s.deps.State != nil {
		s.deps.State.Update(s.ID, func(st *state.SessionState) {
			st.Usage.ToolExecutions += int64(len(result.ActionResults))
			st.Usage.TotalOps++
		})
	}
	s.Touch()
	return result, nil
}

// ResourceUsage reports the session's operation counters.
func (s *Session) ResourceUsage() schemas.ResourceUsage {
	if s.deps.State == nil {
		return schemas.ResourceUsage{}
	}
	var usage schemas.ResourceUsage
	s.deps.State.Read(s.ID, func(st *state.SessionState) {
		usage = st.Usage
	})
	return usage
}

// HealthCheck probes the browser and the built subsystems.
func (s *Session) HealthCheck(ctx context.Context) schemas.ModuleHealth {
	checks := []schemas.HealthCheck{}

	_, err := s.browser.CurrentURL(ctx)
	checks = append(checks, schemas.HealthCheck{
		Name:   "browser_responsive",
		Passed: err == nil,
		Message: func() string {
			if err != nil {
				return err.Error()
			}
			return ""
		}(),
	})

	s.perceptionMu.Lock()
	p := s.perception
	s.perceptionMu.Unlock()
	score := 1.0
	if p != nil {
		ph := p.Health()
		checks = append(checks, ph.Checks...)
		score = ph.Score
	}
	if err != nil {
		score = 0
	}

	status := schemas.StatusHealthy
	switch {
	case score < 0.5:
		status = schemas.StatusCritical
	case score < 0.9:
		status = schemas.StatusDegraded
	}
	return schemas.ModuleHealth{
		Name:      "session:" + s.ID,
		Status:    status,
		Score:     score,
		Checks:    checks,
		LastCheck: time.Now(),
	}
}

// Info summarizes the session for listings.
func (s *Session) Info() schemas.SessionInfo {
	info := schemas.SessionInfo{
		SessionID:    s.ID,
		CreatedAt:    s.CreatedAt(),
		LastActivity: s.LastActivity(),
	}
	if s.deps.State != nil {
		s.deps.State.Read(s.ID, func(st *state.SessionState) {
			info.CurrentURL = st.Navigation.CurrentURL
			info.NavigationCount = st.Navigation.NavigationCount
		})
	}
	return info
}

// Cleanup tears the session down: subsystem handles dropped, session cache
// swept, shared state removed, closure event published. The browser itself is
// returned to its pool by the owner. Idempotent.
func (s *Session) Cleanup(ctx context.Context, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true

		s.perceptionMu.Lock()
		s.perception = nil
		s.perceptionMu.Unlock()

		s.toolsMu.Lock()
		s.registry = nil
		s.exec = nil
		s.toolsMu.Unlock()

		if s.deps.Cache != nil {
			if _, err := s.deps.Cache.InvalidateByPattern(cache.SessionPrefix(s.ID)); err != nil {
				s.logger.Warn("Session cache sweep failed", zap.Error(err))
			}
		}
		if s.deps.State != nil {
			s.deps.State.Drop(s.ID)
		}

		ev := events.ForSession(events.SessionClosed, s.ID)
		ev.Reason = reason
		s.publish(ev)
		s.logger.Info("Session closed", zap.String("reason", reason))
	})
}

func (s *Session) publish(ev events.Event) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(ev)
	}
}

func (s *Session) publishModuleInit(module string) {
	ev := events.ForSession(events.ModuleInitialized, s.ID)
	ev.Module = module
	s.publish(ev)
}
