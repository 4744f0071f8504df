// File: internal/state/state.go
// Description: Per-session mutable state records. Mutations run under an
// exclusive per-session lock; sessions never block each other.

package state

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
)

// toolHistoryCap bounds the per-session tool execution ring.
const toolHistoryCap = 100

// NavigationState tracks what the session knows about browser navigation.
type NavigationState struct {
	CurrentURL      string
	PageTitle       string
	NavigationCount int64
	LastNavigation  time.Time
}

// ToolRecord is one completed tool execution.
type ToolRecord struct {
	ToolName    string
	ExecutionID string
	Success     bool
	DurationMs  int64
	Error       string
	CompletedAt time.Time
}

// SessionState is the full mutable record for one session.
type SessionState struct {
	Navigation  NavigationState
	Perception  *schemas.PageAnalysis
	ToolHistory []ToolRecord
	Usage       schemas.ResourceUsage
}

// AppendToolRecord pushes a record onto the bounded history ring, dropping
// the oldest entry when full.
func (s *SessionState) AppendToolRecord(rec ToolRecord) {
	s.ToolHistory = append(s.ToolHistory, rec)
	if len(s.ToolHistory) > toolHistoryCap {
		copy(s.ToolHistory, s.ToolHistory[1:])
		s.ToolHistory = s.ToolHistory[:toolHistoryCap]
	}
}

type sessionEntry struct {
	mu    sync.Mutex
	state SessionState
}

// Manager holds the state records for all live sessions.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewManager creates an empty state manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.Named("state"),
		sessions: make(map[string]*sessionEntry),
	}
}

// entry returns the record for sessionID, creating it on first use.
func (m *Manager) entry(sessionID string) *sessionEntry {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.sessions[sessionID]; ok {
		return e
	}
	e = &sessionEntry{}
	m.sessions[sessionID] = e
	return e
}

// Read runs fn against a copy-safe view of the session state under the
// session's lock. fn must not retain references past its return.
func (m *Manager) Read(sessionID string, fn func(*SessionState)) {
	e := m.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// Update runs the mutation closure under the session's exclusive lock.
// Mutations for different sessions are independent.
func (m *Manager) Update(sessionID string, fn func(*SessionState)) {
	e := m.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// Drop discards a session's state record.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Sessions returns the ids currently holding state.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// TotalUsage sums resource counters across all sessions.
func (m *Manager) TotalUsage() schemas.ResourceUsage {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var total schemas.ResourceUsage
	for _, e := range entries {
		e.mu.Lock()
		u := e.state.Usage
		e.mu.Unlock()
		total.PerceptionOps += u.PerceptionOps
		total.ToolExecutions += u.ToolExecutions
		total.CacheHits += u.CacheHits
		total.CacheMisses += u.CacheMisses
		total.TotalOps += u.TotalOps
	}
	return total
}
