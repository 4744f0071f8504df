// File: internal/events/event.go
package events

import (
	"time"
)

// Type discriminates the event variants flowing over the bus.
type Type string

const (
	// Browser events.
	NavigationStarted   Type = "navigation_started"
	NavigationCompleted Type = "navigation_completed"
	PageContentChanged  Type = "page_content_changed"
	BrowserError        Type = "browser_error"

	// Perception events.
	AnalysisStarted   Type = "analysis_started"
	AnalysisCompleted Type = "analysis_completed"
	ElementFound      Type = "element_found"
	PageClassified    Type = "page_classified"

	// Intelligence events.
	PlanningCompleted Type = "planning_completed"
	LearningCompleted Type = "learning_completed"

	// Tool events.
	ToolExecutionStarted   Type = "tool_execution_started"
	ToolExecutionCompleted Type = "tool_execution_completed"
	ToolExecutionFailed    Type = "tool_execution_failed"

	// Session events.
	SessionCreated        Type = "session_created"
	SessionClosed         Type = "session_closed"
	SessionTimeout        Type = "session_timeout"
	SessionContextCreated Type = "session_context_created"

	// Cache events.
	CacheInvalidated Type = "cache_invalidated"
	CacheHit         Type = "cache_hit"
	CacheMiss        Type = "cache_miss"

	// System events.
	ResourceWarning   Type = "resource_warning"
	ModuleInitialized Type = "module_initialized"
	ModuleShutdown    Type = "module_shutdown"
	ModuleError       Type = "module_error"
)

// Event is the immutable record published on the bus. Type is always set;
// the payload fields are populated per variant and zero otherwise.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Browser / navigation payloads.
	URL        string `json:"url,omitempty"`
	LoadTimeMs int64  `json:"load_time_ms,omitempty"`

	// Perception payloads.
	Selector     string  `json:"selector,omitempty"`
	PageType     string  `json:"page_type,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	ElementCount int     `json:"element_count,omitempty"`

	// Tool payloads. ExecutionID is unique per tool execution.
	ToolName    string `json:"tool_name,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`

	// Cache payloads.
	CacheKey     string   `json:"cache_key,omitempty"`
	KeysAffected []string `json:"keys_affected,omitempty"`

	// Session / system payloads.
	Module     string  `json:"module,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Resource   string  `json:"resource,omitempty"`
	UsagePct   float64 `json:"usage_pct,omitempty"`
	IdleMs     int64   `json:"idle_ms,omitempty"`
	PatternN   int     `json:"patterns_updated,omitempty"`
	ErrMessage string  `json:"error,omitempty"`
}

// Timestamped wraps an Event with the process-wide publish sequence number.
// Sequence is strictly increasing and unique across all event types.
type Timestamped struct {
	Event    Event     `json:"event"`
	WallTime time.Time `json:"wall_time"`
	Sequence uint64    `json:"sequence_id"`
}

// New returns an Event of the given type stamped with the current time.
func New(t Type) Event {
	return Event{Type: t, Timestamp: time.Now().UTC()}
}

// ForSession returns a session-scoped Event.
func ForSession(t Type, sessionID string) Event {
	e := New(t)
	e.SessionID = sessionID
	return e
}
