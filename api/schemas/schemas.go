// File: api/schemas/schemas.go
// Description: Canonical data model for the coordination core. All packages
// depend on these types; none of them depend back on internal packages, which
// keeps the dependency graph acyclic.

package schemas

import (
	"time"
)

// -- Plans and Steps --

// ActionType identifies a concrete browser action a plan step performs.
type ActionType string

const (
	ActionNavigate       ActionType = "navigate"
	ActionClick          ActionType = "click"
	ActionTypeText       ActionType = "type"
	ActionSelect         ActionType = "select"
	ActionWait           ActionType = "wait"
	ActionWaitForElement ActionType = "wait_for_element"
	ActionWaitForLoad    ActionType = "wait_for_load"
	ActionExtract        ActionType = "extract"
	ActionScreenshot     ActionType = "screenshot"
	ActionScroll         ActionType = "scroll"
	ActionGetElementInfo ActionType = "get_element_info"
)

// StepOptions carries per-step execution tuning. Zero values mean "use the
// executor defaults" (5000ms timeout, wait-for-element on interaction steps).
type StepOptions struct {
	TimeoutMs      int   `json:"timeout_ms,omitempty"`
	WaitForElement *bool `json:"wait_for_element,omitempty"`
	ScrollAmount   int   `json:"scroll_amount,omitempty"`
	FullPage       bool  `json:"full_page,omitempty"`
}

// ActionStep is one ordered entry of an ActionPlan.
type ActionStep struct {
	ActionType ActionType  `json:"action_type"`
	Target     string      `json:"target,omitempty"`
	Value      string      `json:"value,omitempty"`
	Options    StepOptions `json:"options,omitempty"`
}

// ActionPlan is an ordered list of browser actions derived from a parsed
// instruction.
type ActionPlan struct {
	Steps                []ActionStep `json:"steps"`
	Confidence           float64      `json:"confidence"`
	EstimatedTimeSeconds float64      `json:"estimated_time_seconds"`
	ToolsRequired        []string     `json:"tools_required"`
}

// -- Execution Results --

// ExtractedText is one extract-step result folded into the final payload.
type ExtractedText struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// FinalResult accumulates step-specific outputs across a plan run.
type FinalResult struct {
	CurrentURL      string          `json:"current_url,omitempty"`
	ExtractedData   []ExtractedText `json:"extracted_data,omitempty"`
	ScreenshotTaken bool            `json:"screenshot_taken,omitempty"`
}

// ActionResult is the per-step outcome record.
type ActionResult struct {
	ActionType  ActionType     `json:"action_type"`
	Target      string         `json:"target,omitempty"`
	Success     bool           `json:"success"`
	ExecutionMs int64          `json:"execution_ms"`
	ResultData  map[string]any `json:"result_data,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ExecutionResult is the plan-level aggregate returned to callers.
type ExecutionResult struct {
	Success        bool           `json:"success"`
	TotalMs        int64          `json:"total_ms"`
	StepsCompleted int            `json:"steps_completed"`
	StepsFailed    int            `json:"steps_failed"`
	ActionResults  []ActionResult `json:"action_results"`
	FinalResult    FinalResult    `json:"final_result"`
	Error          string         `json:"error,omitempty"`
}

// -- Parsing --

// Entity is an opaque name/value pair extracted by the parser. The core never
// interprets entities; they ride along for logging and learning.
type Entity struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// ParseResult is the parser capability's output. Only Plan is consumed
// downstream.
type ParseResult struct {
	Intent   string     `json:"intent"`
	Entities []Entity   `json:"entities,omitempty"`
	Plan     ActionPlan `json:"action_plan"`
}

// -- Perception --

// PageType classifies the kind of page perception observed.
type PageType string

const (
	PageLogin   PageType = "login"
	PageSearch  PageType = "search"
	PageForm    PageType = "form"
	PageArticle PageType = "article"
	PageListing PageType = "listing"
	PageUnknown PageType = "unknown"
)

// Element is a perceived interactive element on the current page.
type Element struct {
	Selector    string            `json:"selector"`
	Tag         string            `json:"tag"`
	ElementType string            `json:"element_type"`
	Text        string            `json:"text,omitempty"`
	Confidence  float64           `json:"confidence"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// PageAnalysis is the perception engine's summary of the current page.
type PageAnalysis struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	PageType   PageType  `json:"page_type"`
	Elements   []Element `json:"elements"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// -- Health --

// HealthStatus grades a module or the whole system.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

// HealthCheck is one named probe result inside a ModuleHealth report.
type HealthCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ModuleHealth reports the health of one coordinated module.
type ModuleHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Score     float64       `json:"score"`
	Checks    []HealthCheck `json:"checks,omitempty"`
	LastCheck time.Time     `json:"last_check"`
}

// CacheStats is the cache's externally visible counters.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Bytes     int64 `json:"bytes"`
}

// ResourceUsage tracks per-session operation counters.
type ResourceUsage struct {
	PerceptionOps  int64 `json:"perception_ops"`
	ToolExecutions int64 `json:"tool_executions"`
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	TotalOps       int64 `json:"total_ops"`
}

// SystemHealth aggregates coordinator-wide statistics.
type SystemHealth struct {
	Status          HealthStatus   `json:"status"`
	ActiveSessions  int            `json:"active_sessions"`
	HealthySessions int            `json:"healthy_sessions"`
	Cache           CacheStats     `json:"cache"`
	TotalEvents     uint64         `json:"total_events"`
	Usage           ResourceUsage  `json:"usage"`
	Modules         []ModuleHealth `json:"modules,omitempty"`
	CheckedAt       time.Time      `json:"checked_at"`
}

// -- Session views --

// SessionInfo is the read-only directory entry the coordinator exposes.
type SessionInfo struct {
	SessionID       string    `json:"session_id"`
	CurrentURL      string    `json:"current_url,omitempty"`
	NavigationCount int64     `json:"navigation_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}
