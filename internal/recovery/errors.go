// File: internal/recovery/errors.go
// Description: Typed error taxonomy for the coordination core. The
// recoverable/retryable/fallback flags are the sole policy inputs the
// recovery combinators consult.

package recovery

import (
	"errors"
	"fmt"
)

// BrowserError is a failure reported by the browser driver.
type BrowserError struct {
	Message     string
	Recoverable bool
}

func (e *BrowserError) Error() string {
	return fmt.Sprintf("browser error: %s", e.Message)
}

// PerceptionError is a page analysis failure.
type PerceptionError struct {
	Message           string
	FallbackAvailable bool
}

func (e *PerceptionError) Error() string {
	return fmt.Sprintf("perception error: %s", e.Message)
}

// ToolError is a failure inside one tool execution.
type ToolError struct {
	ToolName  string
	Message   string
	Retryable bool
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s error: %s", e.ToolName, e.Message)
}

// ResourceError signals exhaustion of a bounded resource (browser pool,
// session cap, memory budget).
type ResourceError struct {
	Resource string
	Message  string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource %s error: %s", e.Resource, e.Message)
}

// SessionError is a session-scoped coordination failure. Err optionally
// carries a sentinel cause for errors.Is matching.
type SessionError struct {
	SessionID string
	Message   string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s error: %s", e.SessionID, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }

// TimeoutError reports an operation exceeding its budget.
type TimeoutError struct {
	Operation string
	BudgetMs  int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %dms", e.Operation, e.BudgetMs)
}

// CoordinationError is a cross-module failure.
type CoordinationError struct {
	Message         string
	AffectedModules []string
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination error: %s", e.Message)
}

// ErrCircuitOpen is returned by a breaker that is failing fast.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrElementNotFound is returned by a coordinated action when perception
// finds no element matching the target description. The core never guesses.
var ErrElementNotFound = errors.New("element not found")

// ErrCreateInFlight reports a create racing an in-progress create for the
// same session id. The caller retries once the first create settles.
var ErrCreateInFlight = errors.New("session creation already in flight")

// Retryable reports whether the recovery policy permits retrying err:
// retryable tool errors, recoverable browser errors, and timeouts.
func Retryable(err error) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Retryable
	}
	var be *BrowserError
	if errors.As(err, &be) {
		return be.Recoverable
	}
	var to *TimeoutError
	return errors.As(err, &to)
}

// Action is the recovery decision handed back to callers.
type Action string

const (
	RetryWithNewBrowser Action = "retry_with_new_browser"
	UseFallback         Action = "use_fallback"
	RetryOperation      Action = "retry_operation"
	GracefulDegradation Action = "graceful_degradation"
	ExtendTimeout       Action = "extend_timeout"
	RecreateSession     Action = "recreate_session"
	Abort               Action = "abort"
)

// Classify maps an error to the recovery action per the decision table.
func Classify(err error) Action {
	var be *BrowserError
	if errors.As(err, &be) && be.Recoverable {
		return RetryWithNewBrowser
	}
	var pe *PerceptionError
	if errors.As(err, &pe) && pe.FallbackAvailable {
		return UseFallback
	}
	var te *ToolError
	if errors.As(err, &te) && te.Retryable {
		return RetryOperation
	}
	var re *ResourceError
	if errors.As(err, &re) {
		return GracefulDegradation
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return ExtendTimeout
	}
	var se *SessionError
	if errors.As(err, &se) && se.SessionID != "" {
		return RecreateSession
	}
	return Abort
}
