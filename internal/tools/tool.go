// File: internal/tools/tool.go
// Description: Tool capability surface and registry. Tools are implemented
// against typed input/output structs; a generic adapter exposes the dynamic
// JSON dispatch surface the plan executor drives.

package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/prismbot/prism/internal/events"
	"github.com/prismbot/prism/internal/recovery"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// executionHistoryCap bounds the registry's retained execution records.
const executionHistoryCap = 100

// RawMessage is the dynamic dispatch payload type.
type RawMessage = jsoniter.RawMessage

// Tool is the dynamic dispatch surface: JSON in, JSON out, with validation
// separated so callers can pre-flight inputs without executing.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	OutputSchema() map[string]any
	ValidateInput(raw RawMessage) error
	Execute(ctx context.Context, raw RawMessage) (RawMessage, error)
}

// typed adapts a typed tool implementation to the dynamic Tool surface.
type typed[In any, Out any] struct {
	name      string
	desc      string
	inSchema  map[string]any
	outSchema map[string]any
	validate  func(In) error
	run       func(context.Context, In) (Out, error)
}

func (t *typed[In, Out]) Name() string                 { return t.name }
func (t *typed[In, Out]) Description() string          { return t.desc }
func (t *typed[In, Out]) InputSchema() map[string]any  { return t.inSchema }
func (t *typed[In, Out]) OutputSchema() map[string]any { return t.outSchema }

func (t *typed[In, Out]) decode(raw RawMessage) (In, error) {
	var in In
	if len(raw) == 0 {
		raw = RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, &recovery.ToolError{
			ToolName: t.name,
			Message:  fmt.Sprintf("malformed input: %v", err),
		}
	}
	return in, nil
}

func (t *typed[In, Out]) ValidateInput(raw RawMessage) error {
	in, err := t.decode(raw)
	if err != nil {
		return err
	}
	if t.validate == nil {
		return nil
	}
	if err := t.validate(in); err != nil {
		return &recovery.ToolError{ToolName: t.name, Message: err.Error()}
	}
	return nil
}

func (t *typed[In, Out]) Execute(ctx context.Context, raw RawMessage) (RawMessage, error) {
	in, err := t.decode(raw)
	if err != nil {
		return nil, err
	}
	if t.validate != nil {
		if err := t.validate(in); err != nil {
			return nil, &recovery.ToolError{ToolName: t.name, Message: err.Error()}
		}
	}
	out, err := t.run(ctx, in)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, &recovery.ToolError{ToolName: t.name, Message: fmt.Sprintf("encode output: %v", err)}
	}
	return encoded, nil
}

// ExecutionRecord is one completed tool invocation.
type ExecutionRecord struct {
	ExecutionID string        `json:"execution_id"`
	ToolName    string        `json:"tool_name"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}

// Registry maps tool names to tools and keeps a bounded execution history.
// Registration happens at startup; dispatch is read-mostly.
type Registry struct {
	sessionID string
	bus       *events.Bus
	logger    *zap.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	history []ExecutionRecord
}

// NewRegistry builds an empty registry bound to a session.
func NewRegistry(sessionID string, bus *events.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		sessionID: sessionID,
		bus:       bus,
		logger:    logger.Named("tools").With(zap.String("session_id", sessionID)),
		tools:     make(map[string]Tool),
	}
}

// Register adds a tool. Registering a duplicate name is a programming error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Execute dispatches a tool by name with a JSON input, recording the
// invocation and emitting lifecycle events.
func (r *Registry) Execute(ctx context.Context, name string, raw RawMessage) (RawMessage, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, &recovery.ToolError{ToolName: name, Message: "unknown tool"}
	}

	executionID := uuid.NewString()
	started := events.ForSession(events.ToolExecutionStarted, r.sessionID)
	started.ToolName = name
	started.ExecutionID = executionID
	r.publish(started)

	start := time.Now()
	out, err := tool.Execute(ctx, raw)
	elapsed := time.Since(start)

	record := ExecutionRecord{
		ExecutionID: executionID,
		ToolName:    name,
		Success:     err == nil,
		Duration:    elapsed,
		At:          start,
	}
	if err != nil {
		record.Error = err.Error()
	}
	r.record(record)

	ev := events.ForSession(events.ToolExecutionCompleted, r.sessionID)
	if err != nil {
		ev = events.ForSession(events.ToolExecutionFailed, r.sessionID)
		ev.ErrMessage = err.Error()
		r.logger.Debug("Tool failed",
			zap.String("tool", name),
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
	ev.ToolName = name
	ev.ExecutionID = executionID
	ev.DurationMs = elapsed.Milliseconds()
	r.publish(ev)

	return out, err
}

// History returns the retained execution records, oldest first.
func (r *Registry) History() []ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutionRecord, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Registry) record(rec ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, rec)
	if len(r.history) > executionHistoryCap {
		r.history = r.history[len(r.history)-executionHistoryCap:]
	}
}

func (r *Registry) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
