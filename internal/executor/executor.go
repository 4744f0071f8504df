// File: internal/executor/executor.go
// Description: Plan executor. Runs ActionPlan steps strictly in order through
// the session's tool registry, folding step outputs into the final result and
// applying the fatal/non-fatal failure rule.

package executor

import (
	"context"
	"errors"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultStepTimeout bounds a single tool dispatch when the step does
	// not carry its own timeout.
	DefaultStepTimeout = 5000 * time.Millisecond
	// interStepDelay paces consecutive steps so the driver is not slammed.
	interStepDelay = 100 * time.Millisecond
	// defaultWaitMs is used when a wait step names no duration.
	defaultWaitMs = 1000
	// defaultScrollAmount is used when a scroll step names no amount.
	defaultScrollAmount = 500
)

// fatalActions abort the whole plan when they fail: nothing after a missed
// navigation or absent anchor element can be trusted to run on the right page.
var fatalActions = map[schemas.ActionType]bool{
	schemas.ActionNavigate:       true,
	schemas.ActionWaitForElement: true,
}

// Executor runs plans for one session.
type Executor struct {
	registry *tools.Registry
	logger   *zap.Logger

	stepTimeout time.Duration
	stepDelay   time.Duration
}

// Option tunes an Executor.
type Option func(*Executor)

// WithStepDelay overrides the inter-step pacing delay. Useful in tests.
func WithStepDelay(d time.Duration) Option {
	return func(e *Executor) { e.stepDelay = d }
}

// WithStepTimeout overrides the default per-step timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) { e.stepTimeout = d }
}

// New builds an executor over a session's tool registry.
func New(registry *tools.Registry, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		registry:    registry,
		logger:      logger.Named("executor"),
		stepTimeout: DefaultStepTimeout,
		stepDelay:   interStepDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan's steps in index order and returns the aggregate
// result. Cancellation of ctx stops the run after the in-flight step returns;
// results accumulated so far are preserved.
func (e *Executor) Execute(ctx context.Context, plan schemas.ActionPlan) schemas.ExecutionResult {
	start := time.Now()
	result := schemas.ExecutionResult{}

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			result.Error = "cancelled"
			break
		}

		stepResult := e.runStep(ctx, step)
		result.ActionResults = append(result.ActionResults, stepResult)

		if stepResult.Success {
			result.StepsCompleted++
			foldResult(&result.FinalResult, step, stepResult)
		} else {
			result.StepsFailed++
			if errors.Is(ctx.Err(), context.Canceled) {
				result.Error = "cancelled"
				break
			}
			if fatalActions[step.ActionType] {
				result.Error = stepResult.Error
				e.logger.Warn("Fatal step failed, aborting plan",
					zap.String("action", string(step.ActionType)),
					zap.Int("step", i),
					zap.String("error", stepResult.Error))
				break
			}
			e.logger.Debug("Non-fatal step failed, continuing",
				zap.String("action", string(step.ActionType)),
				zap.Int("step", i))
		}

		if i < len(plan.Steps)-1 {
			if !sleepCtx(ctx, e.stepDelay) {
				result.Error = "cancelled"
				break
			}
		}
	}

	result.TotalMs = time.Since(start).Milliseconds()
	result.Success = result.StepsFailed == 0 || result.StepsCompleted > result.StepsFailed
	return result
}

// runStep dispatches one step through the registry under its timeout.
func (e *Executor) runStep(ctx context.Context, step schemas.ActionStep) schemas.ActionResult {
	timeout := e.stepTimeout
	if step.Options.TimeoutMs > 0 {
		timeout = time.Duration(step.Options.TimeoutMs) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	out := schemas.ActionResult{
		ActionType: step.ActionType,
		Target:     step.Target,
	}

	toolName, input, err := TranslateStep(step)
	if err != nil {
		out.ExecutionMs = time.Since(started).Milliseconds()
		out.Error = err.Error()
		return out
	}

	raw, err := e.registry.Execute(stepCtx, toolName, input)
	out.ExecutionMs = time.Since(started).Milliseconds()
	if err != nil {
		out.Error = err.Error()
		return out
	}

	out.Success = true
	if len(raw) > 0 {
		var data map[string]any
		if jerr := json.Unmarshal(raw, &data); jerr == nil {
			out.ResultData = data
		}
	}
	return out
}

// TranslateStep maps a plan step onto a registered tool invocation. The
// session layer reuses it for coordinated single actions.
func TranslateStep(step schemas.ActionStep) (string, tools.RawMessage, error) {
	var (
		name  string
		input any
	)
	switch step.ActionType {
	case schemas.ActionNavigate:
		name = "navigate_to_url"
		input = tools.NavigateInput{URL: step.Target}
	case schemas.ActionClick:
		name = "click"
		input = tools.ClickInput{Selector: step.Target, WaitForElement: step.Options.WaitForElement}
	case schemas.ActionTypeText:
		name = "type"
		input = tools.TypeInput{Selector: step.Target, Text: step.Value, WaitForElement: step.Options.WaitForElement}
	case schemas.ActionSelect:
		name = "select"
		input = tools.SelectInput{Selector: step.Target, Value: step.Value}
	case schemas.ActionWait:
		name = "wait"
		ms := defaultWaitMs
		if step.Options.TimeoutMs > 0 {
			ms = step.Options.TimeoutMs
		} else if step.Value != "" {
			parsed, err := strconv.Atoi(step.Value)
			if err != nil {
				return "", nil, errors.New("wait step value must be a millisecond count")
			}
			ms = parsed
		}
		input = tools.WaitInput{DurationMs: ms}
	case schemas.ActionWaitForElement:
		name = "wait_for_element"
		input = tools.WaitForElementInput{Selector: step.Target, TimeoutMs: step.Options.TimeoutMs}
	case schemas.ActionWaitForLoad:
		name = "wait_for_load"
		input = tools.WaitForLoadInput{TimeoutMs: step.Options.TimeoutMs}
	case schemas.ActionExtract:
		name = "extract_text"
		input = tools.ExtractTextInput{Selector: step.Target}
	case schemas.ActionScreenshot:
		name = "screenshot"
		input = tools.ScreenshotInput{FullPage: step.Options.FullPage}
	case schemas.ActionScroll:
		name = "scroll_page"
		amount := step.Options.ScrollAmount
		if amount == 0 {
			amount = defaultScrollAmount
		}
		input = tools.ScrollInput{Amount: amount}
	case schemas.ActionGetElementInfo:
		name = "get_element_info"
		input = tools.ElementInfoInput{Selector: step.Target}
	default:
		return "", nil, errors.New("unknown action type " + string(step.ActionType))
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", nil, err
	}
	return name, raw, nil
}

// foldResult merges a successful step's output into the running final result.
func foldResult(final *schemas.FinalResult, step schemas.ActionStep, res schemas.ActionResult) {
	switch step.ActionType {
	case schemas.ActionNavigate:
		if url, ok := res.ResultData["final_url"].(string); ok && url != "" {
			final.CurrentURL = url
		} else {
			final.CurrentURL = step.Target
		}
	case schemas.ActionExtract:
		text, _ := res.ResultData["text"].(string)
		final.ExtractedData = append(final.ExtractedData, schemas.ExtractedText{
			Selector: step.Target,
			Text:     text,
		})
	case schemas.ActionScreenshot:
		final.ScreenshotTaken = true
	}
}

// sleepCtx pauses for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
