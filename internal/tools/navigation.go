// File: internal/tools/navigation.go
// Description: Navigation and synchronization tools: navigate_to_url, wait,
// wait_for_element, wait_for_load, scroll_page.

package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/prismbot/prism/api/schemas"
)

// maxWaitMs caps explicit waits so a bad plan cannot stall a session.
const maxWaitMs = 30000

func schemaObject(props map[string]any, required ...string) map[string]any {
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

// NavigateInput drives navigate_to_url.
type NavigateInput struct {
	URL         string `json:"url"`
	WaitForLoad bool   `json:"wait_for_load"`
}

// NavigateOutput reports where navigation landed.
type NavigateOutput struct {
	URL      string `json:"url"`
	FinalURL string `json:"final_url"`
	Title    string `json:"title"`
}

// Navigator is the extra surface navigation tools need beyond the basic
// browser contract.
type Navigator interface {
	schemas.Browser
	WaitForLoad(ctx context.Context, timeout time.Duration) error
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must include a host")
	}
	return nil
}

// NewNavigateTool navigates the session's browser and optionally blocks on
// the load event. The session layer hooks onNavigate to run its navigation
// sequence (perception invalidation, state update, events).
func NewNavigateTool(b Navigator, onNavigate func(ctx context.Context, url string) error) Tool {
	return &typed[NavigateInput, NavigateOutput]{
		name: "navigate_to_url",
		desc: "Navigate the browser to an absolute http(s) URL.",
		inSchema: schemaObject(map[string]any{
			"url":           map[string]any{"type": "string"},
			"wait_for_load": map[string]any{"type": "boolean"},
		}, "url"),
		outSchema: schemaObject(map[string]any{
			"url":       map[string]any{"type": "string"},
			"final_url": map[string]any{"type": "string"},
			"title":     map[string]any{"type": "string"},
		}),
		validate: func(in NavigateInput) error { return validateURL(in.URL) },
		run: func(ctx context.Context, in NavigateInput) (NavigateOutput, error) {
			if onNavigate != nil {
				if err := onNavigate(ctx, in.URL); err != nil {
					return NavigateOutput{}, err
				}
			} else if err := b.Navigate(ctx, in.URL); err != nil {
				return NavigateOutput{}, err
			}
			if in.WaitForLoad {
				if err := b.WaitForLoad(ctx, 10*time.Second); err != nil {
					return NavigateOutput{}, err
				}
			}
			finalURL, err := b.CurrentURL(ctx)
			if err != nil {
				return NavigateOutput{}, err
			}
			title, err := b.Title(ctx)
			if err != nil {
				return NavigateOutput{}, err
			}
			return NavigateOutput{URL: in.URL, FinalURL: finalURL, Title: title}, nil
		},
	}
}

// WaitInput drives the fixed-duration wait tool.
type WaitInput struct {
	DurationMs int `json:"duration_ms"`
}

// WaitOutput reports the elapsed pause.
type WaitOutput struct {
	WaitedMs int64 `json:"waited_ms"`
}

// NewWaitTool pauses the plan for a bounded duration.
func NewWaitTool() Tool {
	return &typed[WaitInput, WaitOutput]{
		name: "wait",
		desc: "Pause for a fixed number of milliseconds.",
		inSchema: schemaObject(map[string]any{
			"duration_ms": map[string]any{"type": "integer", "minimum": 1, "maximum": maxWaitMs},
		}, "duration_ms"),
		outSchema: schemaObject(map[string]any{
			"waited_ms": map[string]any{"type": "integer"},
		}),
		validate: func(in WaitInput) error {
			if in.DurationMs <= 0 {
				return errors.New("duration_ms must be positive")
			}
			if in.DurationMs > maxWaitMs {
				return fmt.Errorf("duration_ms must not exceed %d", maxWaitMs)
			}
			return nil
		},
		run: func(ctx context.Context, in WaitInput) (WaitOutput, error) {
			start := time.Now()
			timer := time.NewTimer(time.Duration(in.DurationMs) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return WaitOutput{}, ctx.Err()
			}
			return WaitOutput{WaitedMs: time.Since(start).Milliseconds()}, nil
		},
	}
}

// WaitForElementInput drives wait_for_element.
type WaitForElementInput struct {
	Selector  string `json:"selector"`
	TimeoutMs int    `json:"timeout_ms"`
}

// WaitForElementOutput reports that the element became visible.
type WaitForElementOutput struct {
	Selector string `json:"selector"`
	Found    bool   `json:"found"`
}

// NewWaitForElementTool blocks until a selector is visible or times out.
func NewWaitForElementTool(b schemas.Browser) Tool {
	return &typed[WaitForElementInput, WaitForElementOutput]{
		name: "wait_for_element",
		desc: "Wait until an element matching the selector is visible.",
		inSchema: schemaObject(map[string]any{
			"selector":   map[string]any{"type": "string"},
			"timeout_ms": map[string]any{"type": "integer"},
		}, "selector"),
		outSchema: schemaObject(map[string]any{
			"selector": map[string]any{"type": "string"},
			"found":    map[string]any{"type": "boolean"},
		}),
		validate: func(in WaitForElementInput) error {
			if in.Selector == "" {
				return errors.New("selector must not be empty")
			}
			return nil
		},
		run: func(ctx context.Context, in WaitForElementInput) (WaitForElementOutput, error) {
			timeout := time.Duration(in.TimeoutMs) * time.Millisecond
			if err := b.WaitForSelector(ctx, in.Selector, timeout); err != nil {
				return WaitForElementOutput{}, err
			}
			return WaitForElementOutput{Selector: in.Selector, Found: true}, nil
		},
	}
}

// WaitForLoadInput drives wait_for_load.
type WaitForLoadInput struct {
	TimeoutMs int `json:"timeout_ms"`
}

// WaitForLoadOutput reports load completion.
type WaitForLoadOutput struct {
	Loaded bool `json:"loaded"`
}

// NewWaitForLoadTool blocks until the page's load event fires.
func NewWaitForLoadTool(b Navigator) Tool {
	return &typed[WaitForLoadInput, WaitForLoadOutput]{
		name: "wait_for_load",
		desc: "Wait for the current page's load event.",
		inSchema: schemaObject(map[string]any{
			"timeout_ms": map[string]any{"type": "integer"},
		}),
		outSchema: schemaObject(map[string]any{
			"loaded": map[string]any{"type": "boolean"},
		}),
		run: func(ctx context.Context, in WaitForLoadInput) (WaitForLoadOutput, error) {
			timeout := time.Duration(in.TimeoutMs) * time.Millisecond
			if err := b.WaitForLoad(ctx, timeout); err != nil {
				return WaitForLoadOutput{}, err
			}
			return WaitForLoadOutput{Loaded: true}, nil
		},
	}
}

// ScrollInput drives scroll_page.
type ScrollInput struct {
	Amount int `json:"amount"`
}

// ScrollOutput reports the scroll delta applied.
type ScrollOutput struct {
	ScrolledBy int `json:"scrolled_by"`
}

// NewScrollTool scrolls the page vertically by a positive pixel amount.
func NewScrollTool(b schemas.Browser) Tool {
	return &typed[ScrollInput, ScrollOutput]{
		name: "scroll_page",
		desc: "Scroll the page down by a pixel amount.",
		inSchema: schemaObject(map[string]any{
			"amount": map[string]any{"type": "integer", "minimum": 1},
		}, "amount"),
		outSchema: schemaObject(map[string]any{
			"scrolled_by": map[string]any{"type": "integer"},
		}),
		validate: func(in ScrollInput) error {
			if in.Amount <= 0 {
				return errors.New("scroll amount must be positive")
			}
			return nil
		},
		run: func(ctx context.Context, in ScrollInput) (ScrollOutput, error) {
			script := fmt.Sprintf("window.scrollBy(0, %d)", in.Amount)
			if err := b.ExecuteScript(ctx, script, nil); err != nil {
				return ScrollOutput{}, err
			}
			return ScrollOutput{ScrolledBy: in.Amount}, nil
		},
	}
}
