// File: internal/tools/interaction.go
// Description: Element interaction tools: click, type, select.

package tools

import (
	"context"
	"errors"
	"time"

	"github.com/prismbot/prism/api/schemas"
)

func requireSelector(sel string) error {
	if sel == "" {
		return errors.New("selector must not be empty")
	}
	return nil
}

// waitBeforeInteract gives late-rendering elements a short chance to appear
// before the interaction is attempted.
func waitBeforeInteract(ctx context.Context, b schemas.Browser, selector string) error {
	return b.WaitForSelector(ctx, selector, 5*time.Second)
}

// ClickInput drives the click tool.
type ClickInput struct {
	Selector       string `json:"selector"`
	WaitForElement *bool  `json:"wait_for_element,omitempty"`
}

// ClickOutput reports a completed click.
type ClickOutput struct {
	Selector string `json:"selector"`
	Clicked  bool   `json:"clicked"`
}

// NewClickTool clicks the first element matching a selector. Unless disabled
// it waits for the element to become visible first.
func NewClickTool(b schemas.Browser) Tool {
	return &typed[ClickInput, ClickOutput]{
		name: "click",
		desc: "Click the first element matching a CSS selector.",
		inSchema: schemaObject(map[string]any{
			"selector":         map[string]any{"type": "string"},
			"wait_for_element": map[string]any{"type": "boolean"},
		}, "selector"),
		outSchema: schemaObject(map[string]any{
			"selector": map[string]any{"type": "string"},
			"clicked":  map[string]any{"type": "boolean"},
		}),
		validate: func(in ClickInput) error { return requireSelector(in.Selector) },
		run: func(ctx context.Context, in ClickInput) (ClickOutput, error) {
			if in.WaitForElement == nil || *in.WaitForElement {
				if err := waitBeforeInteract(ctx, b, in.Selector); err != nil {
					return ClickOutput{}, err
				}
			}
			if err := b.Click(ctx, in.Selector); err != nil {
				return ClickOutput{}, err
			}
			return ClickOutput{Selector: in.Selector, Clicked: true}, nil
		},
	}
}

// TypeInput drives the type tool.
type TypeInput struct {
	Selector       string `json:"selector"`
	Text           string `json:"text"`
	ClearFirst     bool   `json:"clear_first"`
	WaitForElement *bool  `json:"wait_for_element,omitempty"`
}

// TypeOutput reports typed text.
type TypeOutput struct {
	Selector string `json:"selector"`
	Typed    int    `json:"typed_chars"`
}

// NewTypeTool sends keystrokes into an input element.
func NewTypeTool(b schemas.Browser) Tool {
	return &typed[TypeInput, TypeOutput]{
		name: "type",
		desc: "Type text into the element matching a CSS selector.",
		inSchema: schemaObject(map[string]any{
			"selector":         map[string]any{"type": "string"},
			"text":             map[string]any{"type": "string"},
			"clear_first":      map[string]any{"type": "boolean"},
			"wait_for_element": map[string]any{"type": "boolean"},
		}, "selector", "text"),
		outSchema: schemaObject(map[string]any{
			"selector":    map[string]any{"type": "string"},
			"typed_chars": map[string]any{"type": "integer"},
		}),
		validate: func(in TypeInput) error { return requireSelector(in.Selector) },
		run: func(ctx context.Context, in TypeInput) (TypeOutput, error) {
			if in.WaitForElement == nil || *in.WaitForElement {
				if err := waitBeforeInteract(ctx, b, in.Selector); err != nil {
					return TypeOutput{}, err
				}
			}
			if in.ClearFirst {
				if err := b.ExecuteScript(ctx,
					`document.querySelector(`+jsString(in.Selector)+`).value = ""`, nil); err != nil {
					return TypeOutput{}, err
				}
			}
			if err := b.Type(ctx, in.Selector, in.Text); err != nil {
				return TypeOutput{}, err
			}
			return TypeOutput{Selector: in.Selector, Typed: len(in.Text)}, nil
		},
	}
}

// SelectInput drives the select tool.
type SelectInput struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// SelectOutput reports the chosen option.
type SelectOutput struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// NewSelectTool picks an option in a select element by value.
func NewSelectTool(b schemas.Browser) Tool {
	return &typed[SelectInput, SelectOutput]{
		name: "select",
		desc: "Choose an option in a select element by value.",
		inSchema: schemaObject(map[string]any{
			"selector": map[string]any{"type": "string"},
			"value":    map[string]any{"type": "string"},
		}, "selector", "value"),
		outSchema: schemaObject(map[string]any{
			"selector": map[string]any{"type": "string"},
			"value":    map[string]any{"type": "string"},
		}),
		validate: func(in SelectInput) error { return requireSelector(in.Selector) },
		run: func(ctx context.Context, in SelectInput) (SelectOutput, error) {
			if err := waitBeforeInteract(ctx, b, in.Selector); err != nil {
				return SelectOutput{}, err
			}
			if err := b.SelectOption(ctx, in.Selector, in.Value); err != nil {
				return SelectOutput{}, err
			}
			return SelectOutput{Selector: in.Selector, Value: in.Value}, nil
		},
	}
}

// jsString quotes a value for embedding in an injected script.
func jsString(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}
