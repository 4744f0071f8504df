// File: internal/tools/extraction.go
// Description: Observation tools: extract_text, screenshot, get_element_info.

package tools

import (
	"context"
	"encoding/base64"

	"github.com/prismbot/prism/api/schemas"
)

// ExtractTextInput drives extract_text.
type ExtractTextInput struct {
	Selector string `json:"selector"`
}

// ExtractTextOutput carries the text found under a selector.
type ExtractTextOutput struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Found    bool   `json:"found"`
}

// NewExtractTextTool reads the visible text of the first matching element.
func NewExtractTextTool(b schemas.Browser) Tool {
	return &typed[ExtractTextInput, ExtractTextOutput]{
		name: "extract_text",
		desc: "Extract the visible text of the first element matching a CSS selector.",
		inSchema: schemaObject(map[string]any{
			"selector": map[string]any{"type": "string"},
		}, "selector"),
		outSchema: schemaObject(map[string]any{
			"selector": map[string]any{"type": "string"},
			"text":     map[string]any{"type": "string"},
			"found":    map[string]any{"type": "boolean"},
		}),
		validate: func(in ExtractTextInput) error { return requireSelector(in.Selector) },
		run: func(ctx context.Context, in ExtractTextInput) (ExtractTextOutput, error) {
			text, err := b.GetText(ctx, in.Selector)
			if err != nil {
				return ExtractTextOutput{}, err
			}
			return ExtractTextOutput{Selector: in.Selector, Text: text, Found: true}, nil
		},
	}
}

// ScreenshotInput drives the screenshot tool.
type ScreenshotInput struct {
	FullPage bool `json:"full_page"`
}

// ScreenshotOutput carries the captured image.
type ScreenshotOutput struct {
	DataBase64 string `json:"data_base64"`
	SizeBytes  int    `json:"size_bytes"`
	FullPage   bool   `json:"full_page"`
}

// NewScreenshotTool captures the viewport or the full page.
func NewScreenshotTool(b schemas.Browser) Tool {
	return &typed[ScreenshotInput, ScreenshotOutput]{
		name: "screenshot",
		desc: "Capture a screenshot of the viewport, or the full page.",
		inSchema: schemaObject(map[string]any{
			"full_page": map[string]any{"type": "boolean"},
		}),
		outSchema: schemaObject(map[string]any{
			"data_base64": map[string]any{"type": "string"},
			"size_bytes":  map[string]any{"type": "integer"},
			"full_page":   map[string]any{"type": "boolean"},
		}),
		run: func(ctx context.Context, in ScreenshotInput) (ScreenshotOutput, error) {
			data, err := b.Screenshot(ctx, schemas.ScreenshotOptions{FullPage: in.FullPage})
			if err != nil {
				return ScreenshotOutput{}, err
			}
			return ScreenshotOutput{
				DataBase64: base64.StdEncoding.EncodeToString(data),
				SizeBytes:  len(data),
				FullPage:   in.FullPage,
			}, nil
		},
	}
}

// ElementInfoInput drives get_element_info.
type ElementInfoInput struct {
	Selector string `json:"selector"`
}

// ElementInfoOutput describes a located element.
type ElementInfoOutput struct {
	Selector   string            `json:"selector"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text"`
	Visible    bool              `json:"visible"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewElementInfoTool inspects the first matching element in-page.
func NewElementInfoTool(b schemas.Browser) Tool {
	return &typed[ElementInfoInput, ElementInfoOutput]{
		name: "get_element_info",
		desc: "Report tag, text, visibility and attributes of the first matching element.",
		inSchema: schemaObject(map[string]any{
			"selector": map[string]any{"type": "string"},
		}, "selector"),
		outSchema: schemaObject(map[string]any{
			"selector":   map[string]any{"type": "string"},
			"tag":        map[string]any{"type": "string"},
			"text":       map[string]any{"type": "string"},
			"visible":    map[string]any{"type": "boolean"},
			"attributes": map[string]any{"type": "object"},
		}),
		validate: func(in ElementInfoInput) error { return requireSelector(in.Selector) },
		run: func(ctx context.Context, in ElementInfoInput) (ElementInfoOutput, error) {
			script := `(() => {
				const el = document.querySelector(` + jsString(in.Selector) + `);
				if (!el) return null;
				const rect = el.getBoundingClientRect();
				const attrs = {};
				for (const a of el.attributes) attrs[a.name] = a.value;
				return {
					tag: el.tagName.toLowerCase(),
					text: (el.textContent || "").trim(),
					visible: rect.width > 0 && rect.height > 0,
					attributes: attrs,
				};
			})()`

			var probe *struct {
				Tag        string            `json:"tag"`
				Text       string            `json:"text"`
				Visible    bool              `json:"visible"`
				Attributes map[string]string `json:"attributes"`
			}
			if err := b.ExecuteScript(ctx, script, &probe); err != nil {
				return ElementInfoOutput{}, err
			}
			if probe == nil {
				return ElementInfoOutput{Selector: in.Selector}, nil
			}
			return ElementInfoOutput{
				Selector:   in.Selector,
				Tag:        probe.Tag,
				Text:       probe.Text,
				Visible:    probe.Visible,
				Attributes: probe.Attributes,
			}, nil
		},
	}
}
