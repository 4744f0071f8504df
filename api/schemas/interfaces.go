// File: api/schemas/interfaces.go
// Description: Capability interfaces consumed by the coordination core. The
// concrete browser driver and instruction parser are external collaborators;
// the core only ever sees these contracts.

package schemas

import (
	"context"
	"time"
)

// ScreenshotOptions tunes screenshot capture.
type ScreenshotOptions struct {
	FullPage bool   `json:"full_page"`
	Format   string `json:"format,omitempty"` // "png" (default) or "jpeg"
}

// Browser is the driver capability a session owns exclusively. Every method
// is blocking and honors the context; driver-specific failures are mapped to
// a recoverable/non-recoverable browser error at the implementation boundary.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, value string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	GetText(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	ExecuteScript(ctx context.Context, script string, out any) error
	Close(ctx context.Context) error
}

// BrowserPool hands out exclusively owned Browser instances.
type BrowserPool interface {
	Acquire(ctx context.Context) (Browser, error)
	Release(b Browser)
	Close(ctx context.Context) error
}

// Parser turns a natural-language instruction into an ActionPlan. The intent
// and entity vocabularies are opaque to the core.
type Parser interface {
	Parse(ctx context.Context, raw string, pageContext *PageAnalysis) (ParseResult, error)
}

// Perception is the per-session page analysis capability. Implementations
// cache DOM-derived state and must drop it when told a navigation happened.
type Perception interface {
	AnalyzePage(ctx context.Context) (*PageAnalysis, error)
	FindElements(ctx context.Context, description string) ([]Element, error)
	InvalidateOnNavigation()
	Health() ModuleHealth
}
