// File: internal/tools/builtins.go

package tools

import (
	"context"

	"github.com/prismbot/prism/internal/cache"
)

// RegisterBuiltins wires the full builtin tool set into a registry. The
// onNavigate hook, when non-nil, replaces the raw browser navigation so the
// owning session can run its coordinated navigation sequence.
func RegisterBuiltins(reg *Registry, sessionID string, b Navigator, c *cache.Cache,
	onNavigate func(ctx context.Context, url string) error) error {
	all := []Tool{
		NewNavigateTool(b, onNavigate),
		NewClickTool(b),
		NewTypeTool(b),
		NewSelectTool(b),
		NewWaitTool(),
		NewWaitForElementTool(b),
		NewWaitForLoadTool(b),
		NewExtractTextTool(b),
		NewScreenshotTool(b),
		NewScrollTool(b),
		NewElementInfoTool(b),
		NewCacheOpTool(sessionID, c),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
