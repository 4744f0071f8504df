// File: internal/tools/cacheop.go
// Description: persistent_cache_op tool. Lets plans stash and recall small
// values in the unified cache under a session-scoped namespace.

package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prismbot/prism/internal/cache"
)

// CacheOpInput drives persistent_cache_op.
type CacheOpInput struct {
	Op    string `json:"op"` // "get", "set" or "delete"
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
	TTLMs int    `json:"ttl_ms,omitempty"`
}

// CacheOpOutput reports the operation result.
type CacheOpOutput struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Found bool   `json:"found"`
	Value any    `json:"value,omitempty"`
}

// NewCacheOpTool exposes get/set/delete on the unified cache, keyed inside
// the session's namespace so session cleanup sweeps tool-written entries too.
func NewCacheOpTool(sessionID string, c *cache.Cache) Tool {
	keyFor := func(k string) string {
		return cache.Key("session", sessionID+":tool:"+k)
	}
	return &typed[CacheOpInput, CacheOpOutput]{
		name: "persistent_cache_op",
		desc: "Store, recall or delete a value in the session's cache namespace.",
		inSchema: schemaObject(map[string]any{
			"op":     map[string]any{"type": "string", "enum": []any{"get", "set", "delete"}},
			"key":    map[string]any{"type": "string"},
			"value":  map[string]any{},
			"ttl_ms": map[string]any{"type": "integer"},
		}, "op", "key"),
		outSchema: schemaObject(map[string]any{
			"op":    map[string]any{"type": "string"},
			"key":   map[string]any{"type": "string"},
			"found": map[string]any{"type": "boolean"},
			"value": map[string]any{},
		}),
		validate: func(in CacheOpInput) error {
			if in.Key == "" {
				return errors.New("key must not be empty")
			}
			switch in.Op {
			case "get", "delete":
				return nil
			case "set":
				if in.Value == nil {
					return errors.New("set requires a value")
				}
				return nil
			default:
				return fmt.Errorf("unknown op %q", in.Op)
			}
		},
		run: func(ctx context.Context, in CacheOpInput) (CacheOpOutput, error) {
			out := CacheOpOutput{Op: in.Op, Key: in.Key}
			switch in.Op {
			case "get":
				if v, ok := c.Get(keyFor(in.Key)); ok {
					out.Found = true
					out.Value = v
				}
			case "set":
				var err error
				if in.TTLMs > 0 {
					err = c.SetWithTTL(keyFor(in.Key), in.Value, time.Duration(in.TTLMs)*time.Millisecond)
				} else {
					err = c.Set(keyFor(in.Key), in.Value)
				}
				if err != nil {
					return CacheOpOutput{}, err
				}
				out.Found = true
			case "delete":
				out.Found = c.Delete(keyFor(in.Key))
			}
			return out, nil
		},
	}
}
