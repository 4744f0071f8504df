// File: internal/parser/parser_test.go

package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prismbot/prism/api/schemas"
)

func parse(t *testing.T, instruction string) schemas.ParseResult {
	t.Helper()
	h := NewHeuristic(zaptest.NewLogger(t), nil)
	res, err := h.Parse(context.Background(), instruction, nil)
	require.NoError(t, err)
	return res
}

func TestParseNavigate(t *testing.T) {
	res := parse(t, "go to https://example.com/shop")
	assert.Equal(t, "navigate", res.Intent)
	require.Len(t, res.Plan.Steps, 1)
	assert.Equal(t, schemas.ActionNavigate, res.Plan.Steps[0].ActionType)
	assert.Equal(t, "https://example.com/shop", res.Plan.Steps[0].Target)
	assert.Contains(t, res.Plan.ToolsRequired, "navigate_to_url")
}

func TestParseBareDomainGetsScheme(t *testing.T) {
	res := parse(t, "navigate to example.com")
	require.Len(t, res.Plan.Steps, 1)
	assert.Equal(t, "https://example.com", res.Plan.Steps[0].Target)
}

func TestParseSearch(t *testing.T) {
	res := parse(t, `search for "mechanical keyboards"`)
	assert.Equal(t, "search", res.Intent)
	require.NotEmpty(t, res.Plan.Steps)
	assert.Equal(t, schemas.ActionTypeText, res.Plan.Steps[0].ActionType)
	assert.Equal(t, "mechanical keyboards", res.Plan.Steps[0].Value)
	require.NotEmpty(t, res.Entities)
	assert.Equal(t, "query", res.Entities[0].Kind)
}

func TestParseClickQuotedTarget(t *testing.T) {
	res := parse(t, `click on the "Add to cart" button`)
	assert.Equal(t, "click", res.Intent)
	require.Len(t, res.Plan.Steps, 1)
	assert.Equal(t, schemas.ActionClick, res.Plan.Steps[0].ActionType)
	assert.Equal(t, "Add to cart", res.Plan.Steps[0].Target)
}

func TestParseMultiClause(t *testing.T) {
	res := parse(t, `go to https://example.com then search for "widgets" then take a screenshot`)
	assert.Equal(t, "navigate", res.Intent)
	require.GreaterOrEqual(t, len(res.Plan.Steps), 3)
	assert.Equal(t, schemas.ActionNavigate, res.Plan.Steps[0].ActionType)
	last := res.Plan.Steps[len(res.Plan.Steps)-1]
	assert.Equal(t, schemas.ActionScreenshot, last.ActionType)
	assert.Greater(t, res.Plan.EstimatedTimeSeconds, 3.0)
}

func TestParseExtract(t *testing.T) {
	res := parse(t, `extract the "h1" text`)
	assert.Equal(t, "extract", res.Intent)
	require.Len(t, res.Plan.Steps, 1)
	assert.Equal(t, schemas.ActionExtract, res.Plan.Steps[0].ActionType)
	assert.Equal(t, "h1", res.Plan.Steps[0].Target)
}

func TestParseUnknownInstruction(t *testing.T) {
	res := parse(t, "ponder the meaning of existence")
	assert.Equal(t, "unknown", res.Intent)
	assert.Empty(t, res.Plan.Steps)
	assert.Zero(t, res.Plan.Confidence)
}

// cannedPatterns satisfies PatternSource.
type cannedPatterns struct {
	plans map[string]schemas.ActionPlan
}

func (c *cannedPatterns) Lookup(instruction string) (schemas.ActionPlan, bool) {
	p, ok := c.plans[instruction]
	return p, ok
}

func TestLearnedPatternWins(t *testing.T) {
	learned := schemas.ActionPlan{
		Steps:      []schemas.ActionStep{{ActionType: schemas.ActionNavigate, Target: "https://learned.example/"}},
		Confidence: 0.95,
	}
	h := NewHeuristic(zaptest.NewLogger(t), &cannedPatterns{
		plans: map[string]schemas.ActionPlan{"do the usual": learned},
	})

	res, err := h.Parse(context.Background(), "do the usual", nil)
	require.NoError(t, err)
	assert.Equal(t, "learned", res.Intent)
	assert.Equal(t, learned, res.Plan)
}

func TestGeminiParsesModelPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("x-goog-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":
			"{\"intent\":\"navigate\",\"steps\":[{\"action_type\":\"navigate\",\"target\":\"https://example.com/\"}],\"confidence\":0.9}"
		}]}}]}`))
	}))
	defer srv.Close()

	fallback := NewHeuristic(zaptest.NewLogger(t), nil)
	g, err := NewGemini(GeminiConfig{
		APIKey:   "test-key",
		Endpoint: srv.URL,
		Timeout:  2 * time.Second,
	}, fallback, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := g.Parse(context.Background(), "go to example", nil)
	require.NoError(t, err)
	assert.Equal(t, "navigate", res.Intent)
	require.Len(t, res.Plan.Steps, 1)
	assert.Equal(t, "https://example.com/", res.Plan.Steps[0].Target)
	assert.InDelta(t, 0.9, res.Plan.Confidence, 0.001)
}

func TestGeminiFallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	fallback := NewHeuristic(zaptest.NewLogger(t), nil)
	g, err := NewGemini(GeminiConfig{
		APIKey:   "test-key",
		Endpoint: srv.URL,
		Timeout:  2 * time.Second,
	}, fallback, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := g.Parse(context.Background(), "go to https://example.com/", nil)
	require.NoError(t, err, "fallback must absorb the model failure")
	assert.Equal(t, "navigate", res.Intent)
}

func TestGeminiRejectsEmptyKey(t *testing.T) {
	_, err := NewGemini(GeminiConfig{}, NewHeuristic(zaptest.NewLogger(t), nil), zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestDecodePlanToleratesFences(t *testing.T) {
	res, err := decodePlanJSON("```json\n{\"intent\":\"click\",\"steps\":[{\"action_type\":\"click\",\"target\":\"#go\"}]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "click", res.Intent)
}

func TestDecodePlanRejectsUnknownAction(t *testing.T) {
	_, err := decodePlanJSON(`{"intent":"x","steps":[{"action_type":"levitate"}]}`)
	assert.Error(t, err)
}
