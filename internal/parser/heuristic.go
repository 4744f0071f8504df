// File: internal/parser/heuristic.go
// Description: Rule-based instruction parser. Splits an instruction into
// clauses, extracts intent and entities, and emits an ActionPlan without any
// model call. Also the fallback when the LLM backend is unavailable.

package parser

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
)

// PatternSource serves previously learned instruction-to-plan mappings.
type PatternSource interface {
	Lookup(instruction string) (schemas.ActionPlan, bool)
}

// Heuristic is the rule-based Parser.
type Heuristic struct {
	logger   *zap.Logger
	patterns PatternSource
}

var _ schemas.Parser = (*Heuristic)(nil)

// NewHeuristic builds the rule-based parser. patterns may be nil.
func NewHeuristic(logger *zap.Logger, patterns PatternSource) *Heuristic {
	return &Heuristic{
		logger:   logger.Named("parser"),
		patterns: patterns,
	}
}

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s"']+`)
	domainPattern = regexp.MustCompile(`\b([a-z0-9][a-z0-9-]*\.)+(com|org|net|io|dev|co|edu|gov)(/[^\s"']*)?\b`)
	quotedPattern = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	// clauseSplit separates sequential sub-instructions.
	clauseSplit = regexp.MustCompile(`(?i)\s*(?:\bthen\b|\band then\b|;|\n)\s*`)
)

// searchBoxSelector matches the common search input shapes.
const searchBoxSelector = `input[type="search"], input[name="q"], input[placeholder*="earch"]`

// Parse derives intent, entities and a plan from an instruction. Learned
// patterns win over rules when one matches.
func (h *Heuristic) Parse(ctx context.Context, raw string, pageContext *schemas.PageAnalysis) (schemas.ParseResult, error) {
	instruction := strings.TrimSpace(raw)
	if h.patterns != nil {
		if plan, ok := h.patterns.Lookup(instruction); ok {
			h.logger.Debug("Instruction matched learned pattern", zap.String("instruction", instruction))
			return schemas.ParseResult{
				Intent: "learned",
				Plan:   plan,
			}, nil
		}
	}

	result := schemas.ParseResult{Intent: "unknown"}
	var steps []schemas.ActionStep

	for _, clause := range clauseSplit.Split(instruction, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		clauseSteps, intent, entities := h.parseClause(clause)
		steps = append(steps, clauseSteps...)
		result.Entities = append(result.Entities, entities...)
		if result.Intent == "unknown" && intent != "unknown" {
			result.Intent = intent
		}
	}

	result.Plan = buildPlan(steps)
	return result, nil
}

// parseClause maps one clause to steps. First matching rule wins.
func (h *Heuristic) parseClause(clause string) ([]schemas.ActionStep, string, []schemas.Entity) {
	lower := strings.ToLower(clause)

	if hasAny(lower, "navigate", "go to", "goto", "open ", "visit ") {
		if url := extractURL(clause); url != "" {
			return []schemas.ActionStep{{
				ActionType: schemas.ActionNavigate,
				Target:     url,
			}}, "navigate", []schemas.Entity{{Kind: "url", Value: url}}
		}
	}

	if idx := indexAny(lower, "search for ", "search "); idx >= 0 {
		query := cleanupQuery(clause[idx:])
		if query != "" {
			steps := []schemas.ActionStep{
				{ActionType: schemas.ActionTypeText, Target: searchBoxSelector, Value: query},
				{ActionType: schemas.ActionWait, Value: "500"},
			}
			return steps, "search", []schemas.Entity{{Kind: "query", Value: query}}
		}
	}

	if strings.Contains(lower, "click") {
		target := describedTarget(clause, "click")
		return []schemas.ActionStep{{
			ActionType: schemas.ActionClick,
			Target:     target,
		}}, "click", []schemas.Entity{{Kind: "target", Value: target}}
	}

	if hasAny(lower, "type ", "enter ", "fill ") {
		value := firstQuoted(clause)
		target := describedTarget(clause, "type", "enter", "fill", "into", "in")
		if value == "" {
			value = target
			target = "input"
		}
		return []schemas.ActionStep{{
			ActionType: schemas.ActionTypeText,
			Target:     target,
			Value:      value,
		}}, "type", []schemas.Entity{{Kind: "text", Value: value}}
	}

	if hasAny(lower, "extract", "get the", "read the", "scrape") {
		target := describedTarget(clause, "extract", "get the", "read the", "scrape")
		if target == "" {
			target = "body"
		}
		return []schemas.ActionStep{{
			ActionType: schemas.ActionExtract,
			Target:     target,
		}}, "extract", []schemas.Entity{{Kind: "target", Value: target}}
	}

	if hasAny(lower, "screenshot", "capture") {
		return []schemas.ActionStep{{
			ActionType: schemas.ActionScreenshot,
			Options:    schemas.StepOptions{FullPage: strings.Contains(lower, "full")},
		}}, "screenshot", nil
	}

	if hasAny(lower, "scroll") {
		return []schemas.ActionStep{{
			ActionType: schemas.ActionScroll,
		}}, "scroll", nil
	}

	if hasAny(lower, "wait") {
		return []schemas.ActionStep{{
			ActionType: schemas.ActionWait,
			Value:      "1000",
		}}, "wait", nil
	}

	h.logger.Debug("Clause matched no rule", zap.String("clause", clause))
	return nil, "unknown", nil
}

// buildPlan wraps steps with confidence and time estimates.
func buildPlan(steps []schemas.ActionStep) schemas.ActionPlan {
	plan := schemas.ActionPlan{Steps: steps}
	if len(steps) == 0 {
		return plan
	}
	plan.Confidence = 0.7
	seen := map[string]bool{}
	for _, s := range steps {
		switch s.ActionType {
		case schemas.ActionNavigate:
			plan.EstimatedTimeSeconds += 3
		case schemas.ActionWait:
			plan.EstimatedTimeSeconds += 1
		default:
			plan.EstimatedTimeSeconds += 0.5
		}
		if name := toolFor(s.ActionType); name != "" && !seen[name] {
			seen[name] = true
			plan.ToolsRequired = append(plan.ToolsRequired, name)
		}
	}
	return plan
}

func toolFor(a schemas.ActionType) string {
	switch a {
	case schemas.ActionNavigate:
		return "navigate_to_url"
	case schemas.ActionClick:
		return "click"
	case schemas.ActionTypeText:
		return "type"
	case schemas.ActionSelect:
		return "select"
	case schemas.ActionWait:
		return "wait"
	case schemas.ActionWaitForElement:
		return "wait_for_element"
	case schemas.ActionWaitForLoad:
		return "wait_for_load"
	case schemas.ActionExtract:
		return "extract_text"
	case schemas.ActionScreenshot:
		return "screenshot"
	case schemas.ActionScroll:
		return "scroll_page"
	case schemas.ActionGetElementInfo:
		return "get_element_info"
	}
	return ""
}

// extractURL finds an absolute URL, or promotes a bare domain to https.
func extractURL(clause string) string {
	if m := urlPattern.FindString(clause); m != "" {
		return strings.TrimRight(m, ".,)")
	}
	if m := domainPattern.FindString(strings.ToLower(clause)); m != "" {
		return "https://" + m
	}
	return ""
}

// firstQuoted returns the first quoted span, if any.
func firstQuoted(clause string) string {
	m := quotedPattern.FindStringSubmatch(clause)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

// describedTarget strips the verb words and returns the rest as a target
// description. A quoted span wins outright.
func describedTarget(clause string, verbs ...string) string {
	if q := firstQuoted(clause); q != "" {
		return q
	}
	out := clause
	lower := strings.ToLower(out)
	for _, v := range append(verbs, "on the", "the", "on", "please") {
		for {
			i := strings.Index(lower, v)
			if i < 0 {
				break
			}
			// Only strip whole words.
			if (i == 0 || lower[i-1] == ' ') && (i+len(v) == len(lower) || lower[i+len(v)] == ' ') {
				out = out[:i] + out[i+len(v):]
				lower = lower[:i] + lower[i+len(v):]
				continue
			}
			break
		}
	}
	return strings.Join(strings.Fields(out), " ")
}

func cleanupQuery(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"search for ", "search ", "Search for ", "Search "} {
		s = strings.TrimPrefix(s, prefix)
	}
	if q := firstQuoted(s); q != "" {
		return q
	}
	return strings.TrimSpace(s)
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func indexAny(s string, subs ...string) int {
	for _, sub := range subs {
		if i := strings.Index(s, sub); i >= 0 {
			return i
		}
	}
	return -1
}
