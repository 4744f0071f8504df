// File: internal/perception/engine.go
// Description: Per-session perception engine. Analyzes the current page into
// a PageAnalysis, serves element lookups by natural-language description, and
// caches analyses until a navigation invalidates them.

package perception

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/cache"
	"github.com/prismbot/prism/internal/events"
	"github.com/prismbot/prism/internal/recovery"
)

// minMatchScore is the floor below which a scored element is not reported.
const minMatchScore = 0.35

// Engine implements page perception for one session.
type Engine struct {
	sessionID string
	browser   schemas.Browser
	cache     *cache.Cache
	bus       *events.Bus
	logger    *zap.Logger

	mu       sync.Mutex
	current  *schemas.PageAnalysis
	analyses int64
	failures int64
}

var _ schemas.Perception = (*Engine)(nil)

// New builds a perception engine bound to a session's browser.
func New(sessionID string, browser schemas.Browser, c *cache.Cache, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		sessionID: sessionID,
		browser:   browser,
		cache:     c,
		bus:       bus,
		logger:    logger.Named("perception").With(zap.String("session_id", sessionID)),
	}
}

// cacheKey scopes a cached analysis to this session and URL so session
// teardown can sweep it with the session prefix pattern.
func (e *Engine) cacheKey(url string) string {
	return cache.Key("session", e.sessionID+":analysis:"+url)
}

// AnalyzePage returns the analysis of the current page, from cache when one
// is still valid for the session's current URL.
func (e *Engine) AnalyzePage(ctx context.Context) (*schemas.PageAnalysis, error) {
	url, err := e.browser.CurrentURL(ctx)
	if err != nil {
		e.recordFailure()
		return nil, err
	}

	e.mu.Lock()
	if e.current != nil && e.current.URL == url {
		analysis := e.current
		e.mu.Unlock()
		return analysis, nil
	}
	e.mu.Unlock()

	if e.cache != nil {
		if v, ok := e.cache.Get(e.cacheKey(url)); ok {
			if analysis, ok := v.(*schemas.PageAnalysis); ok {
				e.mu.Lock()
				e.current = analysis
				e.mu.Unlock()
				return analysis, nil
			}
		}
	}

	ev := events.ForSession(events.AnalysisStarted, e.sessionID)
	ev.URL = url
	e.publish(ev)

	start := time.Now()
	analysis, err := e.analyze(ctx, url)
	if err != nil {
		e.recordFailure()
		return nil, err
	}

	e.mu.Lock()
	e.current = analysis
	e.analyses++
	e.mu.Unlock()

	if e.cache != nil {
		_ = e.cache.SetWithTTL(e.cacheKey(url), analysis, 5*time.Minute)
	}

	done := events.ForSession(events.AnalysisCompleted, e.sessionID)
	done.URL = url
	done.ElementCount = len(analysis.Elements)
	done.DurationMs = time.Since(start).Milliseconds()
	e.publish(done)

	classified := events.ForSession(events.PageClassified, e.sessionID)
	classified.URL = url
	classified.PageType = string(analysis.PageType)
	e.publish(classified)

	return analysis, nil
}

// analyze does the actual fetch-parse-classify work.
func (e *Engine) analyze(ctx context.Context, url string) (*schemas.PageAnalysis, error) {
	content, err := e.browser.Content(ctx)
	if err != nil {
		return nil, err
	}
	title, err := e.browser.Title(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, &recovery.PerceptionError{
			Message:           fmt.Sprintf("parse page content: %v", err),
			FallbackAvailable: false,
		}
	}

	elems, ind := extract(doc)
	analysis := &schemas.PageAnalysis{
		URL:        url,
		Title:      title,
		PageType:   classify(url, ind),
		Elements:   elems,
		AnalyzedAt: time.Now(),
	}

	e.logger.Debug("Analyzed page",
		zap.String("url", url),
		zap.String("page_type", string(analysis.PageType)),
		zap.Int("elements", len(elems)))
	return analysis, nil
}

// FindElements ranks the current page's elements against a description and
// returns the plausible matches, best first.
func (e *Engine) FindElements(ctx context.Context, description string) ([]schemas.Element, error) {
	analysis, err := e.AnalyzePage(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		score float64
		elem  schemas.Element
	}
	var matches []scored
	for _, elem := range analysis.Elements {
		if s := matchScore(elem, description); s >= minMatchScore {
			elem.Confidence = s
			matches = append(matches, scored{score: s, elem: elem})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]schemas.Element, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.elem)
	}

	if len(out) > 0 {
		ev := events.ForSession(events.ElementFound, e.sessionID)
		ev.Selector = out[0].Selector
		ev.Confidence = out[0].Confidence
		ev.ElementCount = len(out)
		e.publish(ev)
	}
	return out, nil
}

// matchScore blends the element's base confidence with description token
// overlap and a control-type hint bonus.
func matchScore(elem schemas.Element, description string) float64 {
	desc := strings.ToLower(description)
	tokens := strings.Fields(desc)
	if len(tokens) == 0 {
		return 0
	}

	score := elem.Confidence * 0.4

	haystack := strings.ToLower(elem.Text)
	for _, k := range []string{"placeholder", "aria-label", "name", "id", "value"} {
		if v := elem.Attributes[k]; v != "" {
			haystack += " " + strings.ToLower(v)
		}
	}
	hit := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			hit++
		}
	}
	score += 0.5 * float64(hit) / float64(len(tokens))

	if typeHint(desc, elem.ElementType) {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// typeHint reports whether the description names the element's control type.
func typeHint(desc, elementType string) bool {
	switch elementType {
	case "button":
		return strings.Contains(desc, "button") || strings.Contains(desc, "submit")
	case "link":
		return strings.Contains(desc, "link")
	case "text_input", "search_input", "password_input":
		return strings.Contains(desc, "input") || strings.Contains(desc, "field") ||
			strings.Contains(desc, "box") || strings.Contains(desc, "type")
	case "select":
		return strings.Contains(desc, "select") || strings.Contains(desc, "dropdown")
	case "checkbox":
		return strings.Contains(desc, "checkbox") || strings.Contains(desc, "check")
	case "form":
		return strings.Contains(desc, "form")
	}
	return false
}

// InvalidateOnNavigation drops the in-memory analysis. The unified cache
// entry for the old URL is left to expire; a new URL never matches it.
func (e *Engine) InvalidateOnNavigation() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

// Health grades the engine by its failure ratio.
func (e *Engine) Health() schemas.ModuleHealth {
	e.mu.Lock()
	analyses, failures := e.analyses, e.failures
	hasCurrent := e.current != nil
	e.mu.Unlock()

	total := analyses + failures
	score := 1.0
	if total > 0 {
		score = float64(analyses) / float64(total)
	}
	status := schemas.StatusHealthy
	switch {
	case score < 0.5:
		status = schemas.StatusCritical
	case score < 0.9:
		status = schemas.StatusDegraded
	}

	return schemas.ModuleHealth{
		Name:   "perception",
		Status: status,
		Score:  score,
		Checks: []schemas.HealthCheck{
			{Name: "analysis_cached", Passed: hasCurrent},
			{Name: "failure_ratio", Passed: score >= 0.9,
				Message: fmt.Sprintf("%d analyses, %d failures", analyses, failures)},
		},
		LastCheck: time.Now(),
	}
}

func (e *Engine) recordFailure() {
	e.mu.Lock()
	e.failures++
	e.mu.Unlock()
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
