// File: internal/parser/gemini.go
// Description: LLM-backed parser speaking the Gemini generateContent API
// directly over HTTP. Model output is a JSON ActionPlan; anything that goes
// wrong falls back to the rule-based parser.

package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const planSystemPrompt = `You translate browser automation instructions into JSON action plans.
Respond with a single JSON object:
{"intent": "<verb>", "steps": [{"action_type": "...", "target": "...", "value": "..."}], "confidence": 0.0}
Allowed action_type values: navigate, click, type, select, wait, wait_for_element, wait_for_load, extract, screenshot, scroll, get_element_info.
For navigate, target is an absolute URL. For element actions, target is a CSS selector when one is evident from the page context, otherwise a short plain-text description of the element.
Do not wrap the JSON in markdown fences.`

// GeminiConfig configures the LLM parser backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Endpoint    string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// geminiContent et al. mirror the generateContent wire format.
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// Gemini is the LLM-backed Parser with heuristic fallback.
type Gemini struct {
	cfg        GeminiConfig
	endpoint   string
	httpClient *http.Client
	fallback   *Heuristic
	logger     *zap.Logger
}

var _ schemas.Parser = (*Gemini)(nil)

// NewGemini builds the LLM parser. fallback must not be nil.
func NewGemini(cfg GeminiConfig, fallback *Heuristic, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(
			"https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}
	return &Gemini{
		cfg:        cfg,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		fallback:   fallback,
		logger:     logger.Named("parser.gemini"),
	}, nil
}

// Parse asks the model for a plan. Model failure or unusable output degrades
// to the rule-based parser instead of failing the instruction.
func (g *Gemini) Parse(ctx context.Context, raw string, pageContext *schemas.PageAnalysis) (schemas.ParseResult, error) {
	result, err := g.parseWithModel(ctx, raw, pageContext)
	if err == nil {
		return result, nil
	}
	g.logger.Warn("LLM parse failed, using rule-based fallback", zap.Error(err))
	return g.fallback.Parse(ctx, raw, pageContext)
}

func (g *Gemini) parseWithModel(ctx context.Context, raw string, pageContext *schemas.PageAnalysis) (schemas.ParseResult, error) {
	text, err := g.generate(ctx, buildUserPrompt(raw, pageContext))
	if err != nil {
		return schemas.ParseResult{}, err
	}
	return decodePlanJSON(text)
}

// generate performs the HTTP round trip with exponential backoff on
// transient failures.
func (g *Gemini) generate(ctx context.Context, userPrompt string) (string, error) {
	payload := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: userPrompt}}},
		},
		SystemInstruction: &geminiSystemInstruction{
			Parts: []geminiPart{{Text: planSystemPrompt}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      g.cfg.Temperature,
			ResponseMimeType: "application/json",
			MaxOutputTokens:  g.cfg.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	b.MaxInterval = 10 * time.Second

	var content string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", g.cfg.APIKey)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("gemini API status %d: %s", resp.StatusCode, respBody)
			switch resp.StatusCode {
			case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
				return err
			default:
				return backoff.Permanent(err)
			}
		}

		var parsed geminiResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
			return backoff.Permanent(errors.New("gemini API returned no content"))
		}
		content = parsed.Candidates[0].Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return content, nil
}

// buildUserPrompt folds the page context in so the model can emit concrete
// selectors when it knows the page.
func buildUserPrompt(raw string, pageContext *schemas.PageAnalysis) string {
	var sb strings.Builder
	sb.WriteString("Instruction: ")
	sb.WriteString(raw)
	if pageContext != nil {
		fmt.Fprintf(&sb, "\n\nCurrent page: %s (%s, type %s)\nInteractive elements:\n",
			pageContext.Title, pageContext.URL, pageContext.PageType)
		limit := len(pageContext.Elements)
		if limit > 20 {
			limit = 20
		}
		for _, el := range pageContext.Elements[:limit] {
			fmt.Fprintf(&sb, "- %s %s %q\n", el.ElementType, el.Selector, el.Text)
		}
	}
	return sb.String()
}

// planEnvelope is the JSON shape the model is asked for.
type planEnvelope struct {
	Intent     string               `json:"intent"`
	Steps      []schemas.ActionStep `json:"steps"`
	Confidence float64              `json:"confidence"`
}

// decodePlanJSON extracts and validates the model's plan. Markdown fences
// are tolerated despite the prompt.
func decodePlanJSON(text string) (schemas.ParseResult, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "}"); i >= 0 {
		text = text[:i+1]
	}

	var env planEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return schemas.ParseResult{}, fmt.Errorf("model output is not a plan: %w", err)
	}
	if len(env.Steps) == 0 {
		return schemas.ParseResult{}, errors.New("model produced an empty plan")
	}
	for _, s := range env.Steps {
		if toolFor(s.ActionType) == "" {
			return schemas.ParseResult{}, fmt.Errorf("model produced unknown action %q", s.ActionType)
		}
	}

	plan := buildPlan(env.Steps)
	if env.Confidence > 0 {
		plan.Confidence = env.Confidence
	}
	intent := env.Intent
	if intent == "" {
		intent = "unknown"
	}
	return schemas.ParseResult{Intent: intent, Plan: plan}, nil
}
