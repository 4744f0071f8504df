// File: internal/httpapi/server.go
// Description: Echo HTTP surface over the session coordinator. Exposes
// session lifecycle, navigation, actions, tools, analysis, natural-language
// instructions and system health under /api/v1.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/coordinator"
	"github.com/prismbot/prism/internal/persistence"
	"github.com/prismbot/prism/internal/recovery"
	"github.com/prismbot/prism/internal/tools"
)

// Config carries the HTTP-facing knobs.
type Config struct {
	Addr              string
	RequestsPerMinute int
	SSRFGuard         bool
	BlockedDomains    []string
}

// Server wires the coordinator, parser and learning store behind echo.
type Server struct {
	echo      *echo.Echo
	co        *coordinator.Coordinator
	parser    schemas.Parser
	store     *persistence.Store
	validator *Validator
	limiter   *RateLimiter
	logger    *zap.Logger
	addr      string
}

// NewServer builds the server and registers all routes. The store may be nil
// when learning persistence is disabled.
func NewServer(cfg Config, co *coordinator.Coordinator, p schemas.Parser, store *persistence.Store, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:   e,
		co:     co,
		parser: p,
		store:  store,
		validator: &Validator{
			SSRFGuard:      cfg.SSRFGuard,
			BlockedDomains: cfg.BlockedDomains,
		},
		limiter: NewRateLimiter(cfg.RequestsPerMinute),
		logger:  logger.Named("httpapi"),
		addr:    cfg.Addr,
	}

	e.Use(s.rateLimit)

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.DELETE("/sessions/:id", s.removeSession)
	v1.POST("/sessions/:id/navigate", s.navigate)
	v1.POST("/sessions/:id/action", s.performAction)
	v1.POST("/sessions/:id/tools/:name", s.executeTool)
	v1.POST("/sessions/:id/analyze", s.analyze)
	v1.POST("/sessions/:id/instruction", s.executeInstruction)
	v1.GET("/health", s.systemHealth)

	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying mux for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// -- middleware --

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.limiter.Allow(c.RealIP()) {
			return fail(c, http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

// -- envelopes --

func respond(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, map[string]interface{}{"success": true, "data": data})
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]interface{}{"success": false, "error": msg})
}

// failErr maps domain errors onto HTTP statuses.
func (s *Server) failErr(c echo.Context, err error) error {
	var (
		ve *ValidationError
		se *recovery.SessionError
		re *recovery.ResourceError
		te *recovery.ToolError
	)
	switch {
	case errors.As(err, &ve):
		return fail(c, http.StatusBadRequest, ve.Error())
	case errors.Is(err, recovery.ErrElementNotFound):
		return fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, recovery.ErrCreateInFlight):
		return fail(c, http.StatusConflict, err.Error())
	case errors.As(err, &se):
		return fail(c, http.StatusNotFound, se.Error())
	case errors.As(err, &re):
		return fail(c, http.StatusServiceUnavailable, re.Error())
	case errors.As(err, &te):
		return fail(c, http.StatusBadRequest, te.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, err.Error())
	}
}

// -- handlers --

func (s *Server) createSession(c echo.Context) error {
	sess, err := s.co.CreateSession(c.Request().Context())
	if err != nil {
		return s.failErr(c, err)
	}
	return respond(c, http.StatusCreated, sess.Info())
}

func (s *Server) listSessions(c echo.Context) error {
	return respond(c, http.StatusOK, map[string]interface{}{
		"sessions": s.co.ListSessions(),
	})
}

func (s *Server) getSession(c echo.Context) error {
	sess, ok := s.co.Get(c.Param("id"))
	if !ok {
		return fail(c, http.StatusNotFound, "unknown session")
	}
	return respond(c, http.StatusOK, sess.Info())
}

func (s *Server) removeSession(c echo.Context) error {
	if err := s.co.RemoveSession(c.Request().Context(), c.Param("id"), "api request"); err != nil {
		return s.failErr(c, err)
	}
	return respond(c, http.StatusOK, map[string]string{"session_id": c.Param("id"), "status": "removed"})
}

type navigateRequest struct {
	URL     string `json:"url"`
	Analyze bool   `json:"analyze"`
}

func (s *Server) navigate(c echo.Context) error {
	sess, ok := s.co.Get(c.Param("id"))
	if !ok {
		return fail(c, http.StatusNotFound, "unknown session")
	}
	var req navigateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "malformed request body")
	}
	if err := s.validator.URL(req.URL); err != nil {
		return s.failErr(c, err)
	}
	ctx := c.Request().Context()
	if err := sess.Navigate(ctx, req.URL); err != nil {
		return s.failErr(c, err)
	}
	payload := map[string]interface{}{"url": req.URL}
	if req.Analyze {
		analysis, err := sess.Perception().AnalyzePage(ctx)
		if err != nil {
			s.logger.Warn("post-navigation analysis failed",
				zap.String("session_id", c.Param("id")), zap.Error(err))
		} else {
			payload["analysis"] = analysis
		}
	}
	return respond(c, http.StatusOK, payload)
}

type actionRequest struct {
	ActionType string            `json:"action_type"`
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters"`
}

func (s *Server) performAction(c echo.Context) error {
	sess, ok := s.co.Get(c.Param("id"))
	if !ok {
		return fail(c, http.StatusNotFound, "unknown session")
	}
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "malformed request body")
	}
	if req.ActionType == "" {
		return fail(c, http.StatusBadRequest, "action_type is required")
	}
	if err := s.validator.Text("target", req.Target); err != nil {
		return s.failErr(c, err)
	}
	value := req.Parameters["value"]
	if len(value) > maxTextLength {
		return fail(c, http.StatusBadRequest, "parameters.value too long")
	}
	out, err := sess.PerformAction(c.Request().Context(), schemas.ActionType(req.ActionType), req.Target, value)
	if err != nil {
		return s.failErr(c, err)
	}
	return respond(c, http.StatusOK, map[string]interface{}{
		"action_type": req.ActionType,
		"result":      json.RawMessage(out),
	})
}

func (s *Server) executeTool(c echo.Context) error {
	sess, ok := s.co.Get(c.Param("id"))
	if !ok {
		return fail(c, http.StatusNotFound, "unknown session")
	}
	body, err := readBody(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "unreadable request body")
	}
	reg, err := sess.Tools()
	if err != nil {
		return s.failErr(c, err)
	}
	out, err := reg.Execute(c.Request().Context(), c.Param("name"), tools.RawMessage(body))
	if err != nil {
		return s.failErr(c, err)
	}
	return respond(c, http.StatusOK, map[string]interface{}{
		"tool":   c.Param("name"),
		"result": json.RawMessage(out),
	})
}

func (s *Server) analyze(c echo.Context) error {
	sess, ok := s.co.Get(c.Param("id"))
	if !ok {
		return fail(c, http.StatusNotFound, "unknown session")
	}
	analysis, err := sess.Perception().AnalyzePage(c.Request().Context())
	if err != nil {
		return s.failErr(c, err)
	}
	return respond(c, http.StatusOK, analysis)
}

type instructionRequest struct {
	Instruction string `json:"instruction"`
}

func (s *Server) executeInstruction(c echo.Context) error {
	sess, ok := s.co.Get(c.Param("id"))
	if !ok {
		return fail(c, http.StatusNotFound, "unknown session")
	}
	var req instructionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "malformed request body")
	}
	if err := s.validator.Text("instruction", req.Instruction); err != nil {
		return s.failErr(c, err)
	}

	ctx := c.Request().Context()
	started := time.Now()

	// Page context is best effort; parsing proceeds without it.
	var pageCtx *schemas.PageAnalysis
	if analysis, err := sess.Perception().AnalyzePage(ctx); err == nil {
		pageCtx = analysis
	}

	parsed, err := s.parser.Parse(ctx, req.Instruction, pageCtx)
	if err != nil {
		return s.failErr(c, err)
	}
	if err := s.resolvePlan(ctx, sess, &parsed.Plan); err != nil {
		return s.failErr(c, err)
	}

	result, err := sess.ExecutePlan(ctx, parsed.Plan)
	if err != nil {
		return s.failErr(c, err)
	}

	if s.store != nil {
		s.store.Learn(req.Instruction, parsed.Plan, result.Success)
		s.store.RecordInteraction(persistence.Interaction{
			SessionID:   c.Param("id"),
			Instruction: req.Instruction,
			Intent:      parsed.Intent,
			Success:     result.Success,
			DurationMs:  time.Since(started).Milliseconds(),
			At:          time.Now(),
		})
	}

	return respond(c, http.StatusOK, map[string]interface{}{
		"intent": parsed.Intent,
		"plan":   parsed.Plan,
		"result": result,
	})
}

func (s *Server) systemHealth(c echo.Context) error {
	health := s.co.SystemHealth(c.Request().Context())
	status := http.StatusOK
	if health.Status == schemas.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	return respond(c, status, health)
}

// -- plan resolution --

// resolvePlan swaps described element targets for concrete selectors so the
// executor only ever sees addressable steps. Steps that already carry a
// selector, and steps that do not address elements, pass through untouched.
func (s *Server) resolvePlan(ctx context.Context, sess sessionAPI, plan *schemas.ActionPlan) error {
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if !addressesElement(step.ActionType) || looksLikeSelector(step.Target) {
			continue
		}
		matches, err := sess.Perception().FindElements(ctx, step.Target)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return &recovery.PerceptionError{
				Message:           "no element matches " + step.Target,
				FallbackAvailable: false,
			}
		}
		step.Target = matches[0].Selector
	}
	return nil
}

func addressesElement(t schemas.ActionType) bool {
	switch t {
	case schemas.ActionClick, schemas.ActionTypeText, schemas.ActionSelect,
		schemas.ActionGetElementInfo, schemas.ActionWaitForElement:
		return true
	}
	return false
}

// looksLikeSelector distinguishes CSS selectors from human descriptions.
func looksLikeSelector(target string) bool {
	if target == "" {
		return false
	}
	if strings.ContainsAny(target, "#[>.") {
		return true
	}
	// A single lowercase token with no spaces is treated as a tag selector.
	return !strings.Contains(target, " ") && strings.ToLower(target) == target && len(target) <= 12
}

// sessionAPI is the slice of session behavior resolvePlan needs.
type sessionAPI interface {
	Perception() schemas.Perception
}

func readBody(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
}
