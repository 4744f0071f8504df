// -- cmd/serve.go --
package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/browser"
	"github.com/prismbot/prism/internal/cache"
	"github.com/prismbot/prism/internal/config"
	"github.com/prismbot/prism/internal/coordinator"
	"github.com/prismbot/prism/internal/events"
	"github.com/prismbot/prism/internal/httpapi"
	"github.com/prismbot/prism/internal/observability"
	"github.com/prismbot/prism/internal/parser"
	"github.com/prismbot/prism/internal/persistence"
	"github.com/prismbot/prism/internal/state"
)

const shutdownGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session coordination API server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared singletons.
	bus := events.NewBus(logger, cfg.Events.MaxHistory)
	unified := cache.NewCache(logger, cfg.Cache.MaxBytes, cache.WithEmitter(bus.Publish))
	sessionState := state.NewManager(logger)

	factory := func(ctx context.Context) (schemas.Browser, error) {
		return browser.NewDriver(ctx, browser.Options{
			DriverURL:         cfg.Browser.DriverURL,
			Headless:          cfg.Browser.Headless,
			ExtraFlags:        cfg.Browser.Args,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
		}, logger)
	}
	pool := browser.NewPool(browser.PoolConfig{
		MaxBrowsers:    cfg.Pool.MaxBrowsers,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	}, factory, logger)

	co := coordinator.New(coordinator.Config{
		MaxSessions:  cfg.Coordinator.MaxSessions,
		IdleTimeout:  cfg.Coordinator.IdleTimeout,
		ReapInterval: cfg.Coordinator.ReapInterval,
	}, pool, bus, unified, sessionState, logger, nil)

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		store = persistence.NewStore(cfg.Persistence.DataDir, bus, logger)
	}

	p, err := buildParser(cfg, store, logger)
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(httpapi.Config{
		Addr:              cfg.HTTP.Addr,
		RequestsPerMinute: cfg.HTTP.RequestsPerMinute,
		SSRFGuard:         cfg.HTTP.SSRFGuard,
		BlockedDomains:    cfg.HTTP.BlockedDomains,
	}, co, p, store, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = co.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := co.Close(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", zap.Error(err))
	}
	return nil
}

// buildParser selects the instruction parser backend. Learned patterns are
// consulted first whenever the store is available.
func buildParser(cfg *config.Config, store *persistence.Store, logger *zap.Logger) (schemas.Parser, error) {
	var patterns parser.PatternSource
	if store != nil {
		patterns = store
	}
	heuristic := parser.NewHeuristic(logger, patterns)

	switch cfg.Parser.Backend {
	case "gemini":
		return parser.NewGemini(parser.GeminiConfig{
			APIKey:      cfg.Parser.APIKey,
			Model:       cfg.Parser.Model,
			Endpoint:    cfg.Parser.Endpoint,
			Temperature: cfg.Parser.Temperature,
			MaxTokens:   cfg.Parser.MaxTokens,
			Timeout:     cfg.Parser.APITimeout,
		}, heuristic, logger)
	default:
		return heuristic, nil
	}
}
