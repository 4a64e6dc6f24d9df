package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tracelight/tracelight/internal/adapters/columnar"
	"github.com/tracelight/tracelight/internal/adapters/docstore"
	"github.com/tracelight/tracelight/internal/adapters/postgres"
	"github.com/tracelight/tracelight/internal/analytics/compare"
	"github.com/tracelight/tracelight/internal/analytics/compiler"
	"github.com/tracelight/tracelight/internal/config"
	"github.com/tracelight/tracelight/internal/core/ports"
	"github.com/tracelight/tracelight/internal/core/services"
	"github.com/tracelight/tracelight/internal/telemetry"
	"github.com/tracelight/tracelight/pkg/api"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Info().Msg("starting tracelight analytics service")

	if err := run(logger); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

func run(logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info().Msg("shutting down")
		cancel()
	}()

	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	shutdownTracing, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()
	metrics := telemetry.NewMetrics()

	// Document backend: the system of record, always configured.
	docClient, err := docstore.NewClient(cfg.DocStore.Scheme, cfg.DocStore.Host)
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}
	retry := docstore.RetryPolicy{Attempts: cfg.DocStore.RetryAttempts, Delay: cfg.DocStore.RetryDelay}
	document := docstore.New(docClient, retry, logger)

	// Columnar backend: optional while the migration rolls out. A failed
	// open degrades to document-only serving instead of refusing to start.
	var columnarBackend ports.AnalyticsBackend
	if cfg.Columnar.Path != "" {
		store, err := columnar.Open(cfg.Columnar.Path, compiler.New(nil), logger)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Columnar.Path).
				Msg("columnar store unavailable, continuing without it")
		} else {
			defer store.Close()
			columnarBackend = store
		}
	}

	// Workflow version metadata: optional, run results degrade to bare ids.
	var versions ports.WorkflowVersionStore
	if cfg.Metadata.PostgresDSN != "" {
		store, err := postgres.Connect(ctx, cfg.Metadata.PostgresDSN)
		if err != nil {
			logger.Warn().Err(err).Msg("metadata store unavailable, workflow versions will not resolve")
		} else {
			defer store.Close()
			versions = store
		}
	}

	routing, err := buildRouting(cfg.Analytics)
	if err != nil {
		return err
	}
	comparator := compare.New(compare.Config{
		TolerancePct: cfg.Analytics.TolerancePct,
		MinAbsDiff:   cfg.Analytics.MinAbsDiff,
		MaxReported:  cfg.Analytics.MaxReported,
	}, logger, metrics.ObserveDiscrepancies)

	svc := services.NewAnalyticsService(document, columnarBackend, versions, comparator, metrics.ObserveQuery, routing, logger)
	handler := api.NewRouter(api.NewHandlers(svc, logger), metrics, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Str("mode", string(routing.DefaultMode)).Msg("starting api server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildRouting(cfg config.AnalyticsConfig) (services.RoutingConfig, error) {
	mode, err := services.ParseAnalyticsMode(cfg.Mode)
	if err != nil {
		return services.RoutingConfig{}, err
	}
	routing := services.RoutingConfig{
		DefaultMode: mode,
		Overrides:   map[string]services.AnalyticsMode{},
	}
	for project, raw := range cfg.ModeOverrides {
		m, err := services.ParseAnalyticsMode(raw)
		if err != nil {
			return services.RoutingConfig{}, fmt.Errorf("override for %s: %w", project, err)
		}
		routing.Overrides[project] = m
	}
	return routing, nil
}
