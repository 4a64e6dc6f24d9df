package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tracelight/tracelight/internal/analytics/compare"
	"github.com/tracelight/tracelight/internal/core/domain"
	"github.com/tracelight/tracelight/internal/core/ports"
)

var tracer = otel.Tracer("tracelight/analytics")

// AnalyticsMode selects which backend serves a project's analytics reads.
type AnalyticsMode string

const (
	// ModeDocument serves from the document store only.
	ModeDocument AnalyticsMode = "document"
	// ModeColumnar serves from the columnar store only.
	ModeColumnar AnalyticsMode = "columnar"
	// ModeDual queries both concurrently, answers from the columnar store
	// and compares the results as a side effect.
	ModeDual AnalyticsMode = "dual"
)

// ParseAnalyticsMode validates a mode string from configuration.
func ParseAnalyticsMode(s string) (AnalyticsMode, error) {
	switch AnalyticsMode(s) {
	case ModeDocument, ModeColumnar, ModeDual:
		return AnalyticsMode(s), nil
	}
	return "", fmt.Errorf("unknown analytics mode %q", s)
}

// RoutingConfig is the migration rollout switch: a fleet-wide default plus
// per-project overrides, so projects migrate one at a time.
type RoutingConfig struct {
	DefaultMode AnalyticsMode
	Overrides   map[string]AnalyticsMode
}

// QueryObserver records one backend query for metrics. Labels are
// structural (backend name, operation, outcome), never tenant ids.
type QueryObserver func(backend, operation string, err error, elapsed time.Duration)

// AnalyticsService is the single entry point for analytics reads. Callers
// never pick a backend; routing is decided here per project per request.
type AnalyticsService struct {
	document   ports.AnalyticsBackend
	columnar   ports.AnalyticsBackend
	versions   ports.WorkflowVersionStore
	comparator *compare.Comparator
	observe    QueryObserver
	routing    RoutingConfig
	logger     zerolog.Logger
}

func NewAnalyticsService(
	document, columnar ports.AnalyticsBackend,
	versions ports.WorkflowVersionStore,
	comparator *compare.Comparator,
	observe QueryObserver,
	routing RoutingConfig,
	logger zerolog.Logger,
) *AnalyticsService {
	if routing.DefaultMode == "" {
		routing.DefaultMode = ModeDocument
	}
	return &AnalyticsService{
		document:   document,
		columnar:   columnar,
		versions:   versions,
		comparator: comparator,
		observe:    observe,
		routing:    routing,
		logger:     logger,
	}
}

// observed wraps one backend call with the per-query counter and latency
// histogram.
func observed[R any](s *AnalyticsService, b ports.AnalyticsBackend, operation string, fn func() (R, error)) (R, error) {
	started := time.Now()
	res, err := fn()
	if s.observe != nil {
		s.observe(b.Name(), operation, err, time.Since(started))
	}
	return res, err
}

// startSpan opens the facade-level span for one operation. Attributes stay
// structural; tenant ids and filter values never become span attributes.
func startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, "analytics."+operation, oteltrace.WithAttributes(attrs...))
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
	span.End()
}

// resolveMode applies the per-project override and degrades when the
// columnar store cannot serve: dual quietly falls back to the document
// store, columnar-only is a hard error because the caller asked for a
// backend that is not there.
func (s *AnalyticsService) resolveMode(ctx context.Context, projectID string) (AnalyticsMode, error) {
	mode := s.routing.DefaultMode
	if override, ok := s.routing.Overrides[projectID]; ok {
		mode = override
	}
	if mode == ModeDocument {
		return mode, nil
	}
	if s.columnar != nil && s.columnar.Enabled(ctx, projectID) {
		return mode, nil
	}
	if mode == ModeColumnar {
		return "", fmt.Errorf("columnar backend: %w", domain.ErrBackendUnavailable)
	}
	s.logger.Warn().Str("mode", string(mode)).Msg("columnar backend unavailable, serving from document store")
	return ModeDocument, nil
}

// Timeseries answers an aggregated metrics query through the routed
// backend(s).
func (s *AnalyticsService) Timeseries(ctx context.Context, q domain.TimeseriesQuery) (res *domain.TimeseriesResult, err error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "timeseries",
		attribute.Int("series_count", len(q.Series)),
		attribute.String("scale", q.Scale.String()),
		attribute.Bool("grouped", q.GroupBy != ""),
		attribute.Int("filter_count", len(q.Filters.WithoutEmpty())))
	defer func() { endSpan(span, err) }()

	mode, err := s.resolveMode(ctx, q.ProjectID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("mode", string(mode)))
	switch mode {
	case ModeDocument:
		return observed(s, s.document, "timeseries", func() (*domain.TimeseriesResult, error) {
			return s.document.Timeseries(ctx, q)
		})
	case ModeColumnar:
		return observed(s, s.columnar, "timeseries", func() (*domain.TimeseriesResult, error) {
			return s.columnar.Timeseries(ctx, q)
		})
	}
	return runDual(ctx, s, "timeseries", compare.InputFromTimeseries(q),
		func(ctx context.Context, b ports.AnalyticsBackend) (*domain.TimeseriesResult, error) {
			return b.Timeseries(ctx, q)
		})
}

// FilterOptions answers a distinct-values query through the routed
// backend(s).
func (s *AnalyticsService) FilterOptions(ctx context.Context, q domain.FilterOptionsQuery) (res *domain.FilterDataResult, err error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "filter_options",
		attribute.String("field", q.Field),
		attribute.Int("filter_count", len(q.Filters.WithoutEmpty())))
	defer func() { endSpan(span, err) }()

	mode, err := s.resolveMode(ctx, q.ProjectID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("mode", string(mode)))
	switch mode {
	case ModeDocument:
		return observed(s, s.document, "filter_options", func() (*domain.FilterDataResult, error) {
			return s.document.FilterOptions(ctx, q)
		})
	case ModeColumnar:
		return observed(s, s.columnar, "filter_options", func() (*domain.FilterDataResult, error) {
			return s.columnar.FilterOptions(ctx, q)
		})
	}
	return runDual(ctx, s, "filter_options", compare.InputFromFilterOptions(q),
		func(ctx context.Context, b ports.AnalyticsBackend) (*domain.FilterDataResult, error) {
			return b.FilterOptions(ctx, q)
		})
}

// runDual queries both backends concurrently. The columnar result is
// authoritative; when only one side succeeds its result is served and the
// comparison is skipped. Discrepancies never fail the request.
func runDual[R domain.QueryResult](
	ctx context.Context,
	s *AnalyticsService,
	operation string,
	input compare.Input,
	query func(ctx context.Context, b ports.AnalyticsBackend) (R, error),
) (R, error) {
	var docRes, colRes R
	var docErr, colErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docRes, docErr = observed(s, s.document, operation, func() (R, error) {
			return query(gctx, s.document)
		})
		return nil
	})
	g.Go(func() error {
		colRes, colErr = observed(s, s.columnar, operation, func() (R, error) {
			return query(gctx, s.columnar)
		})
		return nil
	})
	// Backend errors are captured per side, never propagated through the
	// group, so one failing store cannot cancel the other's query.
	_ = g.Wait()

	switch {
	case colErr == nil && docErr == nil:
		s.comparator.Compare(operation, input, docRes, colRes)
		return colRes, nil
	case colErr == nil:
		s.logger.Warn().Err(docErr).Str("operation", operation).
			Msg("document backend failed during dual read, comparison skipped")
		return colRes, nil
	case docErr == nil:
		s.logger.Warn().Err(colErr).Str("operation", operation).
			Msg("columnar backend failed during dual read, serving document result")
		return docRes, nil
	default:
		var zero R
		return zero, colErr
	}
}

// ListRuns lists experiment runs through the routed backend and resolves
// workflow version refs from the metadata store.
func (s *AnalyticsService) ListRuns(ctx context.Context, q domain.RunListQuery) (runs []domain.ExperimentRun, err error) {
	ctx, span := startSpan(ctx, "list_runs",
		attribute.Int("experiment_count", len(q.ExperimentIDs)))
	defer func() { endSpan(span, err) }()

	mode, err := s.resolveMode(ctx, q.ProjectID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("mode", string(mode)))
	backend := s.document
	if mode != ModeDocument {
		backend = s.columnar
	}
	runs, err = observed(s, backend, "list_runs", func() ([]domain.ExperimentRun, error) {
		return backend.ListRuns(ctx, q)
	})
	if err != nil {
		if mode != ModeDual {
			return nil, err
		}
		s.logger.Warn().Err(err).Msg("columnar run listing failed, serving document result")
		runs, err = observed(s, s.document, "list_runs", func() ([]domain.ExperimentRun, error) {
			return s.document.ListRuns(ctx, q)
		})
		if err != nil {
			return nil, err
		}
	}
	if err := s.attachVersions(ctx, q.ProjectID, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches one run. In dual and columnar modes the columnar store is
// consulted first; a run it has not ingested yet falls back to the document
// store, which retries before reporting absence.
func (s *AnalyticsService) GetRun(ctx context.Context, q domain.RunQuery) (out *domain.ExperimentRunWithItems, err error) {
	ctx, span := startSpan(ctx, "get_run")
	defer func() { endSpan(span, err) }()

	mode, err := s.resolveMode(ctx, q.ProjectID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("mode", string(mode)))
	if mode != ModeDocument {
		run, err := observed(s, s.columnar, "get_run", func() (*domain.ExperimentRunWithItems, error) {
			return s.columnar.GetRun(ctx, q)
		})
		if err == nil && run != nil {
			if err := s.attachVersions(ctx, q.ProjectID, runsOf(run)); err != nil {
				return nil, err
			}
			return run, nil
		}
		if err != nil {
			if mode == ModeColumnar {
				return nil, err
			}
			s.logger.Warn().Err(err).Msg("columnar run read failed, falling back to document store")
		}
	}
	run, err := observed(s, s.document, "get_run", func() (*domain.ExperimentRunWithItems, error) {
		return s.document.GetRun(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.ErrNotFound
	}
	if err := s.attachVersions(ctx, q.ProjectID, runsOf(run)); err != nil {
		return nil, err
	}
	return run, nil
}

func runsOf(run *domain.ExperimentRunWithItems) []domain.ExperimentRun {
	return []domain.ExperimentRun{run.ExperimentRun}
}

// attachVersions fills in workflow version names and numbers in place.
// Unresolvable refs keep their bare id.
func (s *AnalyticsService) attachVersions(ctx context.Context, projectID string, runs []domain.ExperimentRun) error {
	if s.versions == nil {
		return nil
	}
	var ids []string
	seen := map[string]bool{}
	for _, r := range runs {
		if r.WorkflowVersion != nil && !seen[r.WorkflowVersion.ID] {
			seen[r.WorkflowVersion.ID] = true
			ids = append(ids, r.WorkflowVersion.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	refs, err := s.versions.GetVersions(ctx, projectID, ids)
	if err != nil {
		return fmt.Errorf("resolve workflow versions: %w", err)
	}
	for i := range runs {
		if wv := runs[i].WorkflowVersion; wv != nil {
			if ref, ok := refs[wv.ID]; ok {
				*wv = ref
			}
		}
	}
	return nil
}

// IsNotFound reports whether an error is the canonical absence signal.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
