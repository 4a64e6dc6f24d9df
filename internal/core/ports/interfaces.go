package ports

import (
	"context"

	"github.com/tracelight/tracelight/internal/core/domain"
)

// AnalyticsBackend abstracts one of the two analytical stores (document or
// columnar). Implementations return only canonical domain types; their
// native row shapes never leave the adapter package.
type AnalyticsBackend interface {
	// Name identifies the backend in logs and error messages
	// ("document" or "columnar").
	Name() string

	// Enabled reports whether the backend can serve the project. The
	// document store is always enabled; the columnar store is gated by
	// configuration and may be absent at startup.
	Enabled(ctx context.Context, projectID string) bool

	// Timeseries runs an aggregated metrics query over both periods.
	Timeseries(ctx context.Context, q domain.TimeseriesQuery) (*domain.TimeseriesResult, error)

	// FilterOptions lists the distinct values of one filter field.
	FilterOptions(ctx context.Context, q domain.FilterOptionsQuery) (*domain.FilterDataResult, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, q domain.RunListQuery) ([]domain.ExperimentRun, error)

	// GetRun returns one run with its items. The columnar backend returns
	// (nil, nil) when the run does not exist, letting the facade fall back;
	// the document backend returns domain.ErrNotFound after exhausting its
	// read-after-write retry budget.
	GetRun(ctx context.Context, q domain.RunQuery) (*domain.ExperimentRunWithItems, error)
}

// WorkflowVersionStore resolves workflow-version references from the
// relational metadata store. Read-only here.
type WorkflowVersionStore interface {
	GetVersions(ctx context.Context, projectID string, ids []string) (map[string]domain.WorkflowVersionRef, error)
}
