// Package docstore is the document/search backend, the migration source. It
// holds denormalized trace, observation and evaluation documents and has no
// server-side aggregation pipeline comparable to the columnar engine, so
// queries fetch matching documents and aggregate in process. Document
// payloads use the store's snake_case property names; nothing of that shape
// leaks past this package.
package docstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/tracelight/tracelight/internal/core/domain"
)

const backendName = "document"

// Document classes.
const (
	classTrace        = "Trace"
	classObservation  = "Observation"
	classEvaluation   = "Evaluation"
	classRun          = "ExperimentRun"
	classDatasetEntry = "DatasetEntry"
)

// Backend serves analytics queries from the document store.
type Backend struct {
	client *weaviate.Client
	retry  RetryPolicy
	logger zerolog.Logger
}

// NewClient builds the underlying store client.
func NewClient(scheme, host string) (*weaviate.Client, error) {
	client, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: host})
	if err != nil {
		return nil, fmt.Errorf("create document store client: %w", err)
	}
	return client, nil
}

func New(client *weaviate.Client, retry RetryPolicy, logger zerolog.Logger) *Backend {
	return &Backend{client: client, retry: retry, logger: logger}
}

func (b *Backend) Name() string { return backendName }

// Enabled reports store reachability.
func (b *Backend) Enabled(ctx context.Context, projectID string) bool {
	if b == nil || b.client == nil {
		return false
	}
	ready, err := b.client.Misc().ReadyChecker().Do(ctx)
	return err == nil && ready
}

// Timeseries fetches the documents in range and aggregates them in process
// into the same canonical shape the columnar backend produces.
func (b *Backend) Timeseries(ctx context.Context, q domain.TimeseriesQuery) (*domain.TimeseriesResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	docs, err := b.fetchQuerySet(ctx, querySetSpec{
		projectID: q.ProjectID,
		from:      q.PreviousStart,
		to:        q.End,
		filters:   q.Filters.WithoutEmpty(),
		needs:     neededClasses(q),
	})
	if err != nil {
		return nil, &domain.QueryError{Op: "timeseries", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	points := aggregateTimeseries(docs, q)
	return mapTimeseries(points, q), nil
}

// FilterOptions enumerates distinct values of one filter field by scanning
// the documents in range.
func (b *Backend) FilterOptions(ctx context.Context, q domain.FilterOptionsQuery) (*domain.FilterDataResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	field, ok := filterField(q.Field)
	if !ok || field.nested {
		// Fields outside the filter role and non-enumerable nested maps yield
		// an empty option list, the same zero-row behavior the columnar
		// compiler produces.
		return &domain.FilterDataResult{Options: []domain.FilterOption{}}, nil
	}
	docs, err := b.fetchQuerySet(ctx, querySetSpec{
		projectID: q.ProjectID,
		from:      q.Start,
		to:        q.End,
		filters:   q.Filters.WithoutEmpty(),
		needs:     classSet{field.class: true},
	})
	if err != nil {
		return nil, &domain.QueryError{Op: "filter_options", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	return aggregateFilterOptions(docs, q, field), nil
}
