package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tracelight/tracelight/internal/analytics/compare"
	"github.com/tracelight/tracelight/internal/core/domain"
)

type fakeBackend struct {
	name    string
	enabled bool

	ts     *domain.TimeseriesResult
	tsErr  error
	fo     *domain.FilterDataResult
	foErr  error
	runs   []domain.ExperimentRun
	run    *domain.ExperimentRunWithItems
	runErr error

	timeseriesCalls atomic.Int32
}

func (f *fakeBackend) Name() string                                    { return f.name }
func (f *fakeBackend) Enabled(ctx context.Context, projectID string) bool { return f.enabled }

func (f *fakeBackend) Timeseries(ctx context.Context, q domain.TimeseriesQuery) (*domain.TimeseriesResult, error) {
	f.timeseriesCalls.Add(1)
	return f.ts, f.tsErr
}

func (f *fakeBackend) FilterOptions(ctx context.Context, q domain.FilterOptionsQuery) (*domain.FilterDataResult, error) {
	return f.fo, f.foErr
}

func (f *fakeBackend) ListRuns(ctx context.Context, q domain.RunListQuery) ([]domain.ExperimentRun, error) {
	return f.runs, f.runErr
}

func (f *fakeBackend) GetRun(ctx context.Context, q domain.RunQuery) (*domain.ExperimentRunWithItems, error) {
	return f.run, f.runErr
}

type fakeVersions struct {
	refs map[string]domain.WorkflowVersionRef
}

func (f *fakeVersions) GetVersions(ctx context.Context, projectID string, ids []string) (map[string]domain.WorkflowVersionRef, error) {
	return f.refs, nil
}

func validQuery() domain.TimeseriesQuery {
	return domain.TimeseriesQuery{
		ProjectID:     "proj-1",
		PreviousStart: time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC),
		Start:         time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC),
		End:           time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
		Series:        []domain.MetricSeries{{Metric: "trace.id", Aggregation: domain.AggregationCount}},
		Scale:         domain.TimeScaleMinutes(60),
	}
}

func result(v float64) *domain.TimeseriesResult {
	return &domain.TimeseriesResult{CurrentPeriod: []domain.Bucket{{
		Date:    time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC),
		Metrics: map[string]float64{"trace.id/count": v},
	}}}
}

func newService(doc, col *fakeBackend, routing RoutingConfig, observe func(string, int)) *AnalyticsService {
	return NewAnalyticsService(doc, col, nil,
		compare.New(compare.Config{}, zerolog.Nop(), observe), nil, routing, zerolog.Nop())
}

func TestTimeseries_DocumentMode(t *testing.T) {
	doc := &fakeBackend{name: "document", enabled: true, ts: result(10)}
	col := &fakeBackend{name: "columnar", enabled: true, ts: result(99)}
	svc := newService(doc, col, RoutingConfig{DefaultMode: ModeDocument}, nil)

	res, err := svc.Timeseries(context.Background(), validQuery())
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.CurrentPeriod[0].Metrics["trace.id/count"])
	assert.Equal(t, int32(0), col.timeseriesCalls.Load())
}

func TestTimeseries_DualModeColumnarAuthoritative(t *testing.T) {
	var observed int
	doc := &fakeBackend{name: "document", enabled: true, ts: result(100)}
	col := &fakeBackend{name: "columnar", enabled: true, ts: result(150)}
	svc := newService(doc, col, RoutingConfig{DefaultMode: ModeDual}, func(op string, n int) { observed = n })

	res, err := svc.Timeseries(context.Background(), validQuery())
	require.NoError(t, err)

	// Both queried, columnar answer served, divergence observed.
	assert.Equal(t, 150.0, res.CurrentPeriod[0].Metrics["trace.id/count"])
	assert.Equal(t, int32(1), doc.timeseriesCalls.Load())
	assert.Equal(t, int32(1), col.timeseriesCalls.Load())
	assert.Equal(t, 1, observed)
}

func TestTimeseries_DualModeFallsBackWhenColumnarFails(t *testing.T) {
	compared := false
	doc := &fakeBackend{name: "document", enabled: true, ts: result(100)}
	col := &fakeBackend{name: "columnar", enabled: true, tsErr: errors.New("boom")}
	svc := newService(doc, col, RoutingConfig{DefaultMode: ModeDual}, func(string, int) { compared = true })

	res, err := svc.Timeseries(context.Background(), validQuery())
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.CurrentPeriod[0].Metrics["trace.id/count"])
	assert.False(t, compared, "comparison must be skipped when one side fails")
}

func TestTimeseries_DualModeDegradesWhenColumnarDisabled(t *testing.T) {
	doc := &fakeBackend{name: "document", enabled: true, ts: result(100)}
	col := &fakeBackend{name: "columnar", enabled: false, ts: result(999)}
	svc := newService(doc, col, RoutingConfig{DefaultMode: ModeDual}, nil)

	res, err := svc.Timeseries(context.Background(), validQuery())
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.CurrentPeriod[0].Metrics["trace.id/count"])
	assert.Equal(t, int32(0), col.timeseriesCalls.Load())
}

func TestTimeseries_ColumnarModeDisabledIsError(t *testing.T) {
	doc := &fakeBackend{name: "document", enabled: true, ts: result(100)}
	col := &fakeBackend{name: "columnar", enabled: false}
	svc := newService(doc, col, RoutingConfig{DefaultMode: ModeColumnar}, nil)

	_, err := svc.Timeseries(context.Background(), validQuery())
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestTimeseries_PerProjectOverride(t *testing.T) {
	doc := &fakeBackend{name: "document", enabled: true, ts: result(10)}
	col := &fakeBackend{name: "columnar", enabled: true, ts: result(20)}
	svc := newService(doc, col, RoutingConfig{
		DefaultMode: ModeDocument,
		Overrides:   map[string]AnalyticsMode{"proj-1": ModeColumnar},
	}, nil)

	res, err := svc.Timeseries(context.Background(), validQuery())
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.CurrentPeriod[0].Metrics["trace.id/count"])

	other := validQuery()
	other.ProjectID = "proj-2"
	res, err = svc.Timeseries(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.CurrentPeriod[0].Metrics["trace.id/count"])
}

func TestTimeseries_InvalidQueryRejectedBeforeRouting(t *testing.T) {
	doc := &fakeBackend{name: "document", enabled: true}
	svc := newService(doc, nil, RoutingConfig{DefaultMode: ModeDocument}, nil)

	q := validQuery()
	q.Series = nil
	_, err := svc.Timeseries(context.Background(), q)
	require.Error(t, err)
	assert.Equal(t, int32(0), doc.timeseriesCalls.Load())
}

type queryRecord struct {
	backend   string
	operation string
	failed    bool
}

// recordingObserver is safe for the concurrent dual-read path.
type recordingObserver struct {
	mu      sync.Mutex
	records []queryRecord
}

func (r *recordingObserver) observe(backend, operation string, err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, queryRecord{backend: backend, operation: operation, failed: err != nil})
}

func TestTimeseries_ObserverRecordsBothDualQueries(t *testing.T) {
	rec := &recordingObserver{}
	doc := &fakeBackend{name: "document", enabled: true, ts: result(100)}
	col := &fakeBackend{name: "columnar", enabled: true, tsErr: errors.New("boom")}
	svc := NewAnalyticsService(doc, col, nil,
		compare.New(compare.Config{}, zerolog.Nop(), nil), rec.observe,
		RoutingConfig{DefaultMode: ModeDual}, zerolog.Nop())

	_, err := svc.Timeseries(context.Background(), validQuery())
	require.NoError(t, err)

	require.Len(t, rec.records, 2)
	byBackend := map[string]queryRecord{}
	for _, r := range rec.records {
		assert.Equal(t, "timeseries", r.operation)
		byBackend[r.backend] = r
	}
	assert.False(t, byBackend["document"].failed)
	assert.True(t, byBackend["columnar"].failed)
}

func TestTimeseries_StartsFacadeSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	doc := &fakeBackend{name: "document", enabled: true, ts: result(10)}
	svc := newService(doc, nil, RoutingConfig{DefaultMode: ModeDocument}, nil)

	_, err := svc.Timeseries(context.Background(), validQuery())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	span := spans[len(spans)-1]
	assert.Equal(t, "analytics.timeseries", span.Name())

	attrs := map[string]any{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "document", attrs["mode"])
	assert.Equal(t, int64(1), attrs["series_count"])
	// Structural attributes only, never the tenant.
	assert.NotContains(t, attrs, "project_id")
}

func TestGetRun_DualFallsBackToDocumentWhenColumnarMisses(t *testing.T) {
	wanted := &domain.ExperimentRunWithItems{ExperimentRun: domain.ExperimentRun{RunID: "run-1"}}
	doc := &fakeBackend{name: "document", enabled: true, run: wanted}
	col := &fakeBackend{name: "columnar", enabled: true, run: nil} // not ingested yet
	svc := newService(doc, col, RoutingConfig{DefaultMode: ModeDual}, nil)

	run, err := svc.GetRun(context.Background(), domain.RunQuery{ProjectID: "proj-1", ExperimentID: "exp-1", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.RunID)
}

func TestGetRun_DocumentNotFoundPropagates(t *testing.T) {
	doc := &fakeBackend{name: "document", enabled: true, runErr: domain.ErrNotFound}
	svc := newService(doc, nil, RoutingConfig{DefaultMode: ModeDocument}, nil)

	_, err := svc.GetRun(context.Background(), domain.RunQuery{ProjectID: "proj-1", ExperimentID: "exp-1", RunID: "nope"})
	assert.True(t, IsNotFound(err))
}

func TestListRuns_AttachesWorkflowVersions(t *testing.T) {
	doc := &fakeBackend{name: "document", enabled: true, runs: []domain.ExperimentRun{
		{RunID: "run-1", WorkflowVersion: &domain.WorkflowVersionRef{ID: "wfv-1"}},
		{RunID: "run-2"},
	}}
	svc := NewAnalyticsService(doc, nil,
		&fakeVersions{refs: map[string]domain.WorkflowVersionRef{
			"wfv-1": {ID: "wfv-1", Name: "support-bot", Version: 4},
		}},
		compare.New(compare.Config{}, zerolog.Nop(), nil), nil,
		RoutingConfig{DefaultMode: ModeDocument}, zerolog.Nop())

	runs, err := svc.ListRuns(context.Background(), domain.RunListQuery{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "support-bot", runs[0].WorkflowVersion.Name)
	assert.Equal(t, 4, runs[0].WorkflowVersion.Version)
	assert.Nil(t, runs[1].WorkflowVersion)
}
