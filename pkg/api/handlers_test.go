package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelight/tracelight/internal/analytics/compare"
	"github.com/tracelight/tracelight/internal/core/domain"
	"github.com/tracelight/tracelight/internal/core/services"
	"github.com/tracelight/tracelight/internal/telemetry"
)

type stubBackend struct {
	ts     *domain.TimeseriesResult
	tsErr  error
	run    *domain.ExperimentRunWithItems
	runErr error

	lastTimeseries domain.TimeseriesQuery
}

func (s *stubBackend) Name() string                                       { return "document" }
func (s *stubBackend) Enabled(ctx context.Context, projectID string) bool { return true }

func (s *stubBackend) Timeseries(ctx context.Context, q domain.TimeseriesQuery) (*domain.TimeseriesResult, error) {
	s.lastTimeseries = q
	return s.ts, s.tsErr
}

func (s *stubBackend) FilterOptions(ctx context.Context, q domain.FilterOptionsQuery) (*domain.FilterDataResult, error) {
	return &domain.FilterDataResult{Options: []domain.FilterOption{}}, nil
}

func (s *stubBackend) ListRuns(ctx context.Context, q domain.RunListQuery) ([]domain.ExperimentRun, error) {
	return []domain.ExperimentRun{}, nil
}

func (s *stubBackend) GetRun(ctx context.Context, q domain.RunQuery) (*domain.ExperimentRunWithItems, error) {
	return s.run, s.runErr
}

func newServer(backend *stubBackend) http.Handler {
	svc := services.NewAnalyticsService(backend, nil, nil,
		compare.New(compare.Config{}, zerolog.Nop(), nil), nil,
		services.RoutingConfig{DefaultMode: services.ModeDocument}, zerolog.Nop())
	return NewRouter(NewHandlers(svc, zerolog.Nop()), telemetry.NewMetrics(), zerolog.Nop())
}

const timeseriesBody = `{
	"startTime": 1754042400000,
	"endTime": 1754049600000,
	"series": [{"metric": "trace.id", "aggregation": "count"}],
	"timeScale": 60
}`

func TestTimeseriesEndpoint(t *testing.T) {
	backend := &stubBackend{ts: &domain.TimeseriesResult{
		CurrentPeriod: []domain.Bucket{{
			Date:    time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC),
			Metrics: map[string]float64{"trace.id/count": 7},
		}},
		PreviousPeriod: []domain.Bucket{},
	}}
	srv := newServer(backend)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/timeseries", strings.NewReader(timeseriesBody))
	req.Header.Set("X-Project-Id", "proj-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	// Bucket dates go out as RFC3339 UTC strings even though request
	// timestamps come in as epoch milliseconds.
	assert.Contains(t, rec.Body.String(), `"date":"2025-08-01T10:00:00Z"`)
	assert.Contains(t, rec.Body.String(), `"trace.id/count":7`)
	// Tenant comes from the header, not the body.
	assert.Equal(t, "proj-1", backend.lastTimeseries.ProjectID)
	// Omitted previous start defaults to a window of equal length.
	assert.Equal(t, time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC), backend.lastTimeseries.PreviousStart)
}

func TestTimeseriesEndpoint_MissingProjectHeader(t *testing.T) {
	srv := newServer(&stubBackend{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/timeseries", strings.NewReader(timeseriesBody))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-Project-Id")
}

func TestTimeseriesEndpoint_ValidationError(t *testing.T) {
	srv := newServer(&stubBackend{})

	body := `{"startTime": 1754042400000, "endTime": 1754049600000, "series": [], "timeScale": 60}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/timeseries", strings.NewReader(body))
	req.Header.Set("X-Project-Id", "proj-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimeseriesEndpoint_BackendErrorIsBadGateway(t *testing.T) {
	backend := &stubBackend{tsErr: &domain.QueryError{
		Op: "timeseries", Backend: "document", ProjectID: "proj-1",
		Err: context.DeadlineExceeded,
	}}
	srv := newServer(backend)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/timeseries", strings.NewReader(timeseriesBody))
	req.Header.Set("X-Project-Id", "proj-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGetRunEndpoint_NotFound(t *testing.T) {
	srv := newServer(&stubBackend{runErr: domain.ErrNotFound})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/experiments/exp-1/runs/missing", nil)
	req.Header.Set("X-Project-Id", "proj-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint_NoTenantRequired(t *testing.T) {
	srv := newServer(&stubBackend{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
