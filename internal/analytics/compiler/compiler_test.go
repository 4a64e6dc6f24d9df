package compiler

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelight/tracelight/internal/core/domain"
)

var placeholderRe = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)

func baseQuery() domain.TimeseriesQuery {
	return domain.TimeseriesQuery{
		ProjectID:     "proj-1",
		PreviousStart: time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC),
		Start:         time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		End:           time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC),
		Series:        []domain.MetricSeries{{Metric: "trace.id", Aggregation: domain.AggregationCount}},
		Scale:         domain.TimeScaleMinutes(60),
	}
}

// every placeholder in the text is bound, and every bound param appears in
// the text.
func assertPlaceholderParity(t *testing.T, cq domain.CompiledQuery) {
	t.Helper()
	seen := map[string]bool{}
	for _, ph := range placeholderRe.FindAllString(cq.Text, -1) {
		seen[strings.TrimPrefix(ph, "$")] = true
	}
	for name := range cq.Params {
		assert.True(t, seen[name], "param %s not referenced in query text", name)
	}
	for name := range seen {
		_, ok := cq.Params[name]
		assert.True(t, ok, "placeholder $%s has no bound param", name)
	}
}

func TestCompileTimeseries_PlaceholderParity(t *testing.T) {
	c := New(nil)

	q := baseQuery()
	q.GroupBy = "trace.models"
	q.Filters = domain.FilterMap{
		"metadata.user_id": {Values: []string{"u1", "u2"}},
		"trace.metadata":   {Nested: map[string][]string{"env": {"prod"}}},
		"trace.tags":       {String: "beta"},
	}
	q.Series = append(q.Series, domain.MetricSeries{
		Metric:      "trace.id",
		Aggregation: domain.AggregationCardinality,
		Pipeline:    &domain.PipelineSpec{Field: "trace.user_id", Aggregation: domain.AggregationAvg},
	})

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)
	assertPlaceholderParity(t, cq)
}

func TestCompileTimeseries_Deterministic(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.Filters = domain.FilterMap{"metadata.user_id": {Values: []string{"u1"}}}

	first, err := c.CompileTimeseries(q)
	require.NoError(t, err)
	second, err := c.CompileTimeseries(q)
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Params, second.Params)
}

func TestCompileTimeseries_DropsEmptyFilters(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.Filters = domain.FilterMap{
		"metadata.user_id":     {String: ""},
		"metadata.customer_id": {String: "c1"},
	}

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "t.customer_id = $metadataCustomerId_0")
	assert.NotContains(t, cq.Text, "metadataUserId")
	assert.Equal(t, "c1", cq.Params["metadataCustomerId_0"])
	assertPlaceholderParity(t, cq)
}

func TestCompileTimeseries_ArrayFilterBindsSingleParam(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.Filters = domain.FilterMap{"metadata.user_id": {Values: []string{"u1", "u2", "u3"}}}

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "list_contains($metadataUserId_0, t.user_id)")
	assert.Equal(t, []string{"u1", "u2", "u3"}, cq.Params["metadataUserId_0"])
	// One array param, not three scalars.
	assert.NotContains(t, cq.Params, "metadataUserId_1")
	assert.NotContains(t, cq.Params, "metadataUserId_2")
}

func TestCompileTimeseries_NestedMetadataFilter(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.Filters = domain.FilterMap{
		"trace.metadata": {Nested: map[string][]string{"team": {"ml"}, "env": {"prod", "staging"}}},
	}

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)

	// Sorted keys: env first, then team.
	assert.Equal(t, "env", cq.Params["traceMetadata_0_key"])
	assert.Equal(t, []string{"prod", "staging"}, cq.Params["traceMetadata_0"])
	assert.Equal(t, "team", cq.Params["traceMetadata_1_key"])
	assert.Equal(t, []string{"ml"}, cq.Params["traceMetadata_1"])
	assertPlaceholderParity(t, cq)
}

func TestCompileTimeseries_UnknownFilterFieldYieldsZeroRows(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.Filters = domain.FilterMap{"metadata.no_such_field": {String: "x"}}

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)
	assert.Contains(t, cq.Text, "1 = 0")
	assertPlaceholderParity(t, cq)
}

func TestCompileTimeseries_UnknownMetricYieldsZeroRows(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.Series = []domain.MetricSeries{{Metric: "trace.no_such_metric", Aggregation: domain.AggregationCount}}

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)
	assert.Contains(t, cq.Text, "WHERE 1 = 0")
	assert.Equal(t, "trace.no_such_metric/count", cq.Params["metricKey_0"])
}

func TestCompileTimeseries_FullScalePipelineAndSimple(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.Scale = domain.TimeScaleFull()
	q.Series = []domain.MetricSeries{
		{Metric: "trace.id", Aggregation: domain.AggregationCardinality},
		{
			Metric:      "trace.id",
			Aggregation: domain.AggregationCardinality,
			Pipeline:    &domain.PipelineSpec{Field: "trace.user_id", Aggregation: domain.AggregationAvg},
		},
	}

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)

	// Pipeline series becomes its own named intermediate, unioned with the
	// simple pass.
	assert.Contains(t, cq.Text, "UNION ALL")
	assert.Contains(t, cq.Text, ") AS trace_id")
	assert.Contains(t, cq.Text, "count(DISTINCT m_0)")
	assert.Contains(t, cq.Text, "avg(pipe_value)")
	// Full scale: no time bucketing.
	assert.NotContains(t, cq.Text, "time_bucket")
	assert.Equal(t, "trace.id/cardinality", cq.Params["metricKey_0"])
	assert.Equal(t, "trace.id/cardinality/trace.user_id/avg", cq.Params["metricKey_1"])
	assertPlaceholderParity(t, cq)
}

func TestCompileTimeseries_JoinAddedOnce(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.Series = []domain.MetricSeries{
		{Metric: "observation.total_tokens", Aggregation: domain.AggregationSum},
		{Metric: "observation.cost", Aggregation: domain.AggregationSum},
	}

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(cq.Text, "observations_latest AS ("))
	assert.Equal(t, 1, strings.Count(cq.Text, "LEFT JOIN observations_latest"))
}

func TestCompileTimeseries_GroupByUnnestsListColumn(t *testing.T) {
	c := New(nil)
	q := baseQuery()
	q.GroupBy = "trace.models"

	cq, err := c.CompileTimeseries(q)
	require.NoError(t, err)
	assert.Contains(t, cq.Text, "unnest(t.models) AS group_value")
}

func TestCompileTimeseries_PeriodCaseSplit(t *testing.T) {
	c := New(nil)
	cq, err := c.CompileTimeseries(baseQuery())
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "CASE WHEN t.start_time < $currentStart THEN 'previous' ELSE 'current' END")
	assert.Contains(t, cq.Text, "t.start_time >= $previousStart")
	assert.Contains(t, cq.Text, "t.start_time <= $currentEnd")
	// Latest-row dedup guards against double counting physical versions.
	assert.Contains(t, cq.Text, "row_number() OVER (PARTITION BY tr.id ORDER BY tr.updated_at DESC)")
}

func TestCompileFilterOptions(t *testing.T) {
	c := New(nil)
	q := domain.FilterOptionsQuery{
		ProjectID: "proj-1",
		Start:     time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC),
		Field:     "observation.model",
		Filters:   domain.FilterMap{"metadata.user_id": {String: "u1"}},
		Limit:     25,
	}

	cq, err := c.CompileFilterOptions(q)
	require.NoError(t, err)

	assert.Contains(t, cq.Text, "o.model AS label")
	assert.Contains(t, cq.Text, "ORDER BY cnt DESC")
	assert.Contains(t, cq.Text, "LIMIT $limit")
	assert.Equal(t, 25, cq.Params["limit"])
	assertPlaceholderParity(t, cq)
}

func TestCompileFilterOptions_ListFieldUnnests(t *testing.T) {
	c := New(nil)
	q := domain.FilterOptionsQuery{
		ProjectID: "proj-1",
		Start:     time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC),
		Field:     "trace.tags",
	}

	cq, err := c.CompileFilterOptions(q)
	require.NoError(t, err)
	assert.Contains(t, cq.Text, "unnest(t.tags) AS label")
}

func TestIntermediateAlias(t *testing.T) {
	assert.Equal(t, "trace_id", intermediateAlias("trace.id"))
	// Leading-digit identifiers are invalid in SQL and must be prefixed.
	assert.Equal(t, "agg_4xx_rate", intermediateAlias("4xx.rate"))
	assert.Equal(t, "agg", intermediateAlias(""))
}

func TestParamPrefix(t *testing.T) {
	assert.Equal(t, "metadataUserId", paramPrefix("metadata.user_id"))
	assert.Equal(t, "traceMetadata", paramPrefix("trace.metadata"))
	assert.Equal(t, "f", paramPrefix("..."))
}
