package columnar

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelight/tracelight/internal/core/domain"
)

func hourlyQuery() domain.TimeseriesQuery {
	return domain.TimeseriesQuery{
		ProjectID:     "proj-1",
		PreviousStart: time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC),
		Start:         time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC),
		End:           time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
		Series:        []domain.MetricSeries{{Metric: "trace.id", Aggregation: domain.AggregationCount}},
		Scale:         domain.TimeScaleMinutes(60),
	}
}

func row(period string, ts time.Time, metric string, value float64) seriesRow {
	return seriesRow{
		Period:   period,
		BucketTS: sql.NullTime{Time: ts, Valid: true},
		Metric:   metric,
		Value:    sql.NullFloat64{Float64: value, Valid: true},
	}
}

func TestMapTimeseries_GapFilling(t *testing.T) {
	q := hourlyQuery()
	rows := []seriesRow{
		row("current", time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC), "trace.id/count", 5),
		// 11:00 intentionally absent.
		row("current", time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC), "trace.id/count", 2),
	}

	res := mapTimeseries(rows, q)

	// Inclusive hourly grid over [10:00, 12:00]: three buckets.
	require.Len(t, res.CurrentPeriod, 3)
	assert.Equal(t, 5.0, res.CurrentPeriod[0].Metrics["trace.id/count"])
	assert.Equal(t, 0.0, res.CurrentPeriod[1].Metrics["trace.id/count"])
	assert.Equal(t, 2.0, res.CurrentPeriod[2].Metrics["trace.id/count"])
}

func TestMapTimeseries_PreviousPeriodExcludesCurrentStart(t *testing.T) {
	q := hourlyQuery()
	res := mapTimeseries(nil, q)

	// [08:00, 10:00): 08:00 and 09:00 only.
	require.Len(t, res.PreviousPeriod, 2)
	assert.Equal(t, time.Date(2025, 8, 1, 8, 0, 0, 0, time.UTC), res.PreviousPeriod[0].Date)
	assert.Equal(t, time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC), res.PreviousPeriod[1].Date)
	// Zero-filled, never missing keys.
	assert.Equal(t, 0.0, res.PreviousPeriod[0].Metrics["trace.id/count"])
}

func TestMapTimeseries_PreviousRowsLandInPreviousGrid(t *testing.T) {
	q := hourlyQuery()
	rows := []seriesRow{
		row("previous", time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC), "trace.id/count", 7),
	}

	res := mapTimeseries(rows, q)
	assert.Equal(t, 7.0, res.PreviousPeriod[1].Metrics["trace.id/count"])
	assert.Equal(t, 0.0, res.CurrentPeriod[0].Metrics["trace.id/count"])
}

func TestMapTimeseries_FullScaleNullBucket(t *testing.T) {
	q := hourlyQuery()
	q.Scale = domain.TimeScaleFull()
	rows := []seriesRow{
		{Period: "current", Metric: "trace.id/count", Value: sql.NullFloat64{Float64: 42, Valid: true}},
	}

	res := mapTimeseries(rows, q)
	require.Len(t, res.CurrentPeriod, 1)
	require.Len(t, res.PreviousPeriod, 1)
	assert.Equal(t, q.Start, res.CurrentPeriod[0].Date)
	assert.Equal(t, 42.0, res.CurrentPeriod[0].Metrics["trace.id/count"])
}

func TestMapTimeseries_GroupedRows(t *testing.T) {
	q := hourlyQuery()
	q.GroupBy = "trace.models"
	r := row("current", time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC), "trace.id/count", 3)
	r.GroupValue = sql.NullString{String: "gpt-4o", Valid: true}

	res := mapTimeseries([]seriesRow{r}, q)

	require.NotNil(t, res.CurrentPeriod[0].Groups)
	assert.Equal(t, 3.0, res.CurrentPeriod[0].Groups["gpt-4o"]["trace.id/count"])
	// Grouped buckets carry no flat metrics map.
	assert.Nil(t, res.CurrentPeriod[0].Metrics)
}

func TestMapFilterOptions_KeepsStoreOrder(t *testing.T) {
	res := mapFilterOptions([]optionRow{
		{Label: "gpt-4o", Count: 120},
		{Label: "claude", Count: 80},
	}, "observation.model")

	require.Len(t, res.Options, 2)
	assert.Equal(t, domain.FilterOption{Field: "observation.model", Label: "gpt-4o", Count: 120}, res.Options[0])
	assert.Equal(t, "claude", res.Options[1].Label)
}

func TestParseTimestamp(t *testing.T) {
	ms, ok := parseTimestamp("2025-08-01 10:30:00.123456")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 8, 1, 10, 30, 0, 123456000, time.UTC).UnixMilli(), ms)

	ms, ok = parseTimestamp("2025-08-01 10:30:00")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 8, 1, 10, 30, 0, 0, time.UTC).UnixMilli(), ms)

	_, ok = parseTimestamp("not a timestamp")
	assert.False(t, ok)
}
