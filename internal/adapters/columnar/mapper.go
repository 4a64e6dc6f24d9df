package columnar

import (
	"time"

	"github.com/tracelight/tracelight/internal/core/domain"
)

// mapTimeseries assembles long-format rows into the canonical gap-free
// result. Buckets are pre-seeded from the calendar grid so intervals with no
// rows come back zero-valued instead of missing, and both backends produce
// identical bucket counts for the same query.
func mapTimeseries(rows []seriesRow, q domain.TimeseriesQuery) *domain.TimeseriesResult {
	grouped := q.GroupBy != ""
	keys := q.MetricKeys()

	currentTimes := domain.BucketGrid(q.Start, q.End, q.Scale)
	// The previous period ends just before the current one starts; an
	// inclusive grid up to q.Start would mint one bucket too many.
	previousTimes := domain.BucketGrid(q.PreviousStart, q.Start.Add(-time.Nanosecond), q.Scale)

	current := domain.NewBucketGrid(currentTimes, keys, grouped)
	previous := domain.NewBucketGrid(previousTimes, keys, grouped)
	currentIdx := indexBuckets(current)
	previousIdx := indexBuckets(previous)

	for _, r := range rows {
		buckets, idx, periodStart := current, currentIdx, currentTimes[0]
		if r.Period == "previous" {
			buckets, idx, periodStart = previous, previousIdx, previousTimes[0]
		}
		ts := periodStart
		if r.BucketTS.Valid {
			ts = domain.TruncateToBucket(r.BucketTS.Time, q.Scale, periodStart)
		}
		i, ok := idx[ts.Unix()]
		if !ok {
			continue
		}
		b := &buckets[i]
		if grouped {
			group := r.GroupValue.String
			if b.Groups[group] == nil {
				b.Groups[group] = seededMetrics(keys)
			}
			b.Groups[group][r.Metric] = r.Value.Float64
		} else {
			b.Metrics[r.Metric] = r.Value.Float64
		}
	}

	return &domain.TimeseriesResult{CurrentPeriod: current, PreviousPeriod: previous}
}

func indexBuckets(buckets []domain.Bucket) map[int64]int {
	idx := make(map[int64]int, len(buckets))
	for i, b := range buckets {
		idx[b.Date.Unix()] = i
	}
	return idx
}

func seededMetrics(keys []string) map[string]float64 {
	m := make(map[string]float64, len(keys))
	for _, k := range keys {
		m[k] = 0
	}
	return m
}

// mapFilterOptions keeps the store's count-descending order.
func mapFilterOptions(rows []optionRow, field string) *domain.FilterDataResult {
	res := &domain.FilterDataResult{Options: make([]domain.FilterOption, 0, len(rows))}
	for _, r := range rows {
		res.Options = append(res.Options, domain.FilterOption{
			Field: field,
			Label: r.Label,
			Count: r.Count,
		})
	}
	return res
}

// columnar timestamp layouts, most specific first. The driver hands back
// TIMESTAMP columns cast to VARCHAR in the run queries.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// parseTimestamp converts a store-native timestamp string to canonical Unix
// milliseconds. Store timestamps are wall-clock UTC without an offset.
func parseTimestamp(s string) (int64, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}
