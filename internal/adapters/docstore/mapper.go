package docstore

import (
	"time"

	"github.com/tracelight/tracelight/internal/core/domain"
)

// mapTimeseries normalizes aggregated points onto the canonical gap-free
// grid. Points carry millisecond bucket timestamps; the canonical shape uses
// time.Time bucket dates, identical to what the columnar mapper emits for
// the same query.
func mapTimeseries(points []nativePoint, q domain.TimeseriesQuery) *domain.TimeseriesResult {
	grouped := q.GroupBy != ""
	keys := q.MetricKeys()

	currentTimes := domain.BucketGrid(q.Start, q.End, q.Scale)
	previousTimes := domain.BucketGrid(q.PreviousStart, q.Start.Add(-time.Nanosecond), q.Scale)

	current := domain.NewBucketGrid(currentTimes, keys, grouped)
	previous := domain.NewBucketGrid(previousTimes, keys, grouped)
	currentIdx := indexBuckets(current)
	previousIdx := indexBuckets(previous)

	for _, p := range points {
		buckets, idx := current, currentIdx
		if p.Period == "previous" {
			buckets, idx = previous, previousIdx
		}
		i, ok := idx[p.BucketMs/1000]
		if !ok {
			continue
		}
		b := &buckets[i]
		if grouped {
			if b.Groups[p.Group] == nil {
				b.Groups[p.Group] = make(map[string]float64, len(keys))
				for _, k := range keys {
					b.Groups[p.Group][k] = 0
				}
			}
			b.Groups[p.Group][p.Metric] = p.Value
		} else {
			b.Metrics[p.Metric] = p.Value
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
