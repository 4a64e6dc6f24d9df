package domain

import "time"

// QueryResult is the tagged union of the two analytic result shapes. The
// concrete type is decided once, at the mapping boundary; downstream code
// (facade, comparator) pattern-matches instead of probing fields.
type QueryResult interface {
	queryResult()
}

// Bucket holds the aggregated metric values for one time interval (or for a
// whole period when the query ran at full granularity).
type Bucket struct {
	Date    time.Time          `json:"date"`
	Metrics map[string]float64 `json:"metrics"`
	// Groups is populated instead of Metrics when the query grouped by a
	// dimension: group value -> metric key -> value.
	Groups map[string]map[string]float64 `json:"groups,omitempty"`
}

// TimeseriesResult is the canonical output of a timeseries query. Each
// period is a gap-free grid: one bucket per calendar sub-interval implied by
// the time scale, zero-valued where no rows matched.
type TimeseriesResult struct {
	CurrentPeriod  []Bucket `json:"currentPeriod"`
	PreviousPeriod []Bucket `json:"previousPeriod"`
}

func (*TimeseriesResult) queryResult() {}

// FilterOption is one distinct value of a filter field and how often it
// occurred in the queried range.
type FilterOption struct {
	Field string  `json:"field"`
	Label string  `json:"label"`
	Count float64 `json:"count"`
}

// FilterDataResult lists filter options sorted by descending count.
type FilterDataResult struct {
	Options []FilterOption `json:"options"`
}

func (*FilterDataResult) queryResult() {}

// BucketGrid returns the bucket start times covering [from, to] at the given
// scale. Full scale yields a single bucket anchored at the period start.
// Minute scales truncate to interval boundaries so both backends land rows
// in identical buckets.
func BucketGrid(from, to time.Time, scale TimeScale) []time.Time {
	if scale.IsFull() {
		return []time.Time{from.UTC()}
	}
	step := time.Duration(scale.Minutes()) * time.Minute
	start := from.UTC().Truncate(step)
	var grid []time.Time
	for ts := start; !ts.After(to.UTC()); ts = ts.Add(step) {
		grid = append(grid, ts)
	}
	if len(grid) == 0 {
		grid = append(grid, start)
	}
	return grid
}

// TruncateToBucket maps a row timestamp onto its bucket start.
func TruncateToBucket(ts time.Time, scale TimeScale, periodStart time.Time) time.Time {
	if scale.IsFull() {
		return periodStart.UTC()
	}
	step := time.Duration(scale.Minutes()) * time.Minute
	return ts.UTC().Truncate(step)
}

// NewBucketGrid builds zero-filled buckets for every grid point, seeding
// each requested metric key at 0 so consumers never see missing keys.
func NewBucketGrid(times []time.Time, metricKeys []string, grouped bool) []Bucket {
	buckets := make([]Bucket, len(times))
	for i, ts := range times {
		b := Bucket{Date: ts}
		if grouped {
			b.Groups = map[string]map[string]float64{}
		} else {
			b.Metrics = make(map[string]float64, len(metricKeys))
			for _, k := range metricKeys {
				b.Metrics[k] = 0
			}
		}
		buckets[i] = b
	}
	return buckets
}
