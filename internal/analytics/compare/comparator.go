// Package compare detects divergence between the two backends' results
// during the migration window. Discrepancies are advisory: they are logged
// and counted, never surfaced to callers and never fail a request.
package compare

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tracelight/tracelight/internal/core/domain"
)

const (
	// labelA and labelB name the two inputs in discrepancy messages. By
	// convention the facade passes the document result first and the
	// columnar result second.
	labelA = "document"
	labelB = "columnar"

	defaultTolerancePct = 0.05
	defaultMinAbsDiff   = 1.0
	defaultMaxReported  = 20
)

// Config tunes the comparator. Zero values fall back to defaults.
type Config struct {
	// TolerancePct is the allowed relative deviation (0.05 = 5%).
	TolerancePct float64
	// MinAbsDiff is the absolute deviation always tolerated, so single-unit
	// noise near zero never reports.
	MinAbsDiff float64
	// MaxReported caps how many discrepancy strings one comparison logs.
	MaxReported int
}

// Comparator holds read-only configuration and is safe for concurrent use.
type Comparator struct {
	tolerancePct float64
	minAbsDiff   float64
	maxReported  int
	logger       zerolog.Logger
	observe      func(operation string, count int)
}

// New builds a comparator. The observe callback (optional) receives the
// discrepancy count per comparison, for metrics.
func New(cfg Config, logger zerolog.Logger, observe func(operation string, count int)) *Comparator {
	c := &Comparator{
		tolerancePct: cfg.TolerancePct,
		minAbsDiff:   cfg.MinAbsDiff,
		maxReported:  cfg.MaxReported,
		logger:       logger,
		observe:      observe,
	}
	if c.tolerancePct <= 0 {
		c.tolerancePct = defaultTolerancePct
	}
	if c.minAbsDiff <= 0 {
		c.minAbsDiff = defaultMinAbsDiff
	}
	if c.maxReported <= 0 {
		c.maxReported = defaultMaxReported
	}
	return c
}

// FindDiscrepancies compares two canonical results of the same logical
// query. Mismatched or unrecognized shapes yield nothing: the comparator is
// advisory, not a contract enforcer.
func (c *Comparator) FindDiscrepancies(a, b domain.QueryResult) []string {
	switch av := a.(type) {
	case *domain.TimeseriesResult:
		if bv, ok := b.(*domain.TimeseriesResult); ok && av != nil && bv != nil {
			return c.compareTimeseries(av, bv)
		}
	case *domain.FilterDataResult:
		if bv, ok := b.(*domain.FilterDataResult); ok && av != nil && bv != nil {
			return c.compareFilterData(av, bv)
		}
	}
	return nil
}

func (c *Comparator) compareTimeseries(a, b *domain.TimeseriesResult) []string {
	var out []string
	out = append(out, c.comparePeriod("current", a.CurrentPeriod, b.CurrentPeriod)...)
	out = append(out, c.comparePeriod("previous", a.PreviousPeriod, b.PreviousPeriod)...)
	return out
}

func (c *Comparator) comparePeriod(period string, a, b []domain.Bucket) []string {
	var out []string
	if len(a) != len(b) {
		// Always reported, independent of numeric tolerance.
		out = append(out, fmt.Sprintf("%s period bucket count differs: %s has %d, %s has %d",
			period, labelA, len(a), labelB, len(b)))
	}
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		out = append(out, c.compareBucket(period, i, a[i], b[i])...)
	}
	return out
}

func (c *Comparator) compareBucket(period string, idx int, a, b domain.Bucket) []string {
	var out []string
	for _, key := range unionKeys(a.Metrics, b.Metrics) {
		av, bv := a.Metrics[key], b.Metrics[key]
		if !c.matches(av, bv) {
			out = append(out, fmt.Sprintf("%s bucket %d (%s) metric %s: %s=%v %s=%v",
				period, idx, a.Date.UTC().Format("2006-01-02T15:04:05Z"), key, labelA, av, labelB, bv))
		}
	}
	for _, group := range unionGroupKeys(a.Groups, b.Groups) {
		am, bm := a.Groups[group], b.Groups[group]
		for _, key := range unionKeys(am, bm) {
			av, bv := am[key], bm[key]
			if !c.matches(av, bv) {
				out = append(out, fmt.Sprintf("%s bucket %d group %s metric %s: %s=%v %s=%v",
					period, idx, group, key, labelA, av, labelB, bv))
			}
		}
	}
	return out
}

func (c *Comparator) compareFilterData(a, b *domain.FilterDataResult) []string {
	var out []string
	if len(a.Options) != len(b.Options) {
		out = append(out, fmt.Sprintf("filter option count differs: %s has %d, %s has %d",
			labelA, len(a.Options), labelB, len(b.Options)))
	}
	byKey := func(opts []domain.FilterOption) map[string]float64 {
		m := make(map[string]float64, len(opts))
		for _, o := range opts {
			m[o.Field+"/"+o.Label] = o.Count
		}
		return m
	}
	am, bm := byKey(a.Options), byKey(b.Options)
	for _, key := range unionKeys(am, bm) {
		av, aok := am[key]
		bv, bok := bm[key]
		if !aok || !bok {
			// Presence mismatch already covered by the count line unless
			// both sides are the same length with different labels.
			if len(a.Options) == len(b.Options) {
				out = append(out, fmt.Sprintf("filter option %s present only in %s", key, onlyIn(aok)))
			}
			continue
		}
		if !c.matches(av, bv) {
			out = append(out, fmt.Sprintf("filter option %s count: %s=%v %s=%v", key, labelA, av, labelB, bv))
		}
	}
	return out
}

// matches applies the tolerance rule: values agree when
// |a-b| <= max(|a| * tolerancePct, minAbsDiff).
func (c *Comparator) matches(a, b float64) bool {
	return math.Abs(a-b) <= math.Max(math.Abs(a)*c.tolerancePct, c.minAbsDiff)
}

// Compare is the logging entry point used by the facade in dual mode. The
// input is redacted down to structure (no tenant id, no filter or series
// values); discrepancy output is capped to bound log volume.
func (c *Comparator) Compare(operation string, input Input, a, b domain.QueryResult) []string {
	// Correlates the log line with downstream alerting without exposing
	// anything about the query itself.
	comparisonID := uuid.NewString()

	discrepancies := c.FindDiscrepancies(a, b)
	if c.observe != nil {
		c.observe(operation, len(discrepancies))
	}
	if len(discrepancies) == 0 {
		c.logger.Debug().
			Str("comparison_id", comparisonID).
			Str("operation", operation).
			Dict("input", input.structure()).
			Dict("sample_a", sample(a)).
			Dict("sample_b", sample(b)).
			Msg("backend results match")
		return nil
	}

	reported := discrepancies
	truncated := 0
	if len(reported) > c.maxReported {
		truncated = len(reported) - c.maxReported
		reported = reported[:c.maxReported]
	}
	c.logger.Warn().
		Str("comparison_id", comparisonID).
		Str("operation", operation).
		Dict("input", input.structure()).
		Dict("sample_a", sample(a)).
		Dict("sample_b", sample(b)).
		Strs("discrepancies", reported).
		Int("discrepancy_count", len(discrepancies)).
		Int("truncated", truncated).
		Msg("backend results diverge")
	return discrepancies
}

// Input is the redacted description of the compared query: structure and
// sizes only, never tenant ids or filter/series values.
type Input struct {
	Operation    string
	SeriesCount  int
	FilterFields []string
	GroupBy      string
	Scale        string
}

// InputFromTimeseries strips a timeseries query down to loggable structure.
func InputFromTimeseries(q domain.TimeseriesQuery) Input {
	fields := q.Filters.FieldNames()
	sort.Strings(fields)
	return Input{
		Operation:    "timeseries",
		SeriesCount:  len(q.Series),
		FilterFields: fields,
		GroupBy:      q.GroupBy,
		Scale:        q.Scale.String(),
	}
}

// InputFromFilterOptions strips a filter-options query down to loggable
// structure.
func InputFromFilterOptions(q domain.FilterOptionsQuery) Input {
	fields := q.Filters.FieldNames()
	sort.Strings(fields)
	return Input{
		Operation:    "filter_options",
		FilterFields: fields,
	}
}

func (in Input) structure() *zerolog.Event {
	return zerolog.Dict().
		Str("operation", in.Operation).
		Int("series_count", in.SeriesCount).
		Strs("filter_fields", in.FilterFields).
		Str("group_by", in.GroupBy).
		Str("scale", in.Scale)
}

// sample emits a structural fingerprint of a result: bucket counts and the
// first bucket's key set, never values.
func sample(r domain.QueryResult) *zerolog.Event {
	d := zerolog.Dict()
	switch v := r.(type) {
	case *domain.TimeseriesResult:
		if v == nil {
			return d.Str("shape", "nil")
		}
		d = d.Str("shape", "timeseries").
			Int("current_buckets", len(v.CurrentPeriod)).
			Int("previous_buckets", len(v.PreviousPeriod))
		if len(v.CurrentPeriod) > 0 {
			d = d.Strs("first_bucket_keys", sortedKeys(v.CurrentPeriod[0].Metrics))
		}
	case *domain.FilterDataResult:
		if v == nil {
			return d.Str("shape", "nil")
		}
		d = d.Str("shape", "filter_data").Int("options", len(v.Options))
	default:
		d = d.Str("shape", "unknown")
	}
	return d
}

func unionKeys(a, b map[string]float64) []string {
	set := map[string]struct{}{}
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionGroupKeys(a, b map[string]map[string]float64) []string {
	set := map[string]struct{}{}
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func onlyIn(inA bool) string {
	if inA {
		return labelA
	}
	return labelB
}
