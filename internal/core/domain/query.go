package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MetricID identifies a logical metric field using dotted notation,
// e.g. "trace.id" or "observation.total_tokens". Resolution to a physical
// column (and any required join) happens in the metric registry.
type MetricID string

// Aggregation is the first-order aggregation applied to a metric column.
type Aggregation string

const (
	AggregationCount       Aggregation = "count"
	AggregationSum         Aggregation = "sum"
	AggregationAvg         Aggregation = "avg"
	AggregationMin         Aggregation = "min"
	AggregationMax         Aggregation = "max"
	AggregationCardinality Aggregation = "cardinality"
	AggregationValueCount  Aggregation = "value_count"
)

// Valid reports whether the aggregation is one of the supported kinds.
func (a Aggregation) Valid() bool {
	switch a {
	case AggregationCount, AggregationSum, AggregationAvg, AggregationMin,
		AggregationMax, AggregationCardinality, AggregationValueCount:
		return true
	}
	return false
}

// PipelineSpec describes a second-order aggregation applied over the
// first-order result, pre-grouped by Field. Example: cardinality of
// trace ids per user, then averaged across users.
type PipelineSpec struct {
	Field       string      `json:"field"`
	Aggregation Aggregation `json:"aggregation"`
}

// MetricSeries is one requested metric+aggregation within a query.
type MetricSeries struct {
	Metric      MetricID      `json:"metric"`
	Aggregation Aggregation   `json:"aggregation"`
	Pipeline    *PipelineSpec `json:"pipeline,omitempty"`
}

// Key derives the canonical metric key for this series. The key is the
// currency between compiler output, mappers and the comparator, so it must
// be deterministic: metric/aggregation[/pipelineField/pipelineAggregation].
func (s MetricSeries) Key() string {
	if s.Pipeline != nil {
		return fmt.Sprintf("%s/%s/%s/%s", s.Metric, s.Aggregation, s.Pipeline.Field, s.Pipeline.Aggregation)
	}
	return fmt.Sprintf("%s/%s", s.Metric, s.Aggregation)
}

// TimeScale is either a positive bucket width in minutes or the "full"
// sentinel, which collapses each period into a single bucket.
type TimeScale struct {
	minutes int
	full    bool
}

func TimeScaleMinutes(n int) TimeScale { return TimeScale{minutes: n} }
func TimeScaleFull() TimeScale         { return TimeScale{full: true} }

func (t TimeScale) IsFull() bool { return t.full }
func (t TimeScale) Minutes() int { return t.minutes }

func (t TimeScale) String() string {
	if t.full {
		return "full"
	}
	return fmt.Sprintf("%dm", t.minutes)
}

// UnmarshalJSON accepts either a number of minutes (30) or the string "full".
func (t *TimeScale) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "full" {
			return fmt.Errorf("invalid time scale %q", s)
		}
		*t = TimeScaleFull()
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid time scale: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("time scale minutes must be positive, got %d", n)
	}
	*t = TimeScaleMinutes(n)
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (t TimeScale) MarshalJSON() ([]byte, error) {
	if t.full {
		return json.Marshal("full")
	}
	return json.Marshal(t.minutes)
}

// FilterValue is one filter entry: a scalar string, a list of strings, or a
// nested map of string lists (used for metadata key/value filters). Exactly
// one of the three forms is populated.
type FilterValue struct {
	String string
	Values []string
	Nested map[string][]string
}

// IsEmpty reports whether the value is semantically unset: empty string,
// empty (or all-blank) list, empty map, or a map whose lists are all empty.
func (v FilterValue) IsEmpty() bool {
	if v.String != "" {
		return false
	}
	for _, s := range v.Values {
		if s != "" {
			return false
		}
	}
	for _, vals := range v.Nested {
		for _, s := range vals {
			if s != "" {
				return false
			}
		}
	}
	return true
}

// UnmarshalJSON accepts "a", ["a","b"] or {"k":["a"]}.
func (v *FilterValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = FilterValue{String: s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*v = FilterValue{Values: list}
		return nil
	}
	var nested map[string][]string
	if err := json.Unmarshal(data, &nested); err == nil {
		*v = FilterValue{Nested: nested}
		return nil
	}
	return errors.New("filter value must be a string, a string array, or a map of string arrays")
}

// MarshalJSON mirrors UnmarshalJSON.
func (v FilterValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Nested != nil:
		return json.Marshal(v.Nested)
	case v.Values != nil:
		return json.Marshal(v.Values)
	default:
		return json.Marshal(v.String)
	}
}

// FilterMap maps a filter-field identifier to its requested value(s).
type FilterMap map[string]FilterValue

// WithoutEmpty returns a copy with all semantically-unset entries dropped.
// Blank strings inside lists and maps are pruned as well. Idempotent.
func (m FilterMap) WithoutEmpty() FilterMap {
	if len(m) == 0 {
		return FilterMap{}
	}
	out := make(FilterMap, len(m))
	for field, v := range m {
		if v.IsEmpty() {
			continue
		}
		cleaned := FilterValue{String: v.String}
		for _, s := range v.Values {
			if s != "" {
				cleaned.Values = append(cleaned.Values, s)
			}
		}
		for key, vals := range v.Nested {
			var kept []string
			for _, s := range vals {
				if s != "" {
					kept = append(kept, s)
				}
			}
			if len(kept) > 0 {
				if cleaned.Nested == nil {
					cleaned.Nested = map[string][]string{}
				}
				cleaned.Nested[key] = kept
			}
		}
		out[field] = cleaned
	}
	return out
}

// FieldNames returns the filter-field identifiers, for structural logging.
// Values are deliberately not included.
func (m FilterMap) FieldNames() []string {
	names := make([]string, 0, len(m))
	for f := range m {
		names = append(names, f)
	}
	return names
}

// TimeseriesQuery asks for aggregated metric series over a current period
// [Start, End] and a previous period [PreviousStart, Start).
type TimeseriesQuery struct {
	ProjectID     string
	Start         time.Time
	End           time.Time
	PreviousStart time.Time
	Series        []MetricSeries
	GroupBy       string
	Filters       FilterMap
	Scale         TimeScale
}

// Validate enforces the structural invariants of the query.
func (q TimeseriesQuery) Validate() error {
	if strings.TrimSpace(q.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if len(q.Series) == 0 {
		return errors.New("at least one series is required")
	}
	if q.End.Before(q.Start) {
		return errors.New("end must not be before start")
	}
	if q.PreviousStart.After(q.Start) {
		return errors.New("previous period start must not be after start")
	}
	for _, s := range q.Series {
		if !s.Aggregation.Valid() {
			return fmt.Errorf("unsupported aggregation %q", s.Aggregation)
		}
		if s.Pipeline != nil && !s.Pipeline.Aggregation.Valid() {
			return fmt.Errorf("unsupported pipeline aggregation %q", s.Pipeline.Aggregation)
		}
	}
	if !q.Scale.IsFull() && q.Scale.Minutes() <= 0 {
		return errors.New("time scale minutes must be positive")
	}
	return nil
}

// MetricKeys returns the canonical key of every requested series, in order.
func (q TimeseriesQuery) MetricKeys() []string {
	keys := make([]string, len(q.Series))
	for i, s := range q.Series {
		keys[i] = s.Key()
	}
	return keys
}

// FilterOptionsQuery asks for the distinct values of one filter field within
// a time range, with occurrence counts.
type FilterOptionsQuery struct {
	ProjectID string
	Start     time.Time
	End       time.Time
	Field     string
	Filters   FilterMap
	Limit     int
}

// Validate enforces the structural invariants of the query.
func (q FilterOptionsQuery) Validate() error {
	if strings.TrimSpace(q.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(q.Field) == "" {
		return errors.New("filter field is required")
	}
	if q.End.Before(q.Start) {
		return errors.New("end must not be before start")
	}
	return nil
}

// RunListQuery selects experiment runs for a set of experiments.
type RunListQuery struct {
	ProjectID     string
	ExperimentIDs []string
}

// RunQuery selects one experiment run.
type RunQuery struct {
	ProjectID    string
	ExperimentID string
	RunID        string
}

// CompiledQuery is the artifact handed from the compiler to an executor.
// Every dynamic value referenced by Text appears as a named $placeholder
// bound through Params; only registry-validated identifiers are ever
// concatenated into Text.
type CompiledQuery struct {
	Text   string
	Params map[string]any
}
