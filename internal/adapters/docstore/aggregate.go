package docstore

import (
	"sort"
	"strconv"
	"time"

	"github.com/tracelight/tracelight/internal/core/domain"
)

// nativePoint is the adapter's internal long-format row, the in-process
// counterpart of one aggregated result cell. Timestamps stay in the store's
// millisecond format until the mapper normalizes them.
type nativePoint struct {
	Period   string
	BucketMs int64
	Group    string
	Metric   string
	Value    float64
}

// sample is one contributing document occurrence for a series: the bucket it
// falls in, its group value and the metric (and optional pipeline) readings.
type sample struct {
	period   string
	bucketMs int64
	group    string
	str      string
	num      *float64
	pipeStr  string
}

// aggregateTimeseries computes every requested series over the fetched
// documents. The document store has no aggregation pipeline for this shape
// of query, so the arithmetic the columnar engine does in SQL happens here.
func aggregateTimeseries(set *querySet, q domain.TimeseriesQuery) []nativePoint {
	var points []nativePoint
	for _, series := range q.Series {
		samples := collectSamples(set, q, series)
		if series.Pipeline != nil {
			points = append(points, aggregatePipeline(samples, series)...)
		} else {
			points = append(points, aggregateSimple(samples, series)...)
		}
	}
	return points
}

type cellKey struct {
	period   string
	bucketMs int64
	group    string
}

func aggregateSimple(samples []sample, series domain.MetricSeries) []nativePoint {
	cells := map[cellKey][]sample{}
	for _, s := range samples {
		k := cellKey{s.period, s.bucketMs, s.group}
		cells[k] = append(cells[k], s)
	}
	return cellsToPoints(cells, series.Key(), series.Aggregation)
}

// aggregatePipeline applies the two-stage aggregation: the series
// aggregation per distinct pipeline-field value, then the pipeline
// aggregation across those intermediates.
func aggregatePipeline(samples []sample, series domain.MetricSeries) []nativePoint {
	type pipeKey struct {
		cell cellKey
		pipe string
	}
	inner := map[pipeKey][]sample{}
	for _, s := range samples {
		k := pipeKey{cellKey{s.period, s.bucketMs, s.group}, s.pipeStr}
		inner[k] = append(inner[k], s)
	}

	intermediates := map[cellKey][]float64{}
	for k, group := range inner {
		v, ok := applyAggregation(series.Aggregation, group)
		if !ok {
			continue
		}
		intermediates[k.cell] = append(intermediates[k.cell], v)
	}

	var points []nativePoint
	for cell, vals := range intermediates {
		v, ok := reduce(series.Pipeline.Aggregation, vals)
		if !ok {
			continue
		}
		points = append(points, nativePoint{
			Period: cell.period, BucketMs: cell.bucketMs, Group: cell.group,
			Metric: series.Key(), Value: v,
		})
	}
	sortPoints(points)
	return points
}

func cellsToPoints(cells map[cellKey][]sample, metricKey string, agg domain.Aggregation) []nativePoint {
	points := make([]nativePoint, 0, len(cells))
	for cell, group := range cells {
		v, ok := applyAggregation(agg, group)
		if !ok {
			continue
		}
		points = append(points, nativePoint{
			Period: cell.period, BucketMs: cell.bucketMs, Group: cell.group,
			Metric: metricKey, Value: v,
		})
	}
	sortPoints(points)
	return points
}

func sortPoints(points []nativePoint) {
	sort.Slice(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		if a.BucketMs != b.BucketMs {
			return a.BucketMs < b.BucketMs
		}
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Metric < b.Metric
	})
}

// applyAggregation reduces a cell's samples to one value. Count-style
// aggregations count documents that carried the field at all; numeric
// aggregations skip documents without a numeric reading, matching how the
// columnar engine ignores NULLs.
func applyAggregation(agg domain.Aggregation, samples []sample) (float64, bool) {
	switch agg {
	case domain.AggregationCount, domain.AggregationValueCount:
		n := 0
		for _, s := range samples {
			if s.str != "" || s.num != nil {
				n++
			}
		}
		return float64(n), true
	case domain.AggregationCardinality:
		distinct := map[string]struct{}{}
		for _, s := range samples {
			key := s.str
			if key == "" && s.num != nil {
				key = strconv.FormatFloat(*s.num, 'f', -1, 64)
			}
			if key != "" {
				distinct[key] = struct{}{}
			}
		}
		return float64(len(distinct)), true
	default:
		var nums []float64
		for _, s := range samples {
			if s.num != nil {
				nums = append(nums, *s.num)
			}
		}
		return reduce(agg, nums)
	}
}

func reduce(agg domain.Aggregation, vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	switch agg {
	case domain.AggregationCount, domain.AggregationValueCount, domain.AggregationCardinality:
		return float64(len(vals)), true
	case domain.AggregationSum:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return sum, true
	case domain.AggregationAvg:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals)), true
	case domain.AggregationMin:
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m, true
	case domain.AggregationMax:
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m, true
	}
	return 0, false
}

// collectSamples walks the working set and emits one sample per contributing
// document occurrence of the series' metric field. Identifiers outside their
// registry role emit nothing, so the series resolves to zeros exactly where
// the columnar compiler emits its statically-false arm.
func collectSamples(set *querySet, q domain.TimeseriesQuery, series domain.MetricSeries) []sample {
	metric, ok := metricField(series.Metric)
	if !ok {
		return nil
	}
	var pipe docField
	if series.Pipeline != nil {
		pipe, ok = pipelineField(series.Pipeline.Field)
		if !ok {
			return nil
		}
	}
	var group docField
	grouped := q.GroupBy != ""
	if grouped {
		group, ok = groupField(q.GroupBy)
		if !ok {
			return nil
		}
	}
	fm := q.Filters.WithoutEmpty()
	currentStartMs := q.Start.UnixMilli()

	var samples []sample
	for _, tr := range set.traces {
		period, periodStart := "current", q.Start
		if tr.StartTime < currentStartMs {
			period, periodStart = "previous", q.PreviousStart
		}
		bucketMs := domain.TruncateToBucket(time.UnixMilli(tr.StartTime).UTC(), q.Scale, periodStart).UnixMilli()

		obs := matchingObservations(set.observations[tr.ID], fm)
		evals := matchingEvaluations(set.evaluations[tr.ID], fm)
		if dropsTrace(fm, len(obs), len(evals)) {
			continue
		}

		emit := func(o *obsDoc, e *evalDoc) {
			base := sample{period: period, bucketMs: bucketMs}
			base.str = fieldString(metric, tr, o, e)
			base.num = fieldNumber(metric, tr, o, e)
			if series.Pipeline != nil {
				base.pipeStr = pipeValue(pipe, tr, o, e)
			}
			if !grouped {
				samples = append(samples, base)
				return
			}
			for _, g := range groupValues(group, tr, o, e, obs, evals) {
				s := base
				s.group = g
				samples = append(samples, s)
			}
		}

		switch metric.class {
		case classTrace:
			emit(nil, nil)
		case classObservation:
			for i := range obs {
				emit(&obs[i], nil)
			}
		case classEvaluation:
			for i := range evals {
				emit(nil, &evals[i])
			}
		}
	}
	return samples
}

// pipeValue reads the pipeline grouping key, preferring the string form.
func pipeValue(f docField, tr traceDoc, o *obsDoc, e *evalDoc) string {
	if s := fieldString(f, tr, o, e); s != "" {
		return s
	}
	if n := fieldNumber(f, tr, o, e); n != nil {
		return strconv.FormatFloat(*n, 'f', -1, 64)
	}
	return ""
}

// groupValues resolves the group dimension for one sample. List dimensions
// fan the sample out once per element. When the dimension lives on a side
// document the unit sample does not carry, it fans out across the trace's
// matching side documents.
func groupValues(f docField, tr traceDoc, o *obsDoc, e *evalDoc, obs []obsDoc, evals []evalDoc) []string {
	if f.list {
		return fieldStrings(f, tr)
	}
	switch f.class {
	case classTrace:
		return []string{fieldString(f, tr, nil, nil)}
	case classObservation:
		if o != nil {
			return []string{fieldString(f, tr, o, nil)}
		}
		out := make([]string, 0, len(obs))
		for i := range obs {
			out = append(out, fieldString(f, tr, &obs[i], nil))
		}
		return out
	case classEvaluation:
		if e != nil {
			return []string{fieldString(f, tr, nil, e)}
		}
		out := make([]string, 0, len(evals))
		for i := range evals {
			out = append(out, fieldString(f, tr, nil, &evals[i]))
		}
		return out
	}
	return nil
}

// dropsTrace applies side-document filters at the trace level: a filter on
// observation or evaluation fields excludes traces with no matching side
// document, the document-model equivalent of an inner-join predicate.
func dropsTrace(fm domain.FilterMap, matchingObs, matchingEvals int) bool {
	for id := range fm {
		f, ok := filterField(id)
		if !ok {
			continue
		}
		if f.class == classObservation && matchingObs == 0 {
			return true
		}
		if f.class == classEvaluation && matchingEvals == 0 {
			return true
		}
	}
	return false
}

func matchingObservations(obs []obsDoc, fm domain.FilterMap) []obsDoc {
	out := obs[:0:0]
	for _, o := range obs {
		if sideMatches(fm, classObservation, func(f docField) string {
			return fieldString(f, traceDoc{}, &o, nil)
		}) {
			out = append(out, o)
		}
	}
	return out
}

func matchingEvaluations(evals []evalDoc, fm domain.FilterMap) []evalDoc {
	out := evals[:0:0]
	for _, e := range evals {
		if sideMatches(fm, classEvaluation, func(f docField) string {
			return fieldString(f, traceDoc{}, nil, &e)
		}) {
			out = append(out, e)
		}
	}
	return out
}

func sideMatches(fm domain.FilterMap, class string, read func(docField) string) bool {
	for id, fv := range fm {
		f, ok := filterField(id)
		if !ok || f.class != class {
			continue
		}
		got := read(f)
		wanted := fv.Values
		if len(wanted) == 0 && fv.String != "" {
			wanted = []string{fv.String}
		}
		if len(wanted) > 0 && !containsString(wanted, got) {
			return false
		}
	}
	return true
}

// aggregateFilterOptions counts distinct values of one field across the
// working set, descending by count with label as the tiebreaker.
func aggregateFilterOptions(set *querySet, q domain.FilterOptionsQuery, field docField) *domain.FilterDataResult {
	counts := map[string]float64{}
	bump := func(v string) {
		if v != "" {
			counts[v]++
		}
	}
	for _, tr := range set.traces {
		switch {
		case field.list:
			for _, v := range fieldStrings(field, tr) {
				bump(v)
			}
		case field.class == classTrace:
			bump(fieldString(field, tr, nil, nil))
		case field.class == classObservation:
			for i := range set.observations[tr.ID] {
				bump(fieldString(field, tr, &set.observations[tr.ID][i], nil))
			}
		case field.class == classEvaluation:
			for i := range set.evaluations[tr.ID] {
				bump(fieldString(field, tr, nil, &set.evaluations[tr.ID][i]))
			}
		}
	}

	options := make([]domain.FilterOption, 0, len(counts))
	for label, count := range counts {
		options = append(options, domain.FilterOption{Field: q.Field, Label: label, Count: count})
	}
	sort.Slice(options, func(i, j int) bool {
		if options[i].Count != options[j].Count {
			return options[i].Count > options[j].Count
		}
		return options[i].Label < options[j].Label
	})
	if q.Limit > 0 && len(options) > q.Limit {
		options = options[:q.Limit]
	}
	return &domain.FilterDataResult{Options: options}
}
