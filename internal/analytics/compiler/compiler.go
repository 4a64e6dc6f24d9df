// Package compiler turns declarative metric/filter query specs into
// parameterized SQL for the columnar store. Compilation is pure and
// deterministic: the same spec always yields the same text and parameter
// map. Every request-varying value is bound through a named placeholder;
// only registry-validated identifiers are concatenated into the text.
package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tracelight/tracelight/internal/analytics/registry"
	"github.com/tracelight/tracelight/internal/core/domain"
)

// falsePredicate makes a query return zero rows. Used when a requested
// metric or filter field is not in the registry: callers degrade to empty
// results instead of erroring. Lenient on purpose; see DESIGN.md.
const falsePredicate = "1 = 0"

type Compiler struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Compiler {
	if reg == nil {
		reg = registry.Default()
	}
	return &Compiler{reg: reg}
}

// CompileTimeseries builds one query that serves both periods. Rows come
// back in long form: (period, bucket_ts, group_value, metric, value), one
// named intermediate sub-select per series, UNION ALL'd. The period
// membership is a single CASE over the row timestamp, so current and
// previous cost one round trip instead of two.
func (c *Compiler) CompileTimeseries(q domain.TimeseriesQuery) (domain.CompiledQuery, error) {
	if err := q.Validate(); err != nil {
		return domain.CompiledQuery{}, err
	}

	p := newParamSet()
	projectID := p.fixed("projectId", q.ProjectID)
	previousStart := p.fixed("previousStart", q.PreviousStart.UTC())
	currentStart := p.fixed("currentStart", q.Start.UTC())
	currentEnd := p.fixed("currentEnd", q.End.UTC())

	joins := map[registry.Join]bool{}

	preds, filterJoins, unknownFilter := c.filterPredicates(p, q.Filters.WithoutEmpty())
	for j := range filterJoins {
		joins[j] = true
	}

	// Resolve series columns. Unknown metrics still get a union arm, but one
	// that is statically false so the metric key shows up nowhere.
	type seriesPlan struct {
		series     domain.MetricSeries
		column     string
		pipeColumn string
		reachable  bool
	}
	plans := make([]seriesPlan, len(q.Series))
	for i, s := range q.Series {
		plan := seriesPlan{series: s, reachable: true}
		m, ok := c.reg.Metric(s.Metric)
		if !ok {
			plan.reachable = false
		} else {
			plan.column = m.Column
			if m.Join != registry.JoinNone {
				joins[m.Join] = true
			}
		}
		if s.Pipeline != nil && plan.reachable {
			col, join, ok := c.resolveField(s.Pipeline.Field)
			if !ok {
				plan.reachable = false
			} else {
				plan.pipeColumn = col
				if join != registry.JoinNone {
					joins[join] = true
				}
			}
		}
		plans[i] = plan
	}

	// Group dimension.
	groupExpr := "CAST(NULL AS VARCHAR)"
	if q.GroupBy != "" {
		g, ok := c.reg.Group(q.GroupBy)
		if !ok {
			preds = append(preds, falsePredicate)
		} else {
			if g.Unnest {
				// List column fanned out one row per element; joining a
				// per-element child table here would double count every
				// parent aggregate.
				groupExpr = fmt.Sprintf("unnest(%s)", g.Column)
			} else {
				groupExpr = g.Column
			}
			if g.Join != registry.JoinNone {
				joins[g.Join] = true
			}
		}
	}
	if unknownFilter {
		preds = append(preds, falsePredicate)
	}

	bucketExpr := "CAST(NULL AS TIMESTAMP)"
	if !q.Scale.IsFull() {
		bucketExpr = fmt.Sprintf("time_bucket(to_minutes(%s), t.start_time)", p.fixed("bucketMinutes", q.Scale.Minutes()))
	}

	var b strings.Builder
	b.WriteString("WITH ")
	b.WriteString(c.latestTracesCTE(projectID, previousStart, currentEnd))
	if joins[registry.JoinObservations] {
		b.WriteString(",\n")
		b.WriteString(c.latestSideCTE("observations", projectID))
	}
	if joins[registry.JoinEvaluations] {
		b.WriteString(",\n")
		b.WriteString(c.latestSideCTE("evaluations", projectID))
	}

	// Base row set: period case-split, bucket truncation, group fan-out and
	// the per-series source columns, filtered once.
	b.WriteString(",\nbase AS (\n  SELECT\n")
	fmt.Fprintf(&b, "    CASE WHEN t.start_time < %s THEN 'previous' ELSE 'current' END AS period,\n", currentStart)
	fmt.Fprintf(&b, "    %s AS bucket_ts,\n", bucketExpr)
	fmt.Fprintf(&b, "    %s AS group_value", groupExpr)
	for i, plan := range plans {
		if !plan.reachable {
			continue
		}
		fmt.Fprintf(&b, ",\n    %s AS m_%d", plan.column, i)
		if plan.pipeColumn != "" {
			fmt.Fprintf(&b, ",\n    %s AS pf_%d", plan.pipeColumn, i)
		}
	}
	b.WriteString("\n  FROM traces_latest t")
	if joins[registry.JoinObservations] {
		b.WriteString("\n  LEFT JOIN observations_latest o ON o.trace_id = t.id")
	}
	if joins[registry.JoinEvaluations] {
		b.WriteString("\n  LEFT JOIN evaluations_latest e ON e.trace_id = t.id")
	}
	if len(preds) > 0 {
		b.WriteString("\n  WHERE ")
		b.WriteString(strings.Join(preds, "\n    AND "))
	}
	b.WriteString("\n)\n")

	arms := make([]string, 0, len(plans))
	for i, plan := range plans {
		keyParam := p.next("metricKey", plan.series.Key())
		if !plan.reachable {
			arms = append(arms, fmt.Sprintf(
				"SELECT period, bucket_ts, group_value, %s AS metric, CAST(0 AS DOUBLE) AS value\nFROM base\nWHERE %s\nGROUP BY period, bucket_ts, group_value",
				keyParam, falsePredicate))
			continue
		}
		if plan.series.Pipeline == nil {
			arms = append(arms, fmt.Sprintf(
				"SELECT period, bucket_ts, group_value, %s AS metric, CAST(%s AS DOUBLE) AS value\nFROM base\nGROUP BY period, bucket_ts, group_value",
				keyParam, aggExpr(plan.series.Aggregation, fmt.Sprintf("m_%d", i))))
			continue
		}
		// Pipeline metric: the second-order aggregation needs the first-order
		// result pre-grouped by the pipeline field, so it gets its own named
		// intermediate instead of sharing the simple GROUP BY pass.
		alias := intermediateAlias(string(plan.series.Metric))
		inner := fmt.Sprintf(
			"SELECT period, bucket_ts, group_value, pf_%d, CAST(%s AS DOUBLE) AS pipe_value\n  FROM base\n  GROUP BY period, bucket_ts, group_value, pf_%d",
			i, aggExpr(plan.series.Aggregation, fmt.Sprintf("m_%d", i)), i)
		arms = append(arms, fmt.Sprintf(
			"SELECT period, bucket_ts, group_value, %s AS metric, CAST(%s AS DOUBLE) AS value\nFROM (\n  %s\n) AS %s\nGROUP BY period, bucket_ts, group_value",
			keyParam, aggExpr(plan.series.Pipeline.Aggregation, "pipe_value"), inner, alias))
	}

	b.WriteString("SELECT period, bucket_ts, group_value, metric, value FROM (\n")
	b.WriteString(strings.Join(arms, "\nUNION ALL\n"))
	b.WriteString("\n) AS series_union\nORDER BY period, bucket_ts NULLS FIRST, metric")

	return domain.CompiledQuery{Text: b.String(), Params: p.params()}, nil
}

// CompileFilterOptions builds the distinct-values query for one filter
// field, counts descending.
func (c *Compiler) CompileFilterOptions(q domain.FilterOptionsQuery) (domain.CompiledQuery, error) {
	if err := q.Validate(); err != nil {
		return domain.CompiledQuery{}, err
	}

	p := newParamSet()
	projectID := p.fixed("projectId", q.ProjectID)
	start := p.fixed("currentStart", q.Start.UTC())
	end := p.fixed("currentEnd", q.End.UTC())

	joins := map[registry.Join]bool{}
	preds, filterJoins, unknownFilter := c.filterPredicates(p, q.Filters.WithoutEmpty())
	for j := range filterJoins {
		joins[j] = true
	}

	labelExpr := ""
	f, ok := c.reg.Filter(q.Field)
	switch {
	case !ok || f.Nested:
		// Nested metadata maps have no enumerable label column.
		preds = append(preds, falsePredicate)
		labelExpr = "CAST(NULL AS VARCHAR)"
	case f.List:
		labelExpr = fmt.Sprintf("unnest(%s)", f.Column)
	default:
		labelExpr = f.Column
	}
	if ok && f.Join != registry.JoinNone {
		joins[f.Join] = true
	}
	if unknownFilter {
		preds = append(preds, falsePredicate)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var b strings.Builder
	b.WriteString("WITH ")
	b.WriteString(c.latestTracesCTE(projectID, start, end))
	if joins[registry.JoinObservations] {
		b.WriteString(",\n")
		b.WriteString(c.latestSideCTE("observations", projectID))
	}
	if joins[registry.JoinEvaluations] {
		b.WriteString(",\n")
		b.WriteString(c.latestSideCTE("evaluations", projectID))
	}

	b.WriteString("\nSELECT label, CAST(count(*) AS DOUBLE) AS cnt FROM (\n")
	fmt.Fprintf(&b, "  SELECT %s AS label\n  FROM traces_latest t", labelExpr)
	if joins[registry.JoinObservations] {
		b.WriteString("\n  LEFT JOIN observations_latest o ON o.trace_id = t.id")
	}
	if joins[registry.JoinEvaluations] {
		b.WriteString("\n  LEFT JOIN evaluations_latest e ON e.trace_id = t.id")
	}
	if len(preds) > 0 {
		b.WriteString("\n  WHERE ")
		b.WriteString(strings.Join(preds, "\n    AND "))
	}
	b.WriteString("\n) AS labels\nWHERE label IS NOT NULL\nGROUP BY label\nORDER BY cnt DESC, label\n")
	fmt.Fprintf(&b, "LIMIT %s", p.fixed("limit", limit))

	return domain.CompiledQuery{Text: b.String(), Params: p.params()}, nil
}

// latestTracesCTE dedups the append-only traces table down to the latest
// physical version of each logical row before anything aggregates over it.
func (c *Compiler) latestTracesCTE(projectID, from, to string) string {
	return fmt.Sprintf(`traces_latest AS (
  SELECT * FROM (
    SELECT tr.*, row_number() OVER (PARTITION BY tr.id ORDER BY tr.updated_at DESC) AS _version_rank
    FROM traces tr
    WHERE tr.project_id = %s
      AND tr.start_time >= %s
      AND tr.start_time <= %s
  ) AS ranked WHERE _version_rank = 1
)`, projectID, from, to)
}

// latestSideCTE is the same dedup for a side table (observations or
// evaluations). Added at most once per query regardless of how many series
// need the join.
func (c *Compiler) latestSideCTE(table, projectID string) string {
	return fmt.Sprintf(`%s_latest AS (
  SELECT * FROM (
    SELECT s.*, row_number() OVER (PARTITION BY s.id ORDER BY s.updated_at DESC) AS _version_rank
    FROM %s s
    WHERE s.project_id = %s
  ) AS ranked WHERE _version_rank = 1
)`, table, table, projectID)
}

// filterPredicates compiles the non-empty filters into predicates. Fields
// are processed in sorted order so placeholder numbering is deterministic.
// An unregistered field flips unknown instead of erroring.
func (c *Compiler) filterPredicates(p *paramSet, filters domain.FilterMap) (preds []string, joins map[registry.Join]bool, unknown bool) {
	joins = map[registry.Join]bool{}
	fields := make([]string, 0, len(filters))
	for f := range filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		v := filters[field]
		f, ok := c.reg.Filter(field)
		if !ok {
			unknown = true
			continue
		}
		if f.Join != registry.JoinNone {
			joins[f.Join] = true
		}
		prefix := paramPrefix(field)

		switch {
		case v.Nested != nil:
			keys := make([]string, 0, len(v.Nested))
			for k := range v.Nested {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				keyPh, valPh := p.nextPair(prefix, k, v.Nested[k])
				preds = append(preds, fmt.Sprintf(
					"list_contains(%s, json_extract_string(%s, '$.' || %s))", valPh, f.Column, keyPh))
			}
		case v.Values != nil:
			// One array parameter for the whole list, never N scalar
			// placeholders.
			ph := p.next(prefix, v.Values)
			if f.List {
				preds = append(preds, fmt.Sprintf("list_has_any(%s, %s)", f.Column, ph))
			} else {
				preds = append(preds, fmt.Sprintf("list_contains(%s, %s)", ph, f.Column))
			}
		default:
			ph := p.next(prefix, v.String)
			if f.List {
				preds = append(preds, fmt.Sprintf("list_contains(%s, %s)", f.Column, ph))
			} else {
				preds = append(preds, fmt.Sprintf("%s = %s", f.Column, ph))
			}
		}
	}
	return preds, joins, unknown
}

// resolveField finds a column for a pipeline field, trying metrics first,
// then group dimensions.
func (c *Compiler) resolveField(id string) (string, registry.Join, bool) {
	if m, ok := c.reg.Metric(domain.MetricID(id)); ok {
		return m.Column, m.Join, true
	}
	if g, ok := c.reg.Group(id); ok && !g.Unnest {
		return g.Column, g.Join, true
	}
	return "", registry.JoinNone, false
}

func aggExpr(a domain.Aggregation, col string) string {
	switch a {
	case domain.AggregationCount, domain.AggregationValueCount:
		return fmt.Sprintf("count(%s)", col)
	case domain.AggregationCardinality:
		return fmt.Sprintf("count(DISTINCT %s)", col)
	case domain.AggregationSum:
		return fmt.Sprintf("sum(%s)", col)
	case domain.AggregationAvg:
		return fmt.Sprintf("avg(%s)", col)
	case domain.AggregationMin:
		return fmt.Sprintf("min(%s)", col)
	case domain.AggregationMax:
		return fmt.Sprintf("max(%s)", col)
	default:
		// Validate() rejects anything else before compilation.
		return fmt.Sprintf("count(%s)", col)
	}
}
