// Package registry is the static catalog mapping logical metric and filter
// identifiers to physical columns in the columnar schema, including the join
// each column requires. The compiler only ever concatenates identifiers that
// came out of this catalog; everything else is bound as a parameter.
package registry

import "github.com/tracelight/tracelight/internal/core/domain"

// Join names the side table a column lives in. Traces is the top-level
// table; observations and evaluations are joined at most once per query.
type Join string

const (
	JoinNone         Join = ""
	JoinObservations Join = "observations"
	JoinEvaluations  Join = "evaluations"
)

// Metric resolves a logical metric id to its column expression.
type Metric struct {
	ID     domain.MetricID
	Column string // qualified column, static
	Join   Join
}

// FilterField resolves a filter identifier to its column expression.
// Nested means the field filters into the traces metadata JSON map; List
// marks list-typed columns (matched by overlap, enumerated by unnesting).
type FilterField struct {
	ID     string
	Column string
	Join   Join
	Nested bool
	List   bool
}

// GroupDimension resolves a group-by identifier. Unnest marks list columns
// that must be fanned out one row per element instead of joined, so parent
// aggregates are not double counted.
type GroupDimension struct {
	ID     string
	Column string
	Join   Join
	Unnest bool
}

// Registry is an immutable catalog, safe for concurrent use.
type Registry struct {
	metrics map[domain.MetricID]Metric
	filters map[string]FilterField
	groups  map[string]GroupDimension
}

// Default returns the catalog for the trace/observation/evaluation schema.
func Default() *Registry {
	r := &Registry{
		metrics: map[domain.MetricID]Metric{},
		filters: map[string]FilterField{},
		groups:  map[string]GroupDimension{},
	}

	for _, m := range []Metric{
		{ID: "trace.id", Column: "t.id"},
		{ID: "trace.duration", Column: "t.duration_ms"},
		{ID: "trace.cost", Column: "t.total_cost"},
		{ID: "trace.user_id", Column: "t.user_id"},
		{ID: "trace.session_id", Column: "t.session_id"},
		{ID: "observation.id", Column: "o.id", Join: JoinObservations},
		{ID: "observation.model", Column: "o.model", Join: JoinObservations},
		{ID: "observation.total_tokens", Column: "o.total_tokens", Join: JoinObservations},
		{ID: "observation.prompt_tokens", Column: "o.prompt_tokens", Join: JoinObservations},
		{ID: "observation.completion_tokens", Column: "o.completion_tokens", Join: JoinObservations},
		{ID: "observation.latency", Column: "o.latency_ms", Join: JoinObservations},
		{ID: "observation.cost", Column: "o.cost", Join: JoinObservations},
		{ID: "evaluation.score", Column: "e.score", Join: JoinEvaluations},
		{ID: "evaluation.id", Column: "e.id", Join: JoinEvaluations},
	} {
		r.metrics[m.ID] = m
	}

	for _, f := range []FilterField{
		{ID: "metadata.trace_id", Column: "t.id"},
		{ID: "metadata.user_id", Column: "t.user_id"},
		{ID: "metadata.customer_id", Column: "t.customer_id"},
		{ID: "metadata.session_id", Column: "t.session_id"},
		{ID: "trace.name", Column: "t.name"},
		{ID: "trace.tags", Column: "t.tags", List: true},
		{ID: "trace.metadata", Column: "t.metadata", Nested: true},
		{ID: "observation.model", Column: "o.model", Join: JoinObservations},
		{ID: "observation.level", Column: "o.level", Join: JoinObservations},
		{ID: "evaluation.evaluator_id", Column: "e.evaluator_id", Join: JoinEvaluations},
	} {
		r.filters[f.ID] = f
	}

	for _, g := range []GroupDimension{
		{ID: "trace.user_id", Column: "t.user_id"},
		{ID: "trace.name", Column: "t.name"},
		{ID: "trace.session_id", Column: "t.session_id"},
		// models is a list column on traces; unnested, not joined.
		{ID: "trace.models", Column: "t.models", Unnest: true},
		{ID: "observation.model", Column: "o.model", Join: JoinObservations},
		{ID: "evaluation.evaluator_id", Column: "e.evaluator_id", Join: JoinEvaluations},
	} {
		r.groups[g.ID] = g
	}

	return r
}

// Metric looks up a metric by id.
func (r *Registry) Metric(id domain.MetricID) (Metric, bool) {
	m, ok := r.metrics[id]
	return m, ok
}

// Filter looks up a filter field by id.
func (r *Registry) Filter(id string) (FilterField, bool) {
	f, ok := r.filters[id]
	return f, ok
}

// Group looks up a group-by dimension by id.
func (r *Registry) Group(id string) (GroupDimension, bool) {
	g, ok := r.groups[id]
	return g, ok
}
