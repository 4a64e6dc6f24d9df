package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/tracelight/tracelight/internal/core/domain"
)

const fetchPageSize = 1000

// querySetSpec describes the working set to fetch for one query.
type querySetSpec struct {
	projectID string
	from, to  time.Time
	filters   domain.FilterMap
	needs     classSet
}

var traceFields = []graphql.Field{
	{Name: "trace_id"}, {Name: "name"}, {Name: "user_id"}, {Name: "customer_id"},
	{Name: "session_id"}, {Name: "models"}, {Name: "tags"}, {Name: "metadata"},
	{Name: "duration_ms"}, {Name: "total_cost"}, {Name: "start_time"},
}

var observationFields = []graphql.Field{
	{Name: "observation_id"}, {Name: "trace_id"}, {Name: "model"}, {Name: "level"},
	{Name: "prompt_tokens"}, {Name: "completion_tokens"}, {Name: "total_tokens"},
	{Name: "latency_ms"}, {Name: "cost"},
}

var evaluationFields = []graphql.Field{
	{Name: "evaluation_id"}, {Name: "trace_id"}, {Name: "run_id"}, {Name: "entry_id"},
	{Name: "evaluator_id"}, {Name: "evaluator_name"}, {Name: "score"}, {Name: "passed"},
	{Name: "comment"}, {Name: "created_at"},
}

// fetchQuerySet pulls the documents a query needs. Trace-level filters are
// pushed down to the store where its filter language can express them; the
// rest (nested metadata, side-document fields) apply during aggregation.
func (b *Backend) fetchQuerySet(ctx context.Context, spec querySetSpec) (*querySet, error) {
	set := &querySet{
		observations: map[string][]obsDoc{},
		evaluations:  map[string][]evalDoc{},
	}

	traceDocs, err := b.fetchAll(ctx, classTrace, traceFields, b.traceWhere(spec))
	if err != nil {
		return nil, err
	}
	set.traces = make([]traceDoc, 0, len(traceDocs))
	for _, props := range traceDocs {
		tr := parseTrace(props)
		if matchesInMemoryFilters(tr, spec.filters) {
			set.traces = append(set.traces, tr)
		}
	}
	sort.Slice(set.traces, func(i, j int) bool { return set.traces[i].StartTime < set.traces[j].StartTime })

	if spec.needs[classObservation] {
		docs, err := b.fetchAll(ctx, classObservation, observationFields, projectWhere(spec.projectID))
		if err != nil {
			return nil, err
		}
		for _, props := range docs {
			o := parseObservation(props)
			if o.TraceID != "" {
				set.observations[o.TraceID] = append(set.observations[o.TraceID], o)
			}
		}
	}
	if spec.needs[classEvaluation] {
		docs, err := b.fetchAll(ctx, classEvaluation, evaluationFields, projectWhere(spec.projectID))
		if err != nil {
			return nil, err
		}
		for _, props := range docs {
			e := parseEvaluation(props)
			if e.TraceID != "" {
				set.evaluations[e.TraceID] = append(set.evaluations[e.TraceID], e)
			}
		}
	}
	return set, nil
}

// fetchAll pages through a class. The store caps single responses, so every
// read loops limit/offset until a short page.
func (b *Backend) fetchAll(ctx context.Context, class string, fields []graphql.Field, where *filters.WhereBuilder) ([]map[string]any, error) {
	var out []map[string]any
	for offset := 0; ; offset += fetchPageSize {
		resp, err := b.client.GraphQL().Get().
			WithClassName(class).
			WithFields(fields...).
			WithWhere(where).
			WithLimit(fetchPageSize).
			WithOffset(offset).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", class, err)
		}
		if len(resp.Errors) > 0 {
			return nil, fmt.Errorf("fetch %s: %s", class, resp.Errors[0].Message)
		}
		page := extractObjects(resp.Data, class)
		out = append(out, page...)
		if len(page) < fetchPageSize {
			return out, nil
		}
	}
}

func extractObjects(data map[string]models.JSONObject, class string) []map[string]any {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := get[class].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if props, ok := item.(map[string]any); ok {
			out = append(out, props)
		}
	}
	return out
}

func projectWhere(projectID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"project_id"}).
		WithOperator(filters.Equal).
		WithValueText(projectID)
}

// traceWhere pushes project scope, the time window and expressible
// trace-level filters into the store query.
func (b *Backend) traceWhere(spec querySetSpec) *filters.WhereBuilder {
	operands := []*filters.WhereBuilder{
		projectWhere(spec.projectID),
		filters.Where().
			WithPath([]string{"start_time"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueNumber(float64(spec.from.UnixMilli())),
		filters.Where().
			WithPath([]string{"start_time"}).
			WithOperator(filters.LessThanEqual).
			WithValueNumber(float64(spec.to.UnixMilli())),
	}

	ids := make([]string, 0, len(spec.filters))
	for id := range spec.filters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		f, ok := filterField(id)
		if !ok || f.class != classTrace || f.nested {
			continue
		}
		fv := spec.filters[id]
		values := fv.Values
		if len(values) == 0 && fv.String != "" {
			values = []string{fv.String}
		}
		if len(values) == 0 {
			continue
		}
		op := filters.Equal
		if len(values) > 1 || f.list {
			op = filters.ContainsAny
		}
		operands = append(operands, filters.Where().
			WithPath([]string{f.prop}).
			WithOperator(op).
			WithValueText(values...))
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

// matchesInMemoryFilters applies the filters the store query could not
// express: nested metadata lookups and unknown fields. A field outside the
// filter role matches nothing, mirroring the columnar compiler's zero-row
// predicate.
func matchesInMemoryFilters(tr traceDoc, fm domain.FilterMap) bool {
	for id, fv := range fm {
		f, ok := filterField(id)
		if !ok {
			return false
		}
		if !f.nested {
			continue
		}
		for key, wanted := range fv.Nested {
			got, present := metadataValue(tr, key)
			if !present || !containsString(wanted, got) {
				return false
			}
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func parseTrace(props map[string]any) traceDoc {
	tr := traceDoc{
		ID:         stringProp(props, "trace_id"),
		Name:       stringProp(props, "name"),
		UserID:     stringProp(props, "user_id"),
		CustomerID: stringProp(props, "customer_id"),
		SessionID:  stringProp(props, "session_id"),
		Models:     stringsProp(props, "models"),
		Tags:       stringsProp(props, "tags"),
		DurationMs: numberProp(props, "duration_ms"),
		TotalCost:  numberProp(props, "total_cost"),
		StartTime:  millisProp(props, "start_time"),
	}
	// Metadata is stored as a JSON text property; older documents carry an
	// object. Broken payloads degrade to no metadata rather than failing
	// the query.
	switch m := props["metadata"].(type) {
	case map[string]any:
		tr.Metadata = m
	case string:
		if m != "" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(m), &parsed); err == nil {
				tr.Metadata = parsed
			}
		}
	}
	return tr
}

func parseObservation(props map[string]any) obsDoc {
	return obsDoc{
		ID:               stringProp(props, "observation_id"),
		TraceID:          stringProp(props, "trace_id"),
		Model:            stringProp(props, "model"),
		Level:            stringProp(props, "level"),
		PromptTokens:     numberProp(props, "prompt_tokens"),
		CompletionTokens: numberProp(props, "completion_tokens"),
		TotalTokens:      numberProp(props, "total_tokens"),
		LatencyMs:        numberProp(props, "latency_ms"),
		Cost:             numberProp(props, "cost"),
	}
}

func parseEvaluation(props map[string]any) evalDoc {
	return evalDoc{
		ID:            stringProp(props, "evaluation_id"),
		TraceID:       stringProp(props, "trace_id"),
		RunID:         stringProp(props, "run_id"),
		EntryID:       stringProp(props, "entry_id"),
		EvaluatorID:   stringProp(props, "evaluator_id"),
		EvaluatorName: stringProp(props, "evaluator_name"),
		Score:         numberProp(props, "score"),
		Passed:        boolProp(props, "passed"),
		Comment:       stringProp(props, "comment"),
		CreatedAt:     millisProp(props, "created_at"),
	}
}
