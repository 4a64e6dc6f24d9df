package docstore

import (
	"strconv"

	"github.com/tracelight/tracelight/internal/analytics/registry"
	"github.com/tracelight/tracelight/internal/core/domain"
)

// docField resolves a logical field id to a document property. Role
// membership (which ids are metrics, filters or group dimensions) is not
// decided here: every role lookup consults the columnar registry, so an
// identifier outside its role aggregates to zero rows on both backends
// instead of diverging by catalog policy.
type docField struct {
	class  string
	prop   string
	list   bool
	nested bool
}

// catalog is the shared role authority for both backends.
var catalog = registry.Default()

var fieldCatalog = map[string]docField{
	"trace.id":         {class: classTrace, prop: "trace_id"},
	"trace.duration":   {class: classTrace, prop: "duration_ms"},
	"trace.cost":       {class: classTrace, prop: "total_cost"},
	"trace.user_id":    {class: classTrace, prop: "user_id"},
	"trace.session_id": {class: classTrace, prop: "session_id"},
	"trace.name":       {class: classTrace, prop: "name"},
	"trace.tags":       {class: classTrace, prop: "tags", list: true},
	"trace.models":     {class: classTrace, prop: "models", list: true},
	"trace.metadata":   {class: classTrace, prop: "metadata", nested: true},

	"metadata.trace_id":    {class: classTrace, prop: "trace_id"},
	"metadata.user_id":     {class: classTrace, prop: "user_id"},
	"metadata.customer_id": {class: classTrace, prop: "customer_id"},
	"metadata.session_id":  {class: classTrace, prop: "session_id"},

	"observation.id":                {class: classObservation, prop: "observation_id"},
	"observation.model":             {class: classObservation, prop: "model"},
	"observation.level":             {class: classObservation, prop: "level"},
	"observation.total_tokens":      {class: classObservation, prop: "total_tokens"},
	"observation.prompt_tokens":     {class: classObservation, prop: "prompt_tokens"},
	"observation.completion_tokens": {class: classObservation, prop: "completion_tokens"},
	"observation.latency":           {class: classObservation, prop: "latency_ms"},
	"observation.cost":              {class: classObservation, prop: "cost"},

	"evaluation.id":           {class: classEvaluation, prop: "evaluation_id"},
	"evaluation.score":        {class: classEvaluation, prop: "score"},
	"evaluation.evaluator_id": {class: classEvaluation, prop: "evaluator_id"},
}

func lookupField(id string) (docField, bool) {
	f, ok := fieldCatalog[id]
	return f, ok
}

// metricField resolves a series metric id, honoring the registry's metric
// role.
func metricField(id domain.MetricID) (docField, bool) {
	if _, ok := catalog.Metric(id); !ok {
		return docField{}, false
	}
	return lookupField(string(id))
}

// filterField resolves a filter identifier, honoring the registry's filter
// role.
func filterField(id string) (docField, bool) {
	if _, ok := catalog.Filter(id); !ok {
		return docField{}, false
	}
	return lookupField(id)
}

// groupField resolves a group-by identifier, honoring the registry's
// grouping role.
func groupField(id string) (docField, bool) {
	if _, ok := catalog.Group(id); !ok {
		return docField{}, false
	}
	return lookupField(id)
}

// pipelineField resolves a pipeline grouping field the way the columnar
// compiler does: metrics first, then non-list group dimensions.
func pipelineField(id string) (docField, bool) {
	if _, ok := catalog.Metric(domain.MetricID(id)); ok {
		return lookupField(id)
	}
	if g, ok := catalog.Group(id); ok && !g.Unnest {
		return lookupField(id)
	}
	return docField{}, false
}

// classSet marks which document classes a query touches.
type classSet map[string]bool

// neededClasses walks every identifier the query references and collects the
// classes to fetch. Traces are always needed: they carry the timestamp that
// assigns every sample to a period and bucket.
func neededClasses(q domain.TimeseriesQuery) classSet {
	needs := classSet{classTrace: true}
	mark := func(f docField, ok bool) {
		if ok {
			needs[f.class] = true
		}
	}
	for _, s := range q.Series {
		mark(metricField(s.Metric))
		if s.Pipeline != nil {
			mark(pipelineField(s.Pipeline.Field))
		}
	}
	if q.GroupBy != "" {
		mark(groupField(q.GroupBy))
	}
	for id := range q.Filters.WithoutEmpty() {
		mark(filterField(id))
	}
	return needs
}

// traceDoc, obsDoc and evalDoc are the store-native document shapes. All
// timestamps are Unix milliseconds, the store's wire format.
type traceDoc struct {
	ID         string
	Name       string
	UserID     string
	CustomerID string
	SessionID  string
	Models     []string
	Tags       []string
	Metadata   map[string]any
	DurationMs *float64
	TotalCost  *float64
	StartTime  int64
}

type obsDoc struct {
	ID               string
	TraceID          string
	Model            string
	Level            string
	PromptTokens     *float64
	CompletionTokens *float64
	TotalTokens      *float64
	LatencyMs        *float64
	Cost             *float64
}

type evalDoc struct {
	ID            string
	TraceID       string
	RunID         string
	EntryID       string
	EvaluatorID   string
	EvaluatorName string
	Score         *float64
	Passed        *bool
	Comment       string
	CreatedAt     int64
}

// querySet is the fetched working set of one query: traces plus their side
// documents keyed by trace id.
type querySet struct {
	traces       []traceDoc
	observations map[string][]obsDoc
	evaluations  map[string][]evalDoc
}

// stringProp / numberProp / boolProp read loosely-typed GraphQL properties.
func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func numberProp(props map[string]any, key string) *float64 {
	if f, ok := props[key].(float64); ok {
		return &f
	}
	return nil
}

func boolProp(props map[string]any, key string) *bool {
	if b, ok := props[key].(bool); ok {
		return &b
	}
	return nil
}

func millisProp(props map[string]any, key string) int64 {
	if f, ok := props[key].(float64); ok {
		return int64(f)
	}
	return 0
}

func stringsProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fieldString reads the string form of a field from its owning document, for
// grouping, cardinality and filter matching.
func fieldString(f docField, tr traceDoc, obs *obsDoc, ev *evalDoc) string {
	switch f.class {
	case classTrace:
		switch f.prop {
		case "trace_id":
			return tr.ID
		case "name":
			return tr.Name
		case "user_id":
			return tr.UserID
		case "customer_id":
			return tr.CustomerID
		case "session_id":
			return tr.SessionID
		}
	case classObservation:
		if obs == nil {
			return ""
		}
		switch f.prop {
		case "observation_id":
			return obs.ID
		case "model":
			return obs.Model
		case "level":
			return obs.Level
		}
	case classEvaluation:
		if ev == nil {
			return ""
		}
		switch f.prop {
		case "evaluation_id":
			return ev.ID
		case "evaluator_id":
			return ev.EvaluatorID
		}
	}
	return ""
}

// fieldNumber reads the numeric form of a field from its owning document.
func fieldNumber(f docField, tr traceDoc, obs *obsDoc, ev *evalDoc) *float64 {
	switch f.class {
	case classTrace:
		switch f.prop {
		case "duration_ms":
			return tr.DurationMs
		case "total_cost":
			return tr.TotalCost
		}
	case classObservation:
		if obs == nil {
			return nil
		}
		switch f.prop {
		case "prompt_tokens":
			return obs.PromptTokens
		case "completion_tokens":
			return obs.CompletionTokens
		case "total_tokens":
			return obs.TotalTokens
		case "latency_ms":
			return obs.LatencyMs
		case "cost":
			return obs.Cost
		}
	case classEvaluation:
		if ev != nil && f.prop == "score" {
			return ev.Score
		}
	}
	return nil
}

// fieldStrings reads a list field's elements.
func fieldStrings(f docField, tr traceDoc) []string {
	switch f.prop {
	case "tags":
		return tr.Tags
	case "models":
		return tr.Models
	}
	return nil
}

// metadataValue reads one key out of a trace's metadata map as a string.
func metadataValue(tr traceDoc, key string) (string, bool) {
	v, ok := tr.Metadata[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	}
	return "", false
}
