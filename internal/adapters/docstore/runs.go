package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/tracelight/tracelight/internal/core/domain"
)

var runFields = []graphql.Field{
	{Name: "experiment_id"}, {Name: "run_id"}, {Name: "workflow_version_id"},
	{Name: "created_at"}, {Name: "updated_at"}, {Name: "finished_at"}, {Name: "stopped_at"},
	{Name: "progress"}, {Name: "total"}, {Name: "total_cost"}, {Name: "avg_duration_ms"},
}

var entryFields = []graphql.Field{
	{Name: "run_id"}, {Name: "entry_id"}, {Name: "input"}, {Name: "targets"}, {Name: "created_at"},
}

// ListRuns lists the project's experiment runs with per-evaluator rollups.
func (b *Backend) ListRuns(ctx context.Context, q domain.RunListQuery) ([]domain.ExperimentRun, error) {
	where := projectWhere(q.ProjectID)
	if len(q.ExperimentIDs) > 0 {
		where = filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
			projectWhere(q.ProjectID),
			filters.Where().
				WithPath([]string{"experiment_id"}).
				WithOperator(filters.ContainsAny).
				WithValueText(q.ExperimentIDs...),
		})
	}
	runDocs, err := b.fetchAll(ctx, classRun, runFields, where)
	if err != nil {
		return nil, &domain.QueryError{Op: "list_runs", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	if len(runDocs) == 0 {
		return []domain.ExperimentRun{}, nil
	}

	runIDs := make([]string, 0, len(runDocs))
	for _, props := range runDocs {
		runIDs = append(runIDs, stringProp(props, "run_id"))
	}
	evals, err := b.fetchRunEvaluations(ctx, q.ProjectID, runIDs)
	if err != nil {
		return nil, &domain.QueryError{Op: "list_runs", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	byRun := map[string][]evalDoc{}
	for _, e := range evals {
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}

	out := make([]domain.ExperimentRun, 0, len(runDocs))
	for _, props := range runDocs {
		run := mapRunDoc(q.ProjectID, props)
		run.Summary = summarizeRun(byRun[run.RunID], props)
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// GetRun fetches one run with its entries and evaluations. The store indexes
// writes asynchronously, so a miss is re-read under the retry policy before
// it becomes ErrNotFound; here, unlike the columnar side, absence after
// retries is an error because this store is the system of record.
func (b *Backend) GetRun(ctx context.Context, q domain.RunQuery) (*domain.ExperimentRunWithItems, error) {
	var result *domain.ExperimentRunWithItems
	err := b.retry.Do(ctx, func(ctx context.Context) (bool, error) {
		run, err := b.getRunOnce(ctx, q)
		if err != nil {
			return false, err
		}
		if run == nil {
			return true, domain.ErrNotFound
		}
		result = run
		return false, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, &domain.QueryError{Op: "get_run", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	return result, nil
}

func (b *Backend) getRunOnce(ctx context.Context, q domain.RunQuery) (*domain.ExperimentRunWithItems, error) {
	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		projectWhere(q.ProjectID),
		filters.Where().WithPath([]string{"experiment_id"}).WithOperator(filters.Equal).WithValueText(q.ExperimentID),
		filters.Where().WithPath([]string{"run_id"}).WithOperator(filters.Equal).WithValueText(q.RunID),
	})
	runDocs, err := b.fetchAll(ctx, classRun, runFields, where)
	if err != nil {
		return nil, err
	}
	if len(runDocs) == 0 {
		return nil, nil
	}

	evals, err := b.fetchRunEvaluations(ctx, q.ProjectID, []string{q.RunID})
	if err != nil {
		return nil, err
	}
	entryWhere := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		projectWhere(q.ProjectID),
		filters.Where().WithPath([]string{"run_id"}).WithOperator(filters.Equal).WithValueText(q.RunID),
	})
	entryDocs, err := b.fetchAll(ctx, classDatasetEntry, entryFields, entryWhere)
	if err != nil {
		return nil, err
	}

	run := mapRunDoc(q.ProjectID, runDocs[0])
	run.Summary = summarizeRun(evals, runDocs[0])
	res := &domain.ExperimentRunWithItems{
		ExperimentRun: run,
		Entries:       make([]domain.DatasetEntry, 0, len(entryDocs)),
		Evaluations:   make([]domain.Evaluation, 0, len(evals)),
	}
	for _, props := range entryDocs {
		res.Entries = append(res.Entries, mapEntryDoc(props))
	}
	sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].CreatedAt < res.Entries[j].CreatedAt })
	for _, e := range evals {
		res.Evaluations = append(res.Evaluations, mapRunEvaluation(e))
	}
	return res, nil
}

func (b *Backend) fetchRunEvaluations(ctx context.Context, projectID string, runIDs []string) ([]evalDoc, error) {
	where := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		projectWhere(projectID),
		filters.Where().
			WithPath([]string{"run_id"}).
			WithOperator(filters.ContainsAny).
			WithValueText(runIDs...),
	})
	docs, err := b.fetchAll(ctx, classEvaluation, evaluationFields, where)
	if err != nil {
		return nil, err
	}
	out := make([]evalDoc, 0, len(docs))
	for _, props := range docs {
		out = append(out, parseEvaluation(props))
	}
	return out, nil
}

func mapRunDoc(projectID string, props map[string]any) domain.ExperimentRun {
	run := domain.ExperimentRun{
		ProjectID:    projectID,
		ExperimentID: stringProp(props, "experiment_id"),
		RunID:        stringProp(props, "run_id"),
		CreatedAt:    millisProp(props, "created_at"),
		UpdatedAt:    millisProp(props, "updated_at"),
		FinishedAt:   optionalMillis(props, "finished_at"),
		StoppedAt:    optionalMillis(props, "stopped_at"),
	}
	if n := numberProp(props, "progress"); n != nil {
		run.Progress = int(*n)
	}
	if n := numberProp(props, "total"); n != nil {
		run.Total = int(*n)
	}
	if id := stringProp(props, "workflow_version_id"); id != "" {
		run.WorkflowVersion = &domain.WorkflowVersionRef{ID: id}
	}
	return run
}

// summarizeRun rolls evaluations up per evaluator. The passed average only
// exists when at least one evaluation carried a verdict.
func summarizeRun(evals []evalDoc, runProps map[string]any) domain.RunSummary {
	type acc struct {
		name        string
		scoreSum    float64
		scoreCount  int
		passedSum   float64
		passedCount int
	}
	accs := map[string]*acc{}
	for _, e := range evals {
		a := accs[e.EvaluatorID]
		if a == nil {
			a = &acc{}
			accs[e.EvaluatorID] = a
		}
		if a.name == "" {
			a.name = e.EvaluatorName
		}
		if e.Score != nil {
			a.scoreSum += *e.Score
			a.scoreCount++
		}
		if e.Passed != nil {
			if *e.Passed {
				a.passedSum++
			}
			a.passedCount++
		}
	}

	ids := make([]string, 0, len(accs))
	for id := range accs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summary := domain.RunSummary{Evaluators: make([]domain.EvaluatorSummary, 0, len(ids))}
	for _, id := range ids {
		a := accs[id]
		es := domain.EvaluatorSummary{EvaluatorID: id, Name: a.name}
		if es.Name == "" {
			es.Name = id
		}
		if a.scoreCount > 0 {
			es.AverageScore = a.scoreSum / float64(a.scoreCount)
		}
		if a.passedCount > 0 {
			avg := a.passedSum / float64(a.passedCount)
			es.AveragePassed = &avg
		}
		summary.Evaluators = append(summary.Evaluators, es)
	}
	summary.TotalCost = numberProp(runProps, "total_cost")
	summary.AvgDurationMs = numberProp(runProps, "avg_duration_ms")
	return summary
}

func mapEntryDoc(props map[string]any) domain.DatasetEntry {
	return domain.DatasetEntry{
		EntryID:   stringProp(props, "entry_id"),
		Input:     parseJSONText(stringProp(props, "input")),
		Targets:   parseJSONText(stringProp(props, "targets")),
		CreatedAt: millisProp(props, "created_at"),
	}
}

func mapRunEvaluation(e evalDoc) domain.Evaluation {
	out := domain.Evaluation{
		EntryID:       e.EntryID,
		EvaluatorID:   e.EvaluatorID,
		EvaluatorName: e.EvaluatorName,
		Score:         e.Score,
		Passed:        e.Passed,
		Comment:       e.Comment,
		CreatedAt:     e.CreatedAt,
	}
	if out.EvaluatorName == "" {
		out.EvaluatorName = e.EvaluatorID
	}
	return out
}

func optionalMillis(props map[string]any, key string) *int64 {
	if f, ok := props[key].(float64); ok && f > 0 {
		ms := int64(f)
		return &ms
	}
	return nil
}

// parseJSONText degrades to nil on malformed payloads so one broken entry
// never fails a run read.
func parseJSONText(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
