package columnar

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tracelight/tracelight/internal/core/domain"
)

// runRow and runEvalRow are the store-native shapes of the run queries.
// Timestamps arrive as VARCHAR casts and are parsed at the mapping edge.
type runRow struct {
	ExperimentID      string
	RunID             string
	WorkflowVersionID sql.NullString
	CreatedAt         string
	UpdatedAt         string
	FinishedAt        sql.NullString
	StoppedAt         sql.NullString
	Progress          int64
	Total             int64
	TotalCost         sql.NullFloat64
	AvgDurationMs     sql.NullFloat64
}

type runEvalRow struct {
	RunID         string
	EntryID       sql.NullString
	EvaluatorID   string
	EvaluatorName sql.NullString
	Score         sql.NullFloat64
	Passed        sql.NullInt64
	Comment       sql.NullString
	CreatedAt     string
}

type entryRow struct {
	EntryID   string
	Input     sql.NullString
	Targets   sql.NullString
	CreatedAt string
}

const latestRunsSQL = `
WITH runs_latest AS (
	SELECT r.*, row_number() OVER (PARTITION BY r.run_id ORDER BY r.updated_at DESC) AS rn
	FROM experiment_runs r
	WHERE r.project_id = ?
)
SELECT experiment_id, run_id, workflow_version_id,
	CAST(created_at AS VARCHAR), CAST(updated_at AS VARCHAR),
	CAST(finished_at AS VARCHAR), CAST(stopped_at AS VARCHAR),
	progress, total, total_cost, avg_duration_ms
FROM runs_latest
WHERE rn = 1`

const latestEvalsSQL = `
WITH evals_latest AS (
	SELECT e.*, row_number() OVER (PARTITION BY e.id ORDER BY e.updated_at DESC) AS rn
	FROM evaluations e
	WHERE e.project_id = ? AND e.run_id IS NOT NULL
)
SELECT run_id, entry_id, evaluator_id, evaluator_name, score, passed, comment,
	CAST(created_at AS VARCHAR)
FROM evals_latest
WHERE rn = 1`

// ListRuns returns every run of the project, optionally narrowed to a set of
// experiments, with per-evaluator summaries rolled up from evaluations.
func (s *Store) ListRuns(ctx context.Context, q domain.RunListQuery) ([]domain.ExperimentRun, error) {
	runsSQL := latestRunsSQL
	runsArgs := []any{q.ProjectID}
	evalsSQL := latestEvalsSQL
	evalsArgs := []any{q.ProjectID}
	if len(q.ExperimentIDs) > 0 {
		ids := bindArg(q.ExperimentIDs)
		runsSQL += " AND list_contains(?, experiment_id)"
		runsArgs = append(runsArgs, ids)
		evalsSQL += ` AND run_id IN (SELECT run_id FROM experiment_runs WHERE project_id = ? AND list_contains(?, experiment_id))`
		evalsArgs = append(evalsArgs, q.ProjectID, ids)
	}
	runsSQL += " ORDER BY created_at DESC"

	rows, err := s.queryRunRows(ctx, runsSQL, runsArgs...)
	if err != nil {
		return nil, &domain.QueryError{Op: "list_runs", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	evals, err := s.queryEvalRows(ctx, evalsSQL, evalsArgs...)
	if err != nil {
		return nil, &domain.QueryError{Op: "list_runs", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}

	byRun := map[string][]runEvalRow{}
	for _, e := range evals {
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}
	out := make([]domain.ExperimentRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, mapRun(q.ProjectID, r, byRun[r.RunID]))
	}
	return out, nil
}

// GetRun returns the run with its entries and evaluations, or (nil, nil)
// when it does not exist here. Absence in the columnar store is a routing
// signal during migration, not an error.
func (s *Store) GetRun(ctx context.Context, q domain.RunQuery) (*domain.ExperimentRunWithItems, error) {
	wrap := func(err error) error {
		return &domain.QueryError{Op: "get_run", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	runs, err := s.queryRunRows(ctx, latestRunsSQL+" AND experiment_id = ? AND run_id = ?",
		q.ProjectID, q.ExperimentID, q.RunID)
	if err != nil {
		return nil, wrap(err)
	}
	if len(runs) == 0 {
		return nil, nil
	}

	evals, err := s.queryEvalRows(ctx, latestEvalsSQL+" AND run_id = ?", q.ProjectID, q.RunID)
	if err != nil {
		return nil, wrap(err)
	}
	entries, err := s.queryEntryRows(ctx, q.ProjectID, q.RunID)
	if err != nil {
		return nil, wrap(err)
	}

	run := mapRun(q.ProjectID, runs[0], evals)
	res := &domain.ExperimentRunWithItems{
		ExperimentRun: run,
		Entries:       make([]domain.DatasetEntry, 0, len(entries)),
		Evaluations:   make([]domain.Evaluation, 0, len(evals)),
	}
	for _, e := range entries {
		res.Entries = append(res.Entries, mapEntry(e))
	}
	for _, e := range evals {
		res.Evaluations = append(res.Evaluations, mapEvaluation(e))
	}
	return res, nil
}

func (s *Store) queryRunRows(ctx context.Context, query string, args ...any) ([]runRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []runRow
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.ExperimentID, &r.RunID, &r.WorkflowVersionID,
			&r.CreatedAt, &r.UpdatedAt, &r.FinishedAt, &r.StoppedAt,
			&r.Progress, &r.Total, &r.TotalCost, &r.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) queryEvalRows(ctx context.Context, query string, args ...any) ([]runEvalRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var out []runEvalRow
	for rows.Next() {
		var r runEvalRow
		if err := rows.Scan(&r.RunID, &r.EntryID, &r.EvaluatorID, &r.EvaluatorName,
			&r.Score, &r.Passed, &r.Comment, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) queryEntryRows(ctx context.Context, projectID, runID string) ([]entryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
WITH entries_latest AS (
	SELECT d.*, row_number() OVER (PARTITION BY d.entry_id ORDER BY d.updated_at DESC) AS rn
	FROM dataset_entries d
	WHERE d.project_id = ? AND d.run_id = ?
)
SELECT entry_id, input, targets, CAST(created_at AS VARCHAR)
FROM entries_latest
WHERE rn = 1
ORDER BY created_at`, projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("query dataset entries: %w", err)
	}
	defer rows.Close()

	var out []entryRow
	for rows.Next() {
		var r entryRow
		if err := rows.Scan(&r.EntryID, &r.Input, &r.Targets, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func mapRun(projectID string, r runRow, evals []runEvalRow) domain.ExperimentRun {
	run := domain.ExperimentRun{
		ProjectID:    projectID,
		ExperimentID: r.ExperimentID,
		RunID:        r.RunID,
		Progress:     int(r.Progress),
		Total:        int(r.Total),
	}
	run.CreatedAt, _ = parseTimestamp(r.CreatedAt)
	run.UpdatedAt, _ = parseTimestamp(r.UpdatedAt)
	run.FinishedAt = optionalTimestamp(r.FinishedAt)
	run.StoppedAt = optionalTimestamp(r.StoppedAt)
	if r.WorkflowVersionID.Valid && r.WorkflowVersionID.String != "" {
		// Name and version number are filled in by the facade from the
		// relational metadata store.
		run.WorkflowVersion = &domain.WorkflowVersionRef{ID: r.WorkflowVersionID.String}
	}
	run.Summary = summarize(evals, r.TotalCost, r.AvgDurationMs)
	return run
}

// summarize rolls evaluations up per evaluator. Average score ignores rows
// without a score; the passed average exists only when at least one row
// carried a pass/fail verdict.
func summarize(evals []runEvalRow, totalCost, avgDuration sql.NullFloat64) domain.RunSummary {
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
		if a.name == "" && e.EvaluatorName.Valid {
			a.name = e.EvaluatorName.String
		}
		if e.Score.Valid {
			a.scoreSum += e.Score.Float64
			a.scoreCount++
		}
		if e.Passed.Valid {
			if e.Passed.Int64 != 0 {
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
	if totalCost.Valid {
		summary.TotalCost = &totalCost.Float64
	}
	if avgDuration.Valid {
		summary.AvgDurationMs = &avgDuration.Float64
	}
	return summary
}

func mapEntry(r entryRow) domain.DatasetEntry {
	e := domain.DatasetEntry{EntryID: r.EntryID}
	e.CreatedAt, _ = parseTimestamp(r.CreatedAt)
	e.Input = parseJSONObject(r.Input)
	e.Targets = parseJSONObject(r.Targets)
	return e
}

func mapEvaluation(r runEvalRow) domain.Evaluation {
	e := domain.Evaluation{
		EntryID:       r.EntryID.String,
		EvaluatorID:   r.EvaluatorID,
		EvaluatorName: r.EvaluatorName.String,
		Comment:       r.Comment.String,
	}
	if e.EvaluatorName == "" {
		e.EvaluatorName = r.EvaluatorID
	}
	e.CreatedAt, _ = parseTimestamp(r.CreatedAt)
	if r.Score.Valid {
		e.Score = &r.Score.Float64
	}
	if r.Passed.Valid {
		passed := r.Passed.Int64 != 0
		e.Passed = &passed
	}
	return e
}

func optionalTimestamp(v sql.NullString) *int64 {
	if !v.Valid || v.String == "" {
		return nil
	}
	ms, ok := parseTimestamp(v.String)
	if !ok {
		return nil
	}
	return &ms
}

// parseJSONObject degrades to nil on malformed payloads. A run detail read
// must not fail because one entry's stored JSON is broken.
func parseJSONObject(v sql.NullString) map[string]any {
	if !v.Valid || v.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil
	}
	return m
}
