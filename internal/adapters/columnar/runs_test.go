package columnar

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalRow(evaluator string, score float64, passed sql.NullInt64) runEvalRow {
	return runEvalRow{
		RunID:       "run-1",
		EvaluatorID: evaluator,
		Score:       sql.NullFloat64{Float64: score, Valid: true},
		Passed:      passed,
		CreatedAt:   "2025-08-01 10:00:00",
	}
}

func TestSummarize_AveragesPerEvaluator(t *testing.T) {
	evals := []runEvalRow{
		evalRow("accuracy", 0.8, sql.NullInt64{Int64: 1, Valid: true}),
		evalRow("accuracy", 0.4, sql.NullInt64{Int64: 0, Valid: true}),
		evalRow("toxicity", 0.1, sql.NullInt64{}),
	}
	evals[0].EvaluatorName = sql.NullString{String: "Accuracy", Valid: true}

	s := summarize(evals, sql.NullFloat64{}, sql.NullFloat64{})
	require.Len(t, s.Evaluators, 2)

	acc := s.Evaluators[0]
	assert.Equal(t, "accuracy", acc.EvaluatorID)
	assert.Equal(t, "Accuracy", acc.Name)
	assert.InDelta(t, 0.6, acc.AverageScore, 1e-9)
	require.NotNil(t, acc.AveragePassed)
	assert.InDelta(t, 0.5, *acc.AveragePassed, 1e-9)

	// No pass/fail verdicts at all: the average is absent, not zero.
	tox := s.Evaluators[1]
	assert.Equal(t, "toxicity", tox.Name)
	assert.Nil(t, tox.AveragePassed)
}

func TestSummarize_CostAndDuration(t *testing.T) {
	s := summarize(nil,
		sql.NullFloat64{Float64: 1.25, Valid: true},
		sql.NullFloat64{Float64: 340, Valid: true})

	require.NotNil(t, s.TotalCost)
	assert.Equal(t, 1.25, *s.TotalCost)
	require.NotNil(t, s.AvgDurationMs)
	assert.Equal(t, 340.0, *s.AvgDurationMs)
	assert.Empty(t, s.Evaluators)
}

func TestMapRun_Timestamps(t *testing.T) {
	r := runRow{
		ExperimentID:      "exp-1",
		RunID:             "run-1",
		WorkflowVersionID: sql.NullString{String: "wfv-9", Valid: true},
		CreatedAt:         "2025-08-01 10:00:00",
		UpdatedAt:         "2025-08-01 10:05:00",
		FinishedAt:        sql.NullString{String: "2025-08-01 10:04:30.500", Valid: true},
		Progress:          8,
		Total:             10,
	}

	run := mapRun("proj-1", r, nil)

	assert.Equal(t, "proj-1", run.ProjectID)
	assert.Equal(t, int64(1754042400000), run.CreatedAt)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, int64(1754042670500), *run.FinishedAt)
	assert.Nil(t, run.StoppedAt)
	require.NotNil(t, run.WorkflowVersion)
	assert.Equal(t, "wfv-9", run.WorkflowVersion.ID)
	assert.Equal(t, 8, run.Progress)
}

func TestMapEvaluation_TriStatePassed(t *testing.T) {
	e := mapEvaluation(runEvalRow{
		EvaluatorID: "accuracy",
		Passed:      sql.NullInt64{},
		CreatedAt:   "2025-08-01 10:00:00",
	})
	// NULL means not applicable, never false.
	assert.Nil(t, e.Passed)
	assert.Nil(t, e.Score)
	// Name falls back to the evaluator id when the store has none.
	assert.Equal(t, "accuracy", e.EvaluatorName)

	e = mapEvaluation(runEvalRow{
		EvaluatorID: "accuracy",
		Passed:      sql.NullInt64{Int64: 0, Valid: true},
	})
	require.NotNil(t, e.Passed)
	assert.False(t, *e.Passed)
}

func TestMapEntry_MalformedJSONDegradesToNil(t *testing.T) {
	e := mapEntry(entryRow{
		EntryID:   "entry-1",
		Input:     sql.NullString{String: `{"q":"hello"}`, Valid: true},
		Targets:   sql.NullString{String: `{"answer":`, Valid: true},
		CreatedAt: "2025-08-01 10:00:00",
	})

	assert.Equal(t, map[string]any{"q": "hello"}, e.Input)
	assert.Nil(t, e.Targets)
}
