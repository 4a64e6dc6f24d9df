package domain

// WorkflowVersionRef points at the workflow version an experiment run was
// executed against. Resolved from the relational metadata store; nil when
// the run predates workflow versioning.
type WorkflowVersionRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// EvaluatorSummary aggregates all evaluations of one evaluator across a run.
// AveragePassed is only present when at least one evaluation carried a
// non-nil passed flag; zero contributing rows means the field is absent,
// never zero.
type EvaluatorSummary struct {
	EvaluatorID   string   `json:"evaluatorId"`
	Name          string   `json:"name"`
	AverageScore  float64  `json:"averageScore"`
	AveragePassed *float64 `json:"averagePassed,omitempty"`
}

// RunSummary is the per-run rollup shown in experiment listings.
type RunSummary struct {
	Evaluators    []EvaluatorSummary `json:"evaluators"`
	TotalCost     *float64           `json:"totalCost,omitempty"`
	AvgDurationMs *float64           `json:"avgDurationMs,omitempty"`
}

// ExperimentRun is the canonical run model shared by both backends. All
// timestamps are Unix milliseconds UTC. A run is mutable while ingesting;
// once FinishedAt is set only StoppedAt may still change.
type ExperimentRun struct {
	ProjectID       string              `json:"projectId"`
	ExperimentID    string              `json:"experimentId"`
	RunID           string              `json:"runId"`
	WorkflowVersion *WorkflowVersionRef `json:"workflowVersion,omitempty"`
	CreatedAt       int64               `json:"createdAt"`
	UpdatedAt       int64               `json:"updatedAt"`
	FinishedAt      *int64              `json:"finishedAt,omitempty"`
	StoppedAt       *int64              `json:"stoppedAt,omitempty"`
	Progress        int                 `json:"progress"`
	Total           int                 `json:"total"`
	Summary         RunSummary          `json:"summary"`
}

// DatasetEntry is one input row of a run. Targets is the parsed expected
// output payload; nil when absent or unparseable.
type DatasetEntry struct {
	EntryID   string         `json:"entryId"`
	Input     map[string]any `json:"input,omitempty"`
	Targets   map[string]any `json:"targets"`
	CreatedAt int64          `json:"createdAt"`
}

// Evaluation is one (entry, evaluator) result row. Passed is tri-state:
// nil means not applicable, never false.
type Evaluation struct {
	EntryID       string   `json:"entryId"`
	EvaluatorID   string   `json:"evaluatorId"`
	EvaluatorName string   `json:"evaluatorName"`
	Score         *float64 `json:"score,omitempty"`
	Passed        *bool    `json:"passed,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	CreatedAt     int64    `json:"createdAt"`
}

// ExperimentRunWithItems is the detail view: the run plus its row-level
// items. Items never exist independently of the run.
type ExperimentRunWithItems struct {
	ExperimentRun
	Entries     []DatasetEntry `json:"entries"`
	Evaluations []Evaluation   `json:"evaluations"`
}
