// Package columnar is the DuckDB-backed analytics backend, the migration
// target. Writes land here synchronously, so no read-after-write retry is
// needed. The store keeps multiple physical versions per logical row
// (append-style upserts versioned by updated_at); every read dedups to the
// latest version before aggregating.
package columnar

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"

	"github.com/tracelight/tracelight/internal/analytics/compiler"
	"github.com/tracelight/tracelight/internal/core/domain"
)

const backendName = "columnar"

type Store struct {
	db       *sql.DB
	compiler *compiler.Compiler
	logger   zerolog.Logger
}

// Open connects to DuckDB at path (":memory:" style paths work for tests)
// and bootstraps the analytical schema.
func Open(path string, comp *compiler.Compiler, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	s := &Store{db: db, compiler: comp, logger: logger}
	if err := s.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Name() string { return backendName }

// Enabled reports whether the columnar store can serve queries. A nil
// store (not configured at startup) is simply not enabled rather than an
// error, so callers retry the document backend.
func (s *Store) Enabled(ctx context.Context, projectID string) bool {
	if s == nil || s.db == nil {
		return false
	}
	return s.db.PingContext(ctx) == nil
}

// Timeseries compiles, executes and maps an aggregated metrics query.
func (s *Store) Timeseries(ctx context.Context, q domain.TimeseriesQuery) (*domain.TimeseriesResult, error) {
	cq, err := s.compiler.CompileTimeseries(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.querySeries(ctx, cq)
	if err != nil {
		return nil, &domain.QueryError{Op: "timeseries", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	return mapTimeseries(rows, q), nil
}

// FilterOptions compiles, executes and maps a distinct-values query.
func (s *Store) FilterOptions(ctx context.Context, q domain.FilterOptionsQuery) (*domain.FilterDataResult, error) {
	cq, err := s.compiler.CompileFilterOptions(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.queryOptions(ctx, cq)
	if err != nil {
		return nil, &domain.QueryError{Op: "filter_options", Backend: backendName, ProjectID: q.ProjectID, Err: err}
	}
	return mapFilterOptions(rows, q.Field), nil
}

// seriesRow is the store-native long-format row of a timeseries query.
// It never leaves this package.
type seriesRow struct {
	Period     string
	BucketTS   sql.NullTime
	GroupValue sql.NullString
	Metric     string
	Value      sql.NullFloat64
}

func (s *Store) querySeries(ctx context.Context, cq domain.CompiledQuery) ([]seriesRow, error) {
	text, args, err := bindNamed(cq.Text, cq.Params)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var out []seriesRow
	for rows.Next() {
		var r seriesRow
		if err := rows.Scan(&r.Period, &r.BucketTS, &r.GroupValue, &r.Metric, &r.Value); err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// optionRow is the store-native row of a filter-options query.
type optionRow struct {
	Label string
	Count float64
}

func (s *Store) queryOptions(ctx context.Context, cq domain.CompiledQuery) ([]optionRow, error) {
	text, args, err := bindNamed(cq.Text, cq.Params)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("query filter options: %w", err)
	}
	defer rows.Close()

	var out []optionRow
	for rows.Next() {
		var r optionRow
		if err := rows.Scan(&r.Label, &r.Count); err != nil {
			return nil, fmt.Errorf("scan option row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS traces (
			id VARCHAR NOT NULL,
			project_id VARCHAR NOT NULL,
			name VARCHAR,
			user_id VARCHAR,
			customer_id VARCHAR,
			session_id VARCHAR,
			models VARCHAR[],
			tags VARCHAR[],
			metadata JSON,
			duration_ms BIGINT,
			total_cost DOUBLE,
			start_time TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS observations (
			id VARCHAR NOT NULL,
			trace_id VARCHAR NOT NULL,
			project_id VARCHAR NOT NULL,
			model VARCHAR,
			level VARCHAR,
			prompt_tokens BIGINT,
			completion_tokens BIGINT,
			total_tokens BIGINT,
			latency_ms BIGINT,
			cost DOUBLE,
			start_time TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id VARCHAR NOT NULL,
			project_id VARCHAR NOT NULL,
			trace_id VARCHAR,
			run_id VARCHAR,
			entry_id VARCHAR,
			evaluator_id VARCHAR NOT NULL,
			evaluator_name VARCHAR,
			score DOUBLE,
			passed SMALLINT,
			comment VARCHAR,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS experiment_runs (
			project_id VARCHAR NOT NULL,
			experiment_id VARCHAR NOT NULL,
			run_id VARCHAR NOT NULL,
			workflow_version_id VARCHAR,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			stopped_at TIMESTAMP,
			progress BIGINT NOT NULL DEFAULT 0,
			total BIGINT NOT NULL DEFAULT 0,
			total_cost DOUBLE,
			avg_duration_ms DOUBLE
		)`,
		`CREATE TABLE IF NOT EXISTS dataset_entries (
			project_id VARCHAR NOT NULL,
			run_id VARCHAR NOT NULL,
			entry_id VARCHAR NOT NULL,
			input VARCHAR,
			targets VARCHAR,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}
