// Package postgres resolves workflow version references from the relational
// metadata store. Analytics results only carry version ids; names and
// version numbers live here.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tracelight/tracelight/internal/core/domain"
)

type WorkflowVersionStore struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*WorkflowVersionStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &WorkflowVersionStore{pool: pool}, nil
}

func (s *WorkflowVersionStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// GetVersions resolves version ids to refs. Unknown ids are simply absent
// from the result; a nil store (metadata database not configured) resolves
// nothing rather than failing run reads.
func (s *WorkflowVersionStore) GetVersions(ctx context.Context, projectID string, ids []string) (map[string]domain.WorkflowVersionRef, error) {
	out := make(map[string]domain.WorkflowVersionRef, len(ids))
	if s == nil || s.pool == nil || len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, version FROM workflow_versions WHERE project_id = $1 AND id = ANY($2)`,
		projectID, ids)
	if err != nil {
		return nil, fmt.Errorf("query workflow versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref domain.WorkflowVersionRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Version); err != nil {
			return nil, fmt.Errorf("scan workflow version: %w", err)
		}
		out[ref.ID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read workflow versions: %w", err)
	}
	return out, nil
}
