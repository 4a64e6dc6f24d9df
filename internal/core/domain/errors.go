package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested run does not exist, on the
	// document-store path after the bounded retry window is exhausted.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable signals that the columnar backend is not
	// configured or its feature flag is off. Callers fall back to the
	// document store; this is not a fatal error.
	ErrBackendUnavailable = errors.New("analytics backend not available")
)

// QueryError is a backend query failure surfaced to callers. It carries the
// operation name and tenant id but deliberately no filter or series values.
type QueryError struct {
	Op        string
	Backend   string
	ProjectID string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query failed on %s backend (project %s): %v", e.Op, e.Backend, e.ProjectID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
