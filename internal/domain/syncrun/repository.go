package syncrun

import "context"

// Repository persists the append-only run log
type Repository interface {
	// Create inserts a running run
	Create(ctx context.Context, run *Run) error

	// Finalize writes the terminal status, counters and errors. Finalizing twice returns ErrRunFinished.
	Finalize(ctx context.Context, run *Run) error

	// GetByID retrieves a run
	GetByID(ctx context.Context, id string) (*Run, error)

	// ListByConnection returns the most recent runs first
	ListByConnection(ctx context.Context, connectionID string, limit int) ([]*Run, error)
}
