package account

import (
	"context"
	"time"
)

// Repository defines the interface for account data access.
// Balance writes go through the orchestrator's atomic per-account commit, not this interface.
type Repository interface {
	// GetByID retrieves an account by its ID
	GetByID(ctx context.Context, id string) (*Account, error)

	// GetByExternalID finds the account a connection exposes under externalID
	GetByExternalID(ctx context.Context, connectionID, externalID string) (*Account, error)

	// ListByConnection lists the connection's non-archived accounts
	ListByConnection(ctx context.Context, connectionID string) ([]*Account, error)

	// Archive marks an account archived; accounts are never deleted
	Archive(ctx context.Context, id string, at time.Time) error
}
