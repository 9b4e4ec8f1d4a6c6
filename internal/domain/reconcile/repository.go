package reconcile

import (
	"context"
	"time"
)

// Repository reads reconciliation history and review records.
// Writes happen inside the atomic per-account commit.
type Repository interface {
	// GetOpenReview returns the account's open review, or nil
	GetOpenReview(ctx context.Context, accountID string) (*ReviewRecord, error)

	// GetReview retrieves a review by ID
	GetReview(ctx context.Context, id string) (*ReviewRecord, error)

	// ListEvents lists an account's reconciliation events newest first
	ListEvents(ctx context.Context, accountID string, since time.Time, limit int) ([]*BalanceSyncEvent, error)
}
