package transaction

import (
	"context"
	"time"
)

// Repository defines the read side of transaction storage.
// Inserts and status updates are written through the atomic per-account commit.
type Repository interface {
	// GetByID retrieves a transaction by its ID
	GetByID(ctx context.Context, id string) (*Transaction, error)

	// FindByExternalIDs returns the account's transactions keyed by external id
	FindByExternalIDs(ctx context.Context, accountID string, externalIDs []string) (map[string]*Transaction, error)

	// ListInWindow lists the account's transactions dated within [from, to]
	ListInWindow(ctx context.Context, accountID string, from, to time.Time) ([]*Transaction, error)

	// ListByAccountID lists transactions newest first
	ListByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error)
}
