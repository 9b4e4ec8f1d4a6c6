package connection

import (
	"context"
	"time"
)

// Repository defines the interface for connection data access
type Repository interface {
	// Create persists a new connection and returns it with its generated ID
	Create(ctx context.Context, params CreateParams) (*Connection, error)

	// GetByID retrieves a non-deleted connection by its ID
	GetByID(ctx context.Context, id string) (*Connection, error)

	// GetByExternalID resolves the institution's own identifier (e.g. an aggregator item id)
	GetByExternalID(ctx context.Context, institutionID, externalID string) (*Connection, error)

	// ListByUserID lists a user's non-deleted connections
	ListByUserID(ctx context.Context, userID string) ([]*Connection, error)

	// ListPollable lists active connections whose sync mode is polling
	ListPollable(ctx context.Context) ([]*Connection, error)

	// UpdateTokens stores refreshed tokens
	UpdateTokens(ctx context.Context, id string, update TokenUpdate) error

	// UpdateStatus sets the lifecycle status
	UpdateStatus(ctx context.Context, id string, status Status) error

	// UpdateSyncMode records whether the connection is webhook- or poll-driven
	UpdateSyncMode(ctx context.Context, id string, mode SyncMode) error

	// IncrementFailures atomically bumps the consecutive failure counter and returns the new value
	IncrementFailures(ctx context.Context, id string) (int, error)

	// RecordSuccess resets the failure counter and stamps the last success time
	RecordSuccess(ctx context.Context, id string, at time.Time) error

	// SoftDelete marks the connection deleted without removing history
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// SecretStore holds the raw credentials a user submitted. Connections keep only the
// opaque reference it returns.
type SecretStore interface {
	// Put seals creds and returns a reference
	Put(ctx context.Context, userID string, creds map[string]string) (string, error)

	// Get unseals the credentials behind ref
	Get(ctx context.Context, ref string) (map[string]string, error)

	// Delete discards the credentials behind ref
	Delete(ctx context.Context, ref string) error
}
