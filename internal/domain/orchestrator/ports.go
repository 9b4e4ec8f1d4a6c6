package orchestrator

import (
	"context"
	"errors"
	"time"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/reconcile"
	"ledgersync/internal/domain/transaction"
)

var (
	// ErrLocked is returned by a Locker when another worker holds the connection.
	ErrLocked = errors.New("connection locked by another worker")
)

// AccountCommit is everything one account iteration writes. A Store applies it
// all-or-nothing.
type AccountCommit struct {
	RunID string
	// Account is upserted by (connection, external id). Created marks a first sighting.
	Account         *account.Account
	Created         bool
	NewTransactions []*transaction.Transaction
	StatusUpdates   []transaction.StatusUpdate
	Event           *reconcile.BalanceSyncEvent
	OpenReview      *reconcile.ReviewRecord
	ResolveReview   *ReviewResolution
}

// ReviewResolution closes an open review inside a commit.
type ReviewResolution struct {
	ReviewID string
	Decision reconcile.Decision
	At       time.Time
}

// CommitResult reports what the store actually wrote.
type CommitResult struct {
	// Inserted excludes transactions that already existed under the same external id.
	Inserted int
}

// Store is the canonical store's atomic write path.
type Store interface {
	CommitAccount(ctx context.Context, commit AccountCommit) (CommitResult, error)
}

// Locker provides cross-instance mutual exclusion per connection. With wait false
// Acquire returns ErrLocked immediately when the lock is taken.
type Locker interface {
	Acquire(ctx context.Context, connectionID string, wait bool) (release func(), err error)
}

// NopLocker is used when a single instance runs; the dispatcher already serializes
// work per connection.
type NopLocker struct{}

// Acquire always succeeds
func (NopLocker) Acquire(context.Context, string, bool) (func(), error) {
	return func() {}, nil
}
