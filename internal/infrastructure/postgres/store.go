package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"ledgersync/internal/domain/orchestrator"
)

// Store applies one account's sync results in a single transaction.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// CommitAccount writes the account, its new transactions, status updates, the
// balance sync event and any review change together or not at all. The review is
// closed first so a concurrent resolution aborts the whole commit, and the account
// write is version-checked so a commit built from a stale read aborts too.
func (s *Store) CommitAccount(ctx context.Context, c orchestrator.AccountCommit) (orchestrator.CommitResult, error) {
	var result orchestrator.CommitResult
	var version int64

	err := s.db.InTx(ctx, "commit_account", func(tx *sql.Tx) error {
		if c.ResolveReview != nil {
			if err := closeReview(ctx, tx, c.ResolveReview.ReviewID, c.ResolveReview.Decision, c.ResolveReview.At); err != nil {
				return err
			}
		}
		v, err := writeAccount(ctx, tx, c.Account, c.Created)
		if err != nil {
			return err
		}
		version = v
		inserted, err := insertTransactions(ctx, tx, c.NewTransactions)
		if err != nil {
			return err
		}
		result.Inserted = inserted
		if err := applyStatusUpdates(ctx, tx, c.StatusUpdates); err != nil {
			return err
		}
		if c.Event != nil {
			if err := insertEvent(ctx, tx, c.Event); err != nil {
				return err
			}
		}
		if c.OpenReview != nil {
			if err := insertReview(ctx, tx, c.OpenReview); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return orchestrator.CommitResult{}, fmt.Errorf("failed to commit account %s: %w", c.Account.ExternalID, err)
	}
	c.Account.Version = version
	return result, nil
}
