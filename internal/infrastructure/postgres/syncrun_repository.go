package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ledgersync/internal/domain/syncrun"
)

// SyncRunRepository persists the run log
type SyncRunRepository struct {
	db *DB
}

func NewSyncRunRepository(db *DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

const runColumns = `
	id, connection_id, type, status, started_at, finished_at, accounts_processed, accounts_failed,
	transactions_imported, duplicates_skipped, possible_duplicates, status_updates, refreshes,
	reviews_opened, errors`

func (r *SyncRunRepository) Create(ctx context.Context, run *syncrun.Run) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, connection_id, type, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.ConnectionID, run.Type, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// Finalize only updates a run that is still running.
func (r *SyncRunRepository) Finalize(ctx context.Context, run *syncrun.Run) error {
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			status = $2, finished_at = $3, accounts_processed = $4, accounts_failed = $5,
			transactions_imported = $6, duplicates_skipped = $7, possible_duplicates = $8,
			status_updates = $9, refreshes = $10, reviews_opened = $11, errors = $12
		WHERE id = $1 AND status = $13`,
		run.ID, run.Status, nullTime(run.FinishedAt), run.AccountsProcessed, run.AccountsFailed,
		run.TransactionsImported, run.DuplicatesSkipped, run.PossibleDuplicates,
		run.StatusUpdates, run.Refreshes, run.ReviewsOpened, errs, syncrun.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize sync run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, run.ID); err != nil {
		return err
	}
	return syncrun.ErrRunFinished
}

func (r *SyncRunRepository) GetByID(ctx context.Context, id string) (*syncrun.Run, error) {
	query := `SELECT` + runColumns + ` FROM sync_runs WHERE id = $1`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncrun.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

func (r *SyncRunRepository) ListByConnection(ctx context.Context, connectionID string, limit int) ([]*syncrun.Run, error) {
	query := `SELECT` + runColumns + `
		FROM sync_runs
		WHERE connection_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*syncrun.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}

func scanRun(row scanner) (*syncrun.Run, error) {
	var run syncrun.Run
	var finished sql.NullTime
	var errs []byte

	err := row.Scan(
		&run.ID, &run.ConnectionID, &run.Type, &run.Status, &run.StartedAt, &finished,
		&run.AccountsProcessed, &run.AccountsFailed, &run.TransactionsImported, &run.DuplicatesSkipped,
		&run.PossibleDuplicates, &run.StatusUpdates, &run.Refreshes, &run.ReviewsOpened, &errs,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(errs, &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run errors: %w", err)
	}
	run.FinishedAt = timePtr(finished)
	return &run, nil
}
