package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgersync/internal/domain/reconcile"
)

// ReconcileRepository reads balance sync events and review records
type ReconcileRepository struct {
	db *DB
}

func NewReconcileRepository(db *DB) *ReconcileRepository {
	return &ReconcileRepository{db: db}
}

const reviewColumns = `
	id, account_id, connection_id, event_id, prior, external, status, decision, created_at, resolved_at`

func (r *ReconcileRepository) GetOpenReview(ctx context.Context, accountID string) (*reconcile.ReviewRecord, error) {
	query := `SELECT` + reviewColumns + ` FROM balance_reviews WHERE account_id = $1 AND status = $2`
	review, err := scanReview(r.db.QueryRowContext(ctx, query, accountID, reconcile.ReviewOpen))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open review: %w", err)
	}
	return review, nil
}

func (r *ReconcileRepository) GetReview(ctx context.Context, id string) (*reconcile.ReviewRecord, error) {
	query := `SELECT` + reviewColumns + ` FROM balance_reviews WHERE id = $1`
	review, err := scanReview(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconcile.ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return review, nil
}

func (r *ReconcileRepository) ListEvents(ctx context.Context, accountID string, since time.Time, limit int) ([]*reconcile.BalanceSyncEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, run_id, prior, external, resulting, discrepancy, state, method,
		       confidence, created_at
		FROM balance_sync_events
		WHERE account_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance sync events: %w", err)
	}
	defer rows.Close()

	var events []*reconcile.BalanceSyncEvent
	for rows.Next() {
		var e reconcile.BalanceSyncEvent
		var runID sql.NullString
		err := rows.Scan(&e.ID, &e.AccountID, &runID, &e.Prior, &e.External, &e.Resulting,
			&e.Discrepancy, &e.State, &e.Method, &e.Confidence, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance sync event: %w", err)
		}
		e.RunID = runID.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balance sync events: %w", err)
	}
	return events, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *reconcile.BalanceSyncEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_sync_events (id, account_id, run_id, prior, external, resulting,
		                                 discrepancy, state, method, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.AccountID, nullString(e.RunID), e.Prior, e.External, e.Resulting,
		e.Discrepancy, e.State, e.Method, e.Confidence, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert balance sync event: %w", err)
	}
	return nil
}

func insertReview(ctx context.Context, tx *sql.Tx, rv *reconcile.ReviewRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_reviews (id, account_id, connection_id, event_id, prior, external,
		                             status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rv.ID, rv.AccountID, rv.ConnectionID, rv.EventID, rv.Prior, rv.External, rv.Status, rv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// closeReview resolves an open review. The row lock keeps two operators from
// resolving the same review.
func closeReview(ctx context.Context, tx *sql.Tx, id string, decision reconcile.Decision, at time.Time) error {
	var status reconcile.ReviewStatus
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM balance_reviews WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.ErrReviewNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock review: %w", err)
	}
	if status != reconcile.ReviewOpen {
		return reconcile.ErrReviewClosed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE balance_reviews SET status = $2, decision = $3, resolved_at = $4
		WHERE id = $1`, id, reconcile.ReviewResolved, decision, at)
	if err != nil {
		return fmt.Errorf("failed to resolve review: %w", err)
	}
	return nil
}

func scanReview(row scanner) (*reconcile.ReviewRecord, error) {
	var rv reconcile.ReviewRecord
	var decision sql.NullString
	var resolved sql.NullTime

	err := row.Scan(&rv.ID, &rv.AccountID, &rv.ConnectionID, &rv.EventID, &rv.Prior, &rv.External,
		&rv.Status, &decision, &rv.CreatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	if decision.Valid {
		d := reconcile.Decision(decision.String)
		rv.Decision = &d
	}
	rv.ResolvedAt = timePtr(resolved)
	return &rv, nil
}
