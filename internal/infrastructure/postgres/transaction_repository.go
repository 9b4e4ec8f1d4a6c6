package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ledgersync/internal/domain/transaction"
)

// TransactionRepository implements transaction.Repository for PostgreSQL
type TransactionRepository struct {
	db *DB
}

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `
	id, account_id, connection_id, external_id, amount_minor, currency, direction,
	description, merchant, category, date, status, fingerprint, created_at, updated_at`

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE id = $1`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) FindByExternalIDs(ctx context.Context, accountID string, externalIDs []string) (map[string]*transaction.Transaction, error) {
	found := make(map[string]*transaction.Transaction, len(externalIDs))
	if len(externalIDs) == 0 {
		return found, nil
	}

	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1 AND external_id = ANY($2)`
	txns, err := r.list(ctx, query, accountID, pq.Array(externalIDs))
	if err != nil {
		return nil, err
	}
	for _, t := range txns {
		found[t.ExternalID] = t
	}
	return found, nil
}

func (r *TransactionRepository) ListInWindow(ctx context.Context, accountID string, from, to time.Time) ([]*transaction.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, id`
	return r.list(ctx, query, accountID, from, to)
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*transaction.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY date DESC, id
		LIMIT $2 OFFSET $3`
	return r.list(ctx, query, accountID, limit, offset)
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...any) ([]*transaction.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

// insertTransactions skips rows already stored under the same (account, external id)
// and returns how many were written.
func insertTransactions(ctx context.Context, tx *sql.Tx, txns []*transaction.Transaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (id, account_id, connection_id, external_id, amount_minor, currency,
		                          direction, description, merchant, category, date, status, fingerprint,
		                          created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (account_id, external_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare transaction insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, t := range txns {
		result, err := stmt.ExecContext(ctx,
			t.ID, t.AccountID, t.ConnectionID, t.ExternalID, t.Amount.Minor, t.Amount.Currency,
			t.Direction, t.Description, t.Merchant, t.Category, t.Date, t.Status, t.Fingerprint,
			t.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert transaction %s: %w", t.ExternalID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// applyStatusUpdates touches only status and category.
func applyStatusUpdates(ctx context.Context, tx *sql.Tx, updates []transaction.StatusUpdate) error {
	for _, u := range updates {
		_, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET status = $2, category = COALESCE($3, category), updated_at = NOW()
			WHERE id = $1`, u.ID, u.Status, u.Category)
		if err != nil {
			return fmt.Errorf("failed to update transaction %s: %w", u.ID, err)
		}
	}
	return nil
}

func scanTransaction(row scanner) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var category sql.NullString

	err := row.Scan(
		&t.ID, &t.AccountID, &t.ConnectionID, &t.ExternalID, &t.Amount.Minor, &t.Amount.Currency,
		&t.Direction, &t.Description, &t.Merchant, &category, &t.Date, &t.Status, &t.Fingerprint,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Category = stringPtr(category)
	return &t, nil
}
