package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/account"
)

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, connection_id, external_id, name, type, currency, balance, available_balance,
	metadata, balance_resolved, last_synced_at, archived_at, created_at, updated_at, version`

// GetByID retrieves an account by its ID
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	query := `SELECT` + accountColumns + ` FROM accounts WHERE id = $1`
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// GetByExternalID finds an account, archived or not, by its institution id
func (r *AccountRepository) GetByExternalID(ctx context.Context, connectionID, externalID string) (*account.Account, error) {
	query := `SELECT` + accountColumns + ` FROM accounts WHERE connection_id = $1 AND external_id = $2`
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, connectionID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by external id: %w", err)
	}
	return acc, nil
}

// ListByConnection lists the connection's non-archived accounts
func (r *AccountRepository) ListByConnection(ctx context.Context, connectionID string) ([]*account.Account, error) {
	query := `SELECT` + accountColumns + `
		FROM accounts
		WHERE connection_id = $1 AND archived_at IS NULL
		ORDER BY external_id`

	rows, err := r.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// Archive marks an account archived
func (r *AccountRepository) Archive(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET archived_at = $2, updated_at = NOW(), version = version + 1
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to archive account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

// writeAccount inserts a first-seen account or updates a known one. Balance
// columns are only ever written here, inside the per-account commit. The update
// is conditional on the version the caller read, so a commit built from a stale
// read fails with account.ErrStale instead of overwriting a newer balance.
func writeAccount(ctx context.Context, tx *sql.Tx, acc *account.Account, created bool) (int64, error) {
	metadata, err := json.Marshal(acc.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal account metadata: %w", err)
	}
	if acc.Metadata == nil {
		metadata = []byte("{}")
	}

	var result sql.Result
	if created {
		result, err = tx.ExecContext(ctx, `
			INSERT INTO accounts (id, connection_id, external_id, name, type, currency, balance,
			                      available_balance, metadata, balance_resolved, last_synced_at,
			                      archived_at, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), 1)
			ON CONFLICT (connection_id, external_id) DO NOTHING`,
			acc.ID, acc.ConnectionID, acc.ExternalID, acc.Name, acc.Type, acc.Currency, acc.Balance,
			nullDecimal(acc.AvailableBalance), metadata, acc.BalanceResolved, nullTime(acc.LastSyncedAt),
			nullTime(acc.ArchivedAt), acc.CreatedAt,
		)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE accounts SET
				name = $2,
				type = $3,
				currency = $4,
				balance = $5,
				available_balance = $6,
				metadata = $7,
				balance_resolved = $8,
				last_synced_at = $9,
				archived_at = $10,
				updated_at = NOW(),
				version = version + 1
			WHERE id = $1 AND version = $11`,
			acc.ID, acc.Name, acc.Type, acc.Currency, acc.Balance,
			nullDecimal(acc.AvailableBalance), metadata, acc.BalanceResolved, nullTime(acc.LastSyncedAt),
			nullTime(acc.ArchivedAt), acc.Version,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, account.ErrStale
	}
	if created {
		return 1, nil
	}
	return acc.Version + 1, nil
}

func scanAccount(row scanner) (*account.Account, error) {
	var acc account.Account
	var available decimal.NullDecimal
	var metadata []byte
	var lastSynced, archived sql.NullTime

	err := row.Scan(
		&acc.ID, &acc.ConnectionID, &acc.ExternalID, &acc.Name, &acc.Type, &acc.Currency,
		&acc.Balance, &available, &metadata, &acc.BalanceResolved, &lastSynced, &archived,
		&acc.CreatedAt, &acc.UpdatedAt, &acc.Version,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &acc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal account metadata: %w", err)
		}
	}
	acc.AvailableBalance = decimalPtr(available)
	acc.LastSyncedAt = timePtr(lastSynced)
	acc.ArchivedAt = timePtr(archived)
	return &acc, nil
}
