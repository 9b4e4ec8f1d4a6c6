package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgersync/internal/domain/connection"
)

// TokenCipher seals tokens at rest.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ConnectionRepository implements connection.Repository for PostgreSQL
type ConnectionRepository struct {
	db     *DB
	cipher TokenCipher
}

// NewConnectionRepository creates a connection repository that seals tokens with cipher
func NewConnectionRepository(db *DB, cipher TokenCipher) *ConnectionRepository {
	return &ConnectionRepository{db: db, cipher: cipher}
}

const connectionColumns = `
	id, user_id, institution_id, external_id, auth_type, credential_ref,
	access_token, refresh_token, token_expiry, consent_expires_at, status, sync_mode,
	consecutive_failures, last_success_at, created_at, updated_at, deleted_at`

// Create persists a new connection
func (r *ConnectionRepository) Create(ctx context.Context, params connection.CreateParams) (*connection.Connection, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	access, err := r.cipher.Encrypt(params.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := r.cipher.Encrypt(params.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}

	query := `
		INSERT INTO connections (id, user_id, institution_id, external_id, auth_type, credential_ref,
		                         access_token, refresh_token, token_expiry, consent_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING` + connectionColumns

	row := r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.UserID, params.InstitutionID, params.ExternalID, params.AuthType,
		params.CredentialRef, access, refresh, nullTime(params.TokenExpiry), nullTime(params.ConsentExpiresAt),
	)
	conn, err := r.scan(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return conn, nil
}

// GetByID retrieves a non-deleted connection
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	query := `SELECT` + connectionColumns + ` FROM connections WHERE id = $1 AND deleted_at IS NULL`
	conn, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// GetByExternalID resolves an institution-side identifier
func (r *ConnectionRepository) GetByExternalID(ctx context.Context, institutionID, externalID string) (*connection.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM connections
		WHERE institution_id = $1 AND external_id = $2 AND deleted_at IS NULL`
	conn, err := r.scan(r.db.QueryRowContext(ctx, query, institutionID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection by external id: %w", err)
	}
	return conn, nil
}

// ListByUserID lists a user's connections, newest first
func (r *ConnectionRepository) ListByUserID(ctx context.Context, userID string) ([]*connection.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM connections
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`
	return r.list(ctx, query, userID)
}

// ListPollable lists active polling connections
func (r *ConnectionRepository) ListPollable(ctx context.Context) ([]*connection.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM connections
		WHERE deleted_at IS NULL AND status = $1 AND sync_mode = $2
		ORDER BY id`
	return r.list(ctx, query, connection.StatusActive, connection.SyncModePolling)
}

// UpdateTokens seals and stores refreshed tokens
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id string, update connection.TokenUpdate) error {
	access, err := r.cipher.Encrypt(update.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := r.cipher.Encrypt(update.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}
	return r.exec(ctx, "update tokens", `
		UPDATE connections
		SET access_token = $2, refresh_token = $3, token_expiry = $4, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		id, access, refresh, nullTime(update.TokenExpiry))
}

// UpdateStatus sets the lifecycle status
func (r *ConnectionRepository) UpdateStatus(ctx context.Context, id string, status connection.Status) error {
	return r.exec(ctx, "update status", `
		UPDATE connections SET status = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, status)
}

// UpdateSyncMode records the delivery mode
func (r *ConnectionRepository) UpdateSyncMode(ctx context.Context, id string, mode connection.SyncMode) error {
	return r.exec(ctx, "update sync mode", `
		UPDATE connections SET sync_mode = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, mode)
}

// IncrementFailures bumps the failure counter in one statement
func (r *ConnectionRepository) IncrementFailures(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE connections
		SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING consecutive_failures`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, connection.ErrConnectionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment failures: %w", err)
	}
	return n, nil
}

// RecordSuccess resets the failure counter
func (r *ConnectionRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "record success", `
		UPDATE connections
		SET consecutive_failures = 0, last_success_at = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
}

// SoftDelete marks the connection deleted and drops its sealed tokens
func (r *ConnectionRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "delete", `
		UPDATE connections
		SET deleted_at = $2, access_token = '', refresh_token = '', updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
}

func (r *ConnectionRepository) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s connection: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return connection.ErrConnectionNotFound
	}
	return nil
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]*connection.Connection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*connection.Connection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *ConnectionRepository) scan(row scanner) (*connection.Connection, error) {
	var c connection.Connection
	var access, refresh string
	var tokenExpiry, consentExpiry, lastSuccess, deletedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.UserID, &c.InstitutionID, &c.ExternalID, &c.AuthType, &c.CredentialRef,
		&access, &refresh, &tokenExpiry, &consentExpiry, &c.Status, &c.SyncMode,
		&c.ConsecutiveFailures, &lastSuccess, &c.CreatedAt, &c.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.AccessToken, err = r.cipher.Decrypt(access); err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	if c.RefreshToken, err = r.cipher.Decrypt(refresh); err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	c.TokenExpiry = timePtr(tokenExpiry)
	c.ConsentExpiresAt = timePtr(consentExpiry)
	c.LastSuccessAt = timePtr(lastSuccess)
	c.DeletedAt = timePtr(deletedAt)
	return &c, nil
}
