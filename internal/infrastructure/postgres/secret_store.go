package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrSecretNotFound = errors.New("credential secret not found")

// JSONSealer seals structured secrets.
type JSONSealer interface {
	SealJSON(v any) (string, error)
	OpenJSON(ciphertext string, v any) error
}

// SecretStore implements connection.SecretStore on a sealed table. Only the
// opaque ref leaves this type.
type SecretStore struct {
	db     *DB
	sealer JSONSealer
}

func NewSecretStore(db *DB, sealer JSONSealer) *SecretStore {
	return &SecretStore{db: db, sealer: sealer}
}

func (s *SecretStore) Put(ctx context.Context, userID string, creds map[string]string) (string, error) {
	sealed, err := s.sealer.SealJSON(creds)
	if err != nil {
		return "", fmt.Errorf("failed to seal credentials: %w", err)
	}
	ref := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credential_secrets (ref, user_id, sealed) VALUES ($1, $2, $3)`,
		ref, userID, sealed)
	if err != nil {
		return "", fmt.Errorf("failed to store credentials: %w", err)
	}
	return ref, nil
}

func (s *SecretStore) Get(ctx context.Context, ref string) (map[string]string, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed FROM credential_secrets WHERE ref = $1`, ref).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	var creds map[string]string
	if err := s.sealer.OpenJSON(sealed, &creds); err != nil {
		return nil, fmt.Errorf("failed to open credentials: %w", err)
	}
	return creds, nil
}

func (s *SecretStore) Delete(ctx context.Context, ref string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credential_secrets WHERE ref = $1`, ref); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}
