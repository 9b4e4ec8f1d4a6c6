package connection

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultDisableThreshold is how many consecutive terminal failures disable a connection.
const DefaultDisableThreshold = 3

// Service contains failure tracking and lifecycle rules for connections.
type Service struct {
	repo             Repository
	disableThreshold int
	now              func() time.Time
}

// NewService creates a new connection service
func NewService(repo Repository, disableThreshold int) *Service {
	if disableThreshold <= 0 {
		disableThreshold = DefaultDisableThreshold
	}
	return &Service{repo: repo, disableThreshold: disableThreshold, now: time.Now}
}

// GetOwned retrieves a connection and verifies the user owns it.
func (s *Service) GetOwned(ctx context.Context, id, userID string) (*Connection, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn.UserID != userID {
		return nil, ErrForbidden
	}
	return conn, nil
}

// RecordRepeatableFailure counts a terminal-for-this-call failure such as invalid
// credentials. The connection is disabled once the threshold is reached.
func (s *Service) RecordRepeatableFailure(ctx context.Context, conn *Connection) (bool, error) {
	count, err := s.repo.IncrementFailures(ctx, conn.ID)
	if err != nil {
		return false, fmt.Errorf("failed to record failure: %w", err)
	}
	conn.ConsecutiveFailures = count
	if count < s.disableThreshold {
		return false, nil
	}

	if err := s.repo.UpdateStatus(ctx, conn.ID, StatusDisabled); err != nil {
		return false, fmt.Errorf("failed to disable connection: %w", err)
	}
	conn.Status = StatusDisabled
	log.WithFields(log.Fields{
		"connection_id": conn.ID,
		"failures":      count,
	}).Warn("Connection disabled after repeated failures")
	return true, nil
}

// RequireReauthentication parks the connection in error state until the user reconnects.
func (s *Service) RequireReauthentication(ctx context.Context, conn *Connection) error {
	if err := s.repo.UpdateStatus(ctx, conn.ID, StatusError); err != nil {
		return fmt.Errorf("failed to mark connection for reauthentication: %w", err)
	}
	conn.Status = StatusError
	log.WithField("connection_id", conn.ID).Warn("Connection requires reauthentication")
	return nil
}

// MarkExpired records that the institution reported expired consent or login.
func (s *Service) MarkExpired(ctx context.Context, conn *Connection) error {
	if err := s.repo.UpdateStatus(ctx, conn.ID, StatusExpired); err != nil {
		return fmt.Errorf("failed to expire connection: %w", err)
	}
	conn.Status = StatusExpired
	return nil
}

// RecordSuccess clears the failure counter after a run that reached the institution.
func (s *Service) RecordSuccess(ctx context.Context, conn *Connection) error {
	now := s.now()
	if err := s.repo.RecordSuccess(ctx, conn.ID, now); err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}
	conn.ConsecutiveFailures = 0
	conn.LastSuccessAt = &now
	return nil
}

// Disconnect soft-deletes a connection owned by userID.
func (s *Service) Disconnect(ctx context.Context, id, userID string) (*Connection, error) {
	conn, err := s.GetOwned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SoftDelete(ctx, id, s.now()); err != nil {
		return nil, fmt.Errorf("failed to delete connection: %w", err)
	}
	return conn, nil
}
