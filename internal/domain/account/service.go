package account

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Service contains account lifecycle rules that sit outside reconciliation.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new account service
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// ListActive returns the connection's accounts that are still listed by the institution.
func (s *Service) ListActive(ctx context.Context, connectionID string) ([]*Account, error) {
	accounts, err := s.repo.ListByConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ArchiveMissing archives every local account whose external id is not in seen.
// It returns how many accounts were archived.
func (s *Service) ArchiveMissing(ctx context.Context, connectionID string, seen map[string]struct{}) (int, error) {
	accounts, err := s.ListActive(ctx, connectionID)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, acc := range accounts {
		if _, ok := seen[acc.ExternalID]; ok {
			continue
		}
		if err := s.repo.Archive(ctx, acc.ID, s.now()); err != nil {
			return archived, fmt.Errorf("failed to archive account %s: %w", acc.ID, err)
		}
		log.WithFields(log.Fields{
			"connection_id": connectionID,
			"account_id":    acc.ID,
		}).Info("Archived account no longer listed by institution")
		archived++
	}
	return archived, nil
}
