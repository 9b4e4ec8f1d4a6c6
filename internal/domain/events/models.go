package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind is one of the notification core's event types
type Kind string

const (
	KindBalanceUpdated      Kind = "balance.updated"
	KindTransactionsUpdated Kind = "transactions.updated"
	KindSyncStatus          Kind = "sync.status"
)

// Event is a best-effort notification for the notification core.
type Event struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"kind"`
	UserID       string            `json:"userId"`
	ConnectionID string            `json:"connectionId"`
	AccountID    string            `json:"accountId,omitempty"`
	OccurredAt   time.Time         `json:"occurredAt"`
	Payload      map[string]string `json:"payload,omitempty"`
}

// New builds an event with a fresh id.
func New(kind Kind, userID, connectionID, accountID string, at time.Time, payload map[string]string) Event {
	return Event{
		ID:           uuid.NewString(),
		Kind:         kind,
		UserID:       userID,
		ConnectionID: connectionID,
		AccountID:    accountID,
		OccurredAt:   at,
		Payload:      payload,
	}
}
