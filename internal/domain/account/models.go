package account

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Domain errors
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidType     = errors.New("invalid account type")
	ErrInvalidCurrency = errors.New("valid ISO 4217 currency is required")
	// ErrStale is returned by a commit whose account changed after it was read.
	ErrStale = errors.New("account changed since it was read")
)

// Type is the canonical account type. It doubles as the reconciliation class.
type Type string

const (
	TypeChecking   Type = "checking"
	TypeSavings    Type = "savings"
	TypeCredit     Type = "credit"
	TypeInvestment Type = "investment"
)

// DefaultType is used when an institution's account type has no mapping.
const DefaultType = TypeChecking

// Valid reports whether t is a canonical type.
func (t Type) Valid() bool {
	switch t {
	case TypeChecking, TypeSavings, TypeCredit, TypeInvestment:
		return true
	default:
		return false
	}
}

// Account is the normalized, institution-agnostic account.
// Balance only ever holds a reconciled value; raw external reads go through the resolver.
type Account struct {
	ID               string            `json:"id"`
	ConnectionID     string            `json:"connectionId"`
	ExternalID       string            `json:"externalId"`
	Name             string            `json:"name"`
	Type             Type              `json:"type"`
	Currency         string            `json:"currency"`
	Balance          decimal.Decimal   `json:"balance"`
	AvailableBalance *decimal.Decimal  `json:"availableBalance,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	// BalanceResolved is false until the first reconciliation commits a balance.
	BalanceResolved bool       `json:"balanceResolved"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt,omitempty"`
	ArchivedAt      *time.Time `json:"archivedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	// Version increases with every committed write. A commit carries the
	// version it read and fails with ErrStale if the row moved on.
	Version int64 `json:"-"`
}

// Archived reports whether the account disappeared from the institution listing.
func (a *Account) Archived() bool {
	return a.ArchivedAt != nil
}

// Validate checks the fields the store relies on.
func (a *Account) Validate() error {
	if a.ConnectionID == "" {
		return errors.New("connection ID is required")
	}
	if a.ExternalID == "" {
		return errors.New("external account ID is required")
	}
	if !a.Type.Valid() {
		return ErrInvalidType
	}
	if len(a.Currency) != 3 {
		return ErrInvalidCurrency
	}
	return nil
}
