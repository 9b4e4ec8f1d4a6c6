package transaction

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Domain errors
var (
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Direction is the canonical money flow relative to the account holder.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Status of a canonical transaction. Only status and category change after import.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPosted            Status = "posted"
	StatusPossibleDuplicate Status = "possible_duplicate"
)

// Unresolved reports whether the transaction may still move the balance.
func (s Status) Unresolved() bool {
	return s == StatusPending || s == StatusPossibleDuplicate
}

// Transaction is the normalized transaction. Amount is negative for debits.
type Transaction struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	ConnectionID string    `json:"connectionId"`
	ExternalID   string    `json:"externalId"`
	Amount       Money     `json:"amount"`
	Direction    Direction `json:"direction"`
	Description  string    `json:"description"`
	Merchant     string    `json:"merchant"`
	Category     *string   `json:"category,omitempty"`
	Date         time.Time `json:"date"`
	Status       Status    `json:"status"`
	Fingerprint  string    `json:"fingerprint"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StatusUpdate is the only mutation allowed on an imported transaction.
type StatusUpdate struct {
	ID       string
	Status   Status
	Category *string
}

// Fingerprint derives the fast-match key for a transaction: account, absolute
// amount, calendar day and case-folded description.
func Fingerprint(accountID string, amount Money, date time.Time, description string) string {
	key := fmt.Sprintf("%s|%d|%s|%s|%s",
		accountID,
		amount.Abs().Minor,
		amount.Currency,
		date.UTC().Format("2006-01-02"),
		strings.ToUpper(strings.Join(strings.Fields(description), " ")),
	)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
