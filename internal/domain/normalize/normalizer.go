package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/transaction"
)

var ErrInvalidPayload = errors.New("invalid institution payload")

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// Normalizer maps raw institution payloads into the canonical model.
// It is deterministic and touches no storage.
type Normalizer struct{}

// Account maps a raw account. ID and balance are left to the caller: identity comes
// from storage and balance only moves through reconciliation.
func (Normalizer) Account(p Profile, connectionID string, raw adapter.RawAccount) (*account.Account, error) {
	if raw.ExternalID == "" {
		return nil, fmt.Errorf("%w: account without id", ErrInvalidPayload)
	}

	meta := make(map[string]string, len(raw.Metadata)+2)
	for k, v := range raw.Metadata {
		meta[k] = v
	}
	if raw.Type != "" {
		meta["institution_type"] = raw.Type
	}
	if raw.Subtype != "" {
		meta["institution_subtype"] = raw.Subtype
	}

	acc := &account.Account{
		ConnectionID: connectionID,
		ExternalID:   raw.ExternalID,
		Name:         strings.TrimSpace(raw.Name),
		Type:         p.AccountType(raw.Type, raw.Subtype),
		Currency:     p.currency(raw.Currency),
		Metadata:     meta,
	}
	if err := acc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return acc, nil
}

// Transaction maps a raw transaction for the canonical account accountID.
func (Normalizer) Transaction(p Profile, connectionID, accountID string, raw adapter.RawTransaction) (*transaction.Transaction, error) {
	if raw.ExternalID == "" {
		return nil, fmt.Errorf("%w: transaction without id", ErrInvalidPayload)
	}

	currency := p.currency(raw.Currency)
	amount, err := transaction.ParseMoney(raw.Amount, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	date, err := ParseDate(raw.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	direction := InferDirection(raw)
	amount = amount.Abs()
	if direction == transaction.DirectionDebit {
		amount = amount.Neg()
	}

	description := strings.Join(strings.Fields(raw.Description), " ")
	txn := &transaction.Transaction{
		AccountID:    accountID,
		ConnectionID: connectionID,
		ExternalID:   raw.ExternalID,
		Amount:       amount,
		Direction:    direction,
		Description:  description,
		Merchant:     CleanMerchant(description),
		Date:         date,
		Status:       status(raw.Status),
		Fingerprint:  transaction.Fingerprint(accountID, amount, date, description),
	}
	if c := strings.TrimSpace(raw.Category); c != "" {
		txn.Category = &c
	}
	return txn, nil
}

// Balance parses a raw balance read.
func (Normalizer) Balance(raw adapter.RawBalance) (decimal.Decimal, *decimal.Decimal, error) {
	current, err := decimal.NewFromString(strings.TrimSpace(raw.Current))
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("%w: balance %q", ErrInvalidPayload, raw.Current)
	}
	if strings.TrimSpace(raw.Available) == "" {
		return current, nil, nil
	}
	available, err := decimal.NewFromString(strings.TrimSpace(raw.Available))
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("%w: available balance %q", ErrInvalidPayload, raw.Available)
	}
	return current, &available, nil
}

// ParseDate accepts the date layouts institutions commonly send. Results are UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func status(raw string) transaction.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "AUTHORIZED", "HELD":
		return transaction.StatusPending
	default:
		return transaction.StatusPosted
	}
}
