package openfinance

import (
	"time"

	"ledgersync/internal/domain/adapter"
)

// wireConnection is the institution's record of a linked item.
type wireConnection struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	ConsentExpiresAt string `json:"consentExpiresAt"`
}

type connectRequest struct {
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"consentExpiresAt,omitempty"`
}

type sessionRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type wireSession struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
}

// wireAccount is an account from the Open Finance API. Amounts stay strings end to end.
type wireAccount struct {
	ID               string `json:"id"`
	ItemID           string `json:"itemId"`
	Name             string `json:"name"`
	MarketingName    string `json:"marketingName"`
	Type             string `json:"type"`
	Subtype          string `json:"subtype"`
	CurrencyCode     string `json:"currencyCode"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
	Number           string `json:"number"`
}

func (a wireAccount) raw() adapter.RawAccount {
	name := a.Name
	if name == "" {
		name = a.MarketingName
	}
	meta := map[string]string{}
	if a.Number != "" {
		meta["number"] = a.Number
	}
	if a.MarketingName != "" {
		meta["marketing_name"] = a.MarketingName
	}
	return adapter.RawAccount{
		ExternalID:       a.ID,
		Name:             name,
		Type:             a.Type,
		Subtype:          a.Subtype,
		Currency:         a.CurrencyCode,
		Balance:          a.Balance,
		AvailableBalance: a.AvailableBalance,
		Metadata:         meta,
	}
}

type wireBalance struct {
	AccountID    string `json:"accountId"`
	CurrencyCode string `json:"currencyCode"`
	Current      string `json:"current"`
	Available    string `json:"available"`
	AsOf         string `json:"asOf"`
}

// wireTransaction is a transaction from the Open Finance API.
type wireTransaction struct {
	ID           string  `json:"id"`
	AccountID    string  `json:"accountId"`
	Description  string  `json:"description"`
	Category     *string `json:"category"`
	CurrencyCode string  `json:"currency_code"`
	Amount       string  `json:"amount"`
	Date         string  `json:"date"`
	Type         string  `json:"type"`
	Status       string  `json:"status"`
}

func (t wireTransaction) raw(accountID string) adapter.RawTransaction {
	raw := adapter.RawTransaction{
		ExternalID:  t.ID,
		AccountID:   t.AccountID,
		Amount:      t.Amount,
		Currency:    t.CurrencyCode,
		Type:        t.Type,
		Description: t.Description,
		Date:        t.Date,
		Status:      t.Status,
	}
	if raw.AccountID == "" {
		raw.AccountID = accountID
	}
	if t.Category != nil {
		raw.Category = *t.Category
	}
	return raw
}

type webhookRequest struct {
	URL          string `json:"url"`
	ConnectionID string `json:"connectionId"`
}

func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
