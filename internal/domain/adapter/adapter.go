package adapter

import (
	"context"
	"time"

	"ledgersync/internal/domain/connection"
)

// Kind is the closed set of adapter variants.
type Kind string

const (
	KindDirectAPI  Kind = "direct_api"
	KindAggregator Kind = "aggregator"
	KindScraper    Kind = "scraper"
)

// Valid reports whether k is one of the known variants.
func (k Kind) Valid() bool {
	switch k {
	case KindDirectAPI, KindAggregator, KindScraper:
		return true
	default:
		return false
	}
}

// Capabilities is what the orchestrator branches on; it never inspects institution identity.
type Capabilities struct {
	SupportsWebhooks bool
	SupportsTransfer bool
}

// Credentials are the raw secrets a user submits when connecting. They are sealed
// into the secrets store and never persisted on the connection.
type Credentials map[string]string

// Consent is the scope and duration the user granted.
type Consent struct {
	Scopes    []string
	ExpiresAt *time.Time
}

// Window bounds a transaction listing.
type Window struct {
	From time.Time
	To   time.Time
}

// RawAccount is an institution account payload before normalization.
type RawAccount struct {
	ExternalID       string
	Name             string
	Type             string
	Subtype          string
	Currency         string
	Balance          string
	AvailableBalance string
	Metadata         map[string]string
}

// RawTransaction is an institution transaction payload before normalization.
// Amount is the institution's decimal string; Sign and Type are passed through as given.
type RawTransaction struct {
	ExternalID  string
	AccountID   string
	Amount      string
	Currency    string
	Sign        string
	Type        string
	Description string
	Date        string
	Status      string
	Category    string
}

// RawBalance is an institution balance read.
type RawBalance struct {
	AccountID string
	Currency  string
	Current   string
	Available string
	AsOf      time.Time
}

// Adapter is the uniform contract every institution plugin implements.
// Every failure is returned as *Error.
type Adapter interface {
	Kind() Kind
	Capabilities() Capabilities
	EstablishConnection(ctx context.Context, creds Credentials, consent Consent) (*connection.Connection, error)
	ListAccounts(ctx context.Context, conn *connection.Connection) ([]RawAccount, error)
	ListTransactions(ctx context.Context, conn *connection.Connection, accountID string, window Window) ([]RawTransaction, error)
	GetBalance(ctx context.Context, conn *connection.Connection, accountID string) (*RawBalance, error)
	Refresh(ctx context.Context, conn *connection.Connection) (*connection.Connection, error)
}

// WebhookRegistrar is implemented by adapters whose capabilities include webhooks.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, conn *connection.Connection, callbackURL string) error
}
