package orchestrator

// WebhookEvent is the decoded form of an institution callback. The variants are
// closed: BalanceUpdated, TransactionCreated, StatusChanged and UnknownEvent.
type WebhookEvent interface {
	// ConnectionRef is the institution's identifier for the connection.
	ConnectionRef() string
	webhookEvent()
}

// BalanceUpdated reports a new balance for one account.
type BalanceUpdated struct {
	ConnectionExternalID string
	AccountExternalID    string
}

// TransactionCreated reports new or changed transactions for one account.
type TransactionCreated struct {
	ConnectionExternalID   string
	AccountExternalID      string
	TransactionExternalIDs []string
}

// StatusChanged reports an institution-side connection status, such as expired login.
type StatusChanged struct {
	ConnectionExternalID string
	Status               string
}

// UnknownEvent carries a type the decoder has no mapping for. It is logged, never processed.
type UnknownEvent struct {
	ConnectionExternalID string
	Type                 string
}

func (e BalanceUpdated) ConnectionRef() string     { return e.ConnectionExternalID }
func (e TransactionCreated) ConnectionRef() string { return e.ConnectionExternalID }
func (e StatusChanged) ConnectionRef() string      { return e.ConnectionExternalID }
func (e UnknownEvent) ConnectionRef() string       { return e.ConnectionExternalID }

func (BalanceUpdated) webhookEvent()     {}
func (TransactionCreated) webhookEvent() {}
func (StatusChanged) webhookEvent()      {}
func (UnknownEvent) webhookEvent()       {}

// Institution-reported connection states understood by StatusChanged handling.
const (
	RemoteStatusActive        = "active"
	RemoteStatusUpdated       = "updated"
	RemoteStatusExpired       = "expired"
	RemoteStatusLoginError    = "login_error"
	RemoteStatusOutdated      = "outdated"
	RemoteStatusWaitingInput  = "waiting_user_input"
	RemoteStatusConsentRevoke = "consent_revoked"
)
