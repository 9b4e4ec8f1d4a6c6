package connection

import (
	"errors"
	"time"
)

// Domain errors
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrForbidden          = errors.New("access forbidden")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotSyncable        = errors.New("connection is not eligible for sync")
)

// Status is the lifecycle state of an external connection.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// AuthType describes how the institution authenticates this connection.
type AuthType string

const (
	AuthOAuth2      AuthType = "oauth2"
	AuthAPIKey      AuthType = "api_key"
	AuthCredentials AuthType = "credentials"
)

// SyncMode is chosen at initial sync from the adapter's capabilities.
type SyncMode string

const (
	SyncModePending SyncMode = "pending"
	SyncModeWebhook SyncMode = "webhook"
	SyncModePolling SyncMode = "polling"
)

// Connection is one user and institution pairing.
// Access and refresh tokens are plaintext in memory only; the repository seals them at rest.
type Connection struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	InstitutionID       string     `json:"institutionId"`
	ExternalID          string     `json:"externalId"`
	AuthType            AuthType   `json:"authType"`
	CredentialRef       string     `json:"-"`
	AccessToken         string     `json:"-"`
	RefreshToken        string     `json:"-"`
	TokenExpiry         *time.Time `json:"tokenExpiry,omitempty"`
	ConsentExpiresAt    *time.Time `json:"consentExpiresAt,omitempty"`
	Status              Status     `json:"status"`
	SyncMode            SyncMode   `json:"syncMode"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	DeletedAt           *time.Time `json:"-"`
}

// ConsentExpired reports whether the user's consent has lapsed at now.
func (c *Connection) ConsentExpired(now time.Time) bool {
	return c.ConsentExpiresAt != nil && !now.Before(*c.ConsentExpiresAt)
}

// Syncable reports whether automatic sync may run for this connection.
// Connections in error or disabled state wait for the user to re-authenticate.
func (c *Connection) Syncable(now time.Time) bool {
	if c.DeletedAt != nil {
		return false
	}
	if c.Status != StatusActive {
		return false
	}
	return !c.ConsentExpired(now)
}

// CreateParams contains parameters for creating a new connection
type CreateParams struct {
	UserID           string
	InstitutionID    string
	ExternalID       string
	AuthType         AuthType
	CredentialRef    string
	AccessToken      string
	RefreshToken     string
	TokenExpiry      *time.Time
	ConsentExpiresAt *time.Time
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if p.UserID == "" {
		return errors.New("user ID is required")
	}
	if p.InstitutionID == "" {
		return errors.New("institution ID is required")
	}
	switch p.AuthType {
	case AuthOAuth2, AuthAPIKey, AuthCredentials:
	default:
		return ErrInvalidInput
	}
	if p.CredentialRef == "" {
		return errors.New("credential reference is required")
	}
	return nil
}

// TokenUpdate carries refreshed tokens back to storage.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	TokenExpiry  *time.Time
}
