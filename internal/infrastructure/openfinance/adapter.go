// Package openfinance adapts Open Finance style institution APIs (direct bank
// APIs and aggregators) to the uniform adapter contract.
package openfinance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/shared/logging"
)

const maxPages = 100

var (
	ErrMissingCredentials = errors.New("required credentials missing")
	ErrNoCredentialSource = errors.New("credential source required for this auth type")
)

// CredentialSource unseals the credentials behind a connection's reference.
// connection.SecretStore satisfies it.
type CredentialSource interface {
	Get(ctx context.Context, ref string) (map[string]string, error)
}

// Config describes one institution API.
type Config struct {
	InstitutionID string
	Kind          adapter.Kind
	AuthType      connection.AuthType
	BaseURL       string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Scopes        []string
	Webhooks      bool
	RateLimit     float64
	Burst         int
	Timeout       time.Duration
	Transport     http.RoundTripper
}

// Adapter implements adapter.Adapter and adapter.WebhookRegistrar.
type Adapter struct {
	cfg    Config
	client *Client
	oauth  *oauth2.Config
	creds  CredentialSource
}

var (
	_ adapter.Adapter          = (*Adapter)(nil)
	_ adapter.WebhookRegistrar = (*Adapter)(nil)
)

// New builds an adapter. creds is required for api_key and credentials auth.
func New(cfg Config, creds CredentialSource) (*Adapter, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", adapter.ErrUnknownKind, cfg.Kind)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for %s", cfg.InstitutionID)
	}

	a := &Adapter{
		cfg: cfg,
		client: NewClient(ClientConfig{
			InstitutionID: cfg.InstitutionID,
			BaseURL:       cfg.BaseURL,
			Timeout:       cfg.Timeout,
			RateLimit:     cfg.RateLimit,
			Burst:         cfg.Burst,
			Transport:     cfg.Transport,
		}),
		creds: creds,
	}

	switch cfg.AuthType {
	case connection.AuthOAuth2:
		if cfg.TokenURL == "" {
			return nil, fmt.Errorf("token URL is required for oauth2 institution %s", cfg.InstitutionID)
		}
		a.oauth = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		}
	case connection.AuthAPIKey, connection.AuthCredentials:
		if creds == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoCredentialSource, cfg.AuthType)
		}
	default:
		return nil, fmt.Errorf("%w: auth type %q", connection.ErrInvalidInput, cfg.AuthType)
	}
	return a, nil
}

func (a *Adapter) Kind() adapter.Kind { return a.cfg.Kind }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsWebhooks: a.cfg.Webhooks}
}

// EstablishConnection authenticates with the submitted credentials and links an item.
func (a *Adapter) EstablishConnection(ctx context.Context, creds adapter.Credentials, consent adapter.Consent) (*connection.Connection, error) {
	const op = "establish_connection"
	conn := &connection.Connection{
		InstitutionID: a.cfg.InstitutionID,
		AuthType:      a.cfg.AuthType,
	}

	var bearer string
	switch a.cfg.AuthType {
	case connection.AuthOAuth2:
		token, err := a.exchange(ctx, op, creds)
		if err != nil {
			return nil, err
		}
		applyToken(conn, token)
		bearer = token.AccessToken
	case connection.AuthAPIKey:
		bearer = creds["api_key"]
		if bearer == "" {
			return nil, a.fail(adapter.ClassInvalidRequest, op, fmt.Errorf("%w: api_key", ErrMissingCredentials))
		}
	case connection.AuthCredentials:
		session, err := a.login(ctx, op, creds)
		if err != nil {
			return nil, err
		}
		conn.AccessToken = session.AccessToken
		conn.TokenExpiry = parseTimestamp(session.ExpiresAt)
		bearer = session.AccessToken
	}

	env, err := call[wireConnection](ctx, a.client, request{
		op:     op,
		method: http.MethodPost,
		path:   "/connections",
		bearer: bearer,
		body:   connectRequest{Scopes: consent.Scopes, ExpiresAt: consent.ExpiresAt},
	})
	if err != nil {
		return nil, err
	}
	if env.Data.ID == "" {
		return nil, a.fail(adapter.ClassServerError, op, errors.New("institution returned no connection id"))
	}

	conn.ExternalID = env.Data.ID
	conn.ConsentExpiresAt = parseTimestamp(env.Data.ConsentExpiresAt)
	return conn, nil
}

func (a *Adapter) ListAccounts(ctx context.Context, conn *connection.Connection) ([]adapter.RawAccount, error) {
	const op = "list_accounts"
	bearer, err := a.bearer(ctx, op, conn)
	if err != nil {
		return nil, err
	}

	env, err := call[[]wireAccount](ctx, a.client, request{
		op:     op,
		method: http.MethodGet,
		path:   "/accounts",
		query:  url.Values{"connectionId": {conn.ExternalID}},
		bearer: bearer,
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]adapter.RawAccount, 0, len(env.Data))
	for _, acc := range env.Data {
		accounts = append(accounts, acc.raw())
	}
	return accounts, nil
}

// ListTransactions follows pagination until the last page.
func (a *Adapter) ListTransactions(ctx context.Context, conn *connection.Connection, accountID string, window adapter.Window) ([]adapter.RawTransaction, error) {
	const op = "list_transactions"
	bearer, err := a.bearer(ctx, op, conn)
	if err != nil {
		return nil, err
	}

	var txns []adapter.RawTransaction
	for page := 1; page <= maxPages; page++ {
		env, err := call[[]wireTransaction](ctx, a.client, request{
			op:     op,
			method: http.MethodGet,
			path:   "/accounts/" + url.PathEscape(accountID) + "/transactions",
			query: url.Values{
				"from": {window.From.UTC().Format("2006-01-02")},
				"to":   {window.To.UTC().Format("2006-01-02")},
				"page": {fmt.Sprint(page)},
			},
			bearer: bearer,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range env.Data {
			txns = append(txns, t.raw(accountID))
		}
		if env.TotalPages <= page {
			return txns, nil
		}
	}
	return nil, a.fail(adapter.ClassServerError, op, fmt.Errorf("more than %d pages of transactions", maxPages))
}

func (a *Adapter) GetBalance(ctx context.Context, conn *connection.Connection, accountID string) (*adapter.RawBalance, error) {
	const op = "get_balance"
	bearer, err := a.bearer(ctx, op, conn)
	if err != nil {
		return nil, err
	}

	env, err := call[wireBalance](ctx, a.client, request{
		op:     op,
		method: http.MethodGet,
		path:   "/accounts/" + url.PathEscape(accountID) + "/balance",
		bearer: bearer,
	})
	if err != nil {
		return nil, err
	}
	if env.Data.Current == "" {
		return nil, a.fail(adapter.ClassServerError, op, errors.New("balance missing from response"))
	}

	asOf := time.Now().UTC()
	if t := parseTimestamp(env.Data.AsOf); t != nil {
		asOf = *t
	}
	return &adapter.RawBalance{
		AccountID: accountID,
		Currency:  env.Data.CurrencyCode,
		Current:   env.Data.Current,
		Available: env.Data.Available,
		AsOf:      asOf,
	}, nil
}

// Refresh renews the connection's access. API keys cannot be refreshed.
func (a *Adapter) Refresh(ctx context.Context, conn *connection.Connection) (*connection.Connection, error) {
	const op = "refresh"
	out := *conn

	switch a.cfg.AuthType {
	case connection.AuthOAuth2:
		if conn.RefreshToken == "" {
			return nil, a.fail(adapter.ClassInvalidCredentials, op, errors.New("no refresh token"))
		}
		expired := &oauth2.Token{RefreshToken: conn.RefreshToken, Expiry: time.Unix(1, 0)}
		token, err := a.oauth.TokenSource(a.tokenContext(ctx), expired).Token()
		if err != nil {
			return nil, a.tokenError(op, err)
		}
		applyToken(&out, token)
	case connection.AuthCredentials:
		creds, err := a.stored(ctx, op, conn)
		if err != nil {
			return nil, err
		}
		session, err := a.login(ctx, op, creds)
		if err != nil {
			return nil, err
		}
		out.AccessToken = session.AccessToken
		out.TokenExpiry = parseTimestamp(session.ExpiresAt)
	default:
		return nil, a.fail(adapter.ClassInvalidCredentials, op, adapter.ErrUnsupported)
	}
	return &out, nil
}

// RegisterWebhook asks the institution to push changes to callbackURL.
func (a *Adapter) RegisterWebhook(ctx context.Context, conn *connection.Connection, callbackURL string) error {
	const op = "register_webhook"
	if !a.cfg.Webhooks {
		return a.fail(adapter.ClassInvalidRequest, op, adapter.ErrUnsupported)
	}
	bearer, err := a.bearer(ctx, op, conn)
	if err != nil {
		return err
	}
	_, err = call[struct{}](ctx, a.client, request{
		op:     op,
		method: http.MethodPost,
		path:   "/webhooks",
		bearer: bearer,
		body:   webhookRequest{URL: callbackURL, ConnectionID: conn.ExternalID},
	})
	return err
}

func (a *Adapter) exchange(ctx context.Context, op string, creds adapter.Credentials) (*oauth2.Token, error) {
	tctx := a.tokenContext(ctx)
	var (
		token *oauth2.Token
		err   error
	)
	switch {
	case creds["code"] != "":
		token, err = a.oauth.Exchange(tctx, creds["code"], oauth2.SetAuthURLParam("redirect_uri", creds["redirect_uri"]))
	case creds["username"] != "" && creds["password"] != "":
		token, err = a.oauth.PasswordCredentialsToken(tctx, creds["username"], creds["password"])
	default:
		return nil, a.fail(adapter.ClassInvalidRequest, op, fmt.Errorf("%w: code or username/password", ErrMissingCredentials))
	}
	if err != nil {
		return nil, a.tokenError(op, err)
	}
	return token, nil
}

func (a *Adapter) login(ctx context.Context, op string, creds map[string]string) (*wireSession, error) {
	if creds["username"] == "" || creds["password"] == "" {
		return nil, a.fail(adapter.ClassInvalidRequest, op, fmt.Errorf("%w: username/password", ErrMissingCredentials))
	}
	env, err := call[wireSession](ctx, a.client, request{
		op:     op,
		method: http.MethodPost,
		path:   "/sessions",
		body:   sessionRequest{Username: creds["username"], Password: creds["password"]},
	})
	if err != nil {
		var aerr *adapter.Error
		if errors.As(err, &aerr) && aerr.Class == adapter.ClassAuthExpired {
			// a rejected login is a credential problem, not an expired session
			aerr.Class = adapter.ClassInvalidCredentials
		}
		return nil, err
	}
	if env.Data.AccessToken == "" {
		return nil, a.fail(adapter.ClassServerError, op, errors.New("session without access token"))
	}
	return &env.Data, nil
}

// bearer returns the token a request authenticates with.
func (a *Adapter) bearer(ctx context.Context, op string, conn *connection.Connection) (string, error) {
	if a.cfg.AuthType != connection.AuthAPIKey {
		if conn.AccessToken == "" {
			return "", a.fail(adapter.ClassAuthExpired, op, errors.New("no access token"))
		}
		return conn.AccessToken, nil
	}
	creds, err := a.stored(ctx, op, conn)
	if err != nil {
		return "", err
	}
	if creds["api_key"] == "" {
		return "", a.fail(adapter.ClassInvalidCredentials, op, fmt.Errorf("%w: api_key", ErrMissingCredentials))
	}
	return creds["api_key"], nil
}

func (a *Adapter) stored(ctx context.Context, op string, conn *connection.Connection) (map[string]string, error) {
	creds, err := a.creds.Get(ctx, conn.CredentialRef)
	if err != nil {
		return nil, a.fail(adapter.ClassInvalidCredentials, op, fmt.Errorf("failed to load credentials: %w", err))
	}
	return creds, nil
}

// tokenContext routes the oauth2 token endpoint through the traced client.
func (a *Adapter) tokenContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client.HTTPClient())
}

func (a *Adapter) tokenError(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		class := adapter.ClassFromStatus(rerr.Response.StatusCode)
		switch rerr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			// invalid_grant and invalid_client both mean the user must re-authenticate
			class = adapter.ClassInvalidCredentials
		}
		return a.fail(class, op, fmt.Errorf("token endpoint: %s", logging.Sanitize(rerr.ErrorCode+" "+rerr.ErrorDescription)))
	}
	return a.fail(adapter.ClassOf(err), op, fmt.Errorf("token endpoint: %w", err))
}

func (a *Adapter) fail(class adapter.ErrorClass, op string, err error) *adapter.Error {
	return adapter.NewError(class, a.cfg.InstitutionID, op, err)
}

func applyToken(conn *connection.Connection, token *oauth2.Token) {
	conn.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		conn.RefreshToken = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		conn.TokenExpiry = &expiry
	}
}
