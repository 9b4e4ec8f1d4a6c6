package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Duration decodes TOML strings such as "30s" or "72h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// InstitutionsFile is the TOML document named by INSTITUTIONS_FILE.
type InstitutionsFile struct {
	Institutions []Institution             `toml:"institution"`
	Tolerances   map[string]ToleranceEntry `toml:"tolerances"`
}

// Institution configures one adapter instance.
type Institution struct {
	ID               string            `toml:"id"`
	Kind             string            `toml:"kind"`
	AuthType         string            `toml:"auth_type"`
	BaseURL          string            `toml:"base_url"`
	TokenURL         string            `toml:"token_url"`
	ClientID         string            `toml:"client_id"`
	ClientSecret     string            `toml:"client_secret"`
	Scopes           []string          `toml:"scopes"`
	SupportsWebhooks bool              `toml:"supports_webhooks"`
	SupportsTransfer bool              `toml:"supports_transfer"`
	Fallback         string            `toml:"fallback"`
	RateLimit        float64           `toml:"rate_limit"`
	Burst            int               `toml:"burst"`
	Timeout          Duration          `toml:"timeout"`
	DefaultCurrency  string            `toml:"default_currency"`
	DefaultType      string            `toml:"default_account_type"`
	AccountTypes     map[string]string `toml:"account_types"`
	Webhook          *WebhookConfig    `toml:"webhook"`
}

type WebhookConfig struct {
	Secret          string         `toml:"secret"`
	SignatureHeader string         `toml:"signature_header"`
	Mapping         WebhookMapping `toml:"mapping"`
}

// WebhookMapping holds JSONPath expressions into the institution's callback body.
type WebhookMapping struct {
	Type           string            `toml:"type"`
	ConnectionID   string            `toml:"connection_id"`
	AccountID      string            `toml:"account_id"`
	TransactionIDs string            `toml:"transaction_ids"`
	Status         string            `toml:"status"`
	Types          map[string]string `toml:"types"`
}

// ToleranceEntry overrides reconciliation thresholds for one account class,
// or for all classes under the "default" key. Amounts are decimal strings.
type ToleranceEntry struct {
	Absolute  string   `toml:"absolute"`
	Relative  string   `toml:"relative"`
	Staleness Duration `toml:"staleness"`
	Window    Duration `toml:"window"`
}

// AbsoluteDecimal returns the parsed absolute threshold and whether it was set.
func (t ToleranceEntry) AbsoluteDecimal() (decimal.Decimal, bool) {
	return parseOptionalDecimal(t.Absolute)
}

// RelativeDecimal returns the parsed relative threshold and whether it was set.
func (t ToleranceEntry) RelativeDecimal() (decimal.Decimal, bool) {
	return parseOptionalDecimal(t.Relative)
}

func parseOptionalDecimal(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

var (
	validKinds     = map[string]bool{"direct_api": true, "aggregator": true, "scraper": true}
	validAuthTypes = map[string]bool{"oauth2": true, "api_key": true, "credentials": true}
	validClasses   = map[string]bool{"default": true, "checking": true, "savings": true, "credit": true, "investment": true}
)

// LoadInstitutions reads path. An empty path yields an empty file. ${VAR}
// references are expanded from the environment so secrets stay out of the file.
func LoadInstitutions(path string) (*InstitutionsFile, error) {
	if path == "" {
		return &InstitutionsFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read institutions file: %w", err)
	}
	return ParseInstitutions(os.ExpandEnv(string(data)))
}

// ParseInstitutions decodes and validates an institutions document.
func ParseInstitutions(doc string) (*InstitutionsFile, error) {
	var file InstitutionsFile
	md, err := toml.Decode(doc, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse institutions file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in institutions file: %s", strings.Join(keys, ", "))
	}
	if err := file.validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *InstitutionsFile) validate() error {
	seen := make(map[string]bool, len(f.Institutions))
	for i := range f.Institutions {
		inst := &f.Institutions[i]
		if inst.ID == "" {
			return fmt.Errorf("institution #%d: id is required", i+1)
		}
		if seen[inst.ID] {
			return fmt.Errorf("institution %s: duplicate id", inst.ID)
		}
		seen[inst.ID] = true

		if inst.Kind == "" {
			inst.Kind = "direct_api"
		}
		if !validKinds[inst.Kind] {
			return fmt.Errorf("institution %s: unknown kind %q", inst.ID, inst.Kind)
		}
		if !validAuthTypes[inst.AuthType] {
			return fmt.Errorf("institution %s: unknown auth_type %q", inst.ID, inst.AuthType)
		}
		if inst.BaseURL == "" {
			return fmt.Errorf("institution %s: base_url is required", inst.ID)
		}
		if inst.AuthType == "oauth2" && inst.TokenURL == "" {
			return fmt.Errorf("institution %s: token_url is required for oauth2", inst.ID)
		}
		if inst.SupportsWebhooks && (inst.Webhook == nil || inst.Webhook.Secret == "") {
			return fmt.Errorf("institution %s: webhook secret is required when supports_webhooks is set", inst.ID)
		}
	}

	for _, inst := range f.Institutions {
		if inst.Fallback == "" {
			continue
		}
		if inst.Fallback == inst.ID {
			return fmt.Errorf("institution %s: cannot fall back to itself", inst.ID)
		}
		if !seen[inst.Fallback] {
			return fmt.Errorf("institution %s: fallback %s is not configured", inst.ID, inst.Fallback)
		}
	}

	for class, tol := range f.Tolerances {
		if !validClasses[class] {
			return fmt.Errorf("tolerances: unknown account class %q", class)
		}
		for name, raw := range map[string]string{"absolute": tol.Absolute, "relative": tol.Relative} {
			if raw == "" {
				continue
			}
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("tolerances.%s.%s: %w", class, name, err)
			}
			if d.IsNegative() {
				return fmt.Errorf("tolerances.%s.%s must not be negative", class, name)
			}
		}
	}
	return nil
}
