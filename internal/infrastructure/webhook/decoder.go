package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"ledgersync/internal/domain/orchestrator"
)

var ErrMalformedPayload = errors.New("malformed webhook payload")

// Kinds the decoder maps institution event types onto.
const (
	KindBalanceUpdated     = "balance.updated"
	KindTransactionCreated = "transaction.created"
	KindStatusChanged      = "status.changed"
)

// Mapping locates event fields in an institution's JSON body. Types maps the
// institution's event type strings to one of the decoder kinds.
type Mapping struct {
	Type           string            `toml:"type"`
	ConnectionID   string            `toml:"connection_id"`
	AccountID      string            `toml:"account_id"`
	TransactionIDs string            `toml:"transaction_ids"`
	Status         string            `toml:"status"`
	Types          map[string]string `toml:"types"`
}

// DefaultMapping matches the reference institution API.
func DefaultMapping() Mapping {
	return Mapping{
		Type:           "$.event",
		ConnectionID:   "$.connectionId",
		AccountID:      "$.accountId",
		TransactionIDs: "$.transactionIds",
		Status:         "$.status",
		Types: map[string]string{
			"balance.updated":      KindBalanceUpdated,
			"transactions.created": KindTransactionCreated,
			"transactions.updated": KindTransactionCreated,
			"connection.updated":   KindStatusChanged,
			"connection.error":     KindStatusChanged,
		},
	}
}

// withDefaults fills empty paths from DefaultMapping.
func (m Mapping) withDefaults() Mapping {
	def := DefaultMapping()
	if m.Type == "" {
		m.Type = def.Type
	}
	if m.ConnectionID == "" {
		m.ConnectionID = def.ConnectionID
	}
	if m.AccountID == "" {
		m.AccountID = def.AccountID
	}
	if m.TransactionIDs == "" {
		m.TransactionIDs = def.TransactionIDs
	}
	if m.Status == "" {
		m.Status = def.Status
	}
	if len(m.Types) == 0 {
		m.Types = def.Types
	}
	return m
}

// Decoder turns a verified body into an orchestrator.WebhookEvent.
type Decoder struct {
	mapping Mapping
}

func NewDecoder(m Mapping) (*Decoder, error) {
	m = m.withDefaults()
	for kind, target := range m.Types {
		switch target {
		case KindBalanceUpdated, KindTransactionCreated, KindStatusChanged:
		default:
			return nil, fmt.Errorf("webhook type %q maps to unknown kind %q", kind, target)
		}
	}
	return &Decoder{mapping: m}, nil
}

func (d *Decoder) Decode(body []byte) (orchestrator.WebhookEvent, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: body is not an object", ErrMalformedPayload)
	}

	eventType := d.scalar(doc, d.mapping.Type)
	connID := d.scalar(doc, d.mapping.ConnectionID)
	if eventType == "" || connID == "" {
		return nil, fmt.Errorf("%w: event type and connection id are required", ErrMalformedPayload)
	}

	switch d.mapping.Types[eventType] {
	case KindBalanceUpdated:
		accountID := d.scalar(doc, d.mapping.AccountID)
		if accountID == "" {
			return nil, fmt.Errorf("%w: balance event without account id", ErrMalformedPayload)
		}
		return orchestrator.BalanceUpdated{ConnectionExternalID: connID, AccountExternalID: accountID}, nil
	case KindTransactionCreated:
		accountID := d.scalar(doc, d.mapping.AccountID)
		if accountID == "" {
			return nil, fmt.Errorf("%w: transaction event without account id", ErrMalformedPayload)
		}
		return orchestrator.TransactionCreated{
			ConnectionExternalID:   connID,
			AccountExternalID:      accountID,
			TransactionExternalIDs: d.list(doc, d.mapping.TransactionIDs),
		}, nil
	case KindStatusChanged:
		status := d.scalar(doc, d.mapping.Status)
		if status == "" {
			return nil, fmt.Errorf("%w: status event without status", ErrMalformedPayload)
		}
		return orchestrator.StatusChanged{ConnectionExternalID: connID, Status: strings.ToLower(status)}, nil
	default:
		return orchestrator.UnknownEvent{ConnectionExternalID: connID, Type: eventType}, nil
	}
}

// scalar resolves path to a single string. jsonpath may return a one-element
// list or the value itself; a missing path yields "".
func (d *Decoder) scalar(doc any, path string) string {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return ""
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return ""
		}
		v = list[0]
	}
	return stringify(v)
}

func (d *Decoder) list(doc any, path string) []string {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		if s := stringify(v); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := stringify(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
