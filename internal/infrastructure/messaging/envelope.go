// Package messaging delivers notification events to the notification core over
// NATS or RabbitMQ.
package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ledgersync/internal/domain/events"
)

const sourceService = "ledgersync"

// Envelope wraps an event for the wire.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceService string          `json:"sourceService"`
	Payload       json.RawMessage `json:"payload"`
}

func encode(event events.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	data, err := json.Marshal(Envelope{
		EventID:       event.ID,
		EventType:     string(event.Kind),
		Timestamp:     event.OccurredAt.UTC(),
		SourceService: sourceService,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return data, nil
}

// Subject maps an event to its routing key, e.g. "ledgersync.events.balance.updated".
func Subject(prefix string, kind events.Kind) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return string(kind)
	}
	return prefix + "." + string(kind)
}
