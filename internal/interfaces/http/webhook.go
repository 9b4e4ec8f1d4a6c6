package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/orchestrator"
	"ledgersync/internal/infrastructure/webhook"
)

// WebhookParser verifies and decodes one institution's callbacks.
type WebhookParser interface {
	Parse(header http.Header, body []byte) (orchestrator.WebhookEvent, error)
}

// WebhookSink queues decoded events for their connection.
type WebhookSink interface {
	HandleWebhook(ctx context.Context, institutionID string, event orchestrator.WebhookEvent) error
}

type WebhookHandler struct {
	parsers map[string]WebhookParser
	sink    WebhookSink
}

func NewWebhookHandler(parsers map[string]WebhookParser, sink WebhookSink) *WebhookHandler {
	return &WebhookHandler{parsers: parsers, sink: sink}
}

// HandleWebhook is POST /webhooks/{institution}. Nothing is queued unless the
// signature verifies and the body decodes.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	institution := r.PathValue("institution")
	fields := log.Fields{"institution": institution}

	parser, ok := h.parsers[institution]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown institution")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	event, err := parser.Parse(r.Header, body)
	if err != nil {
		if errors.Is(err, webhook.ErrMissingSignature) || errors.Is(err, webhook.ErrInvalidSignature) {
			log.WithFields(fields).WithError(err).Warn("Rejected webhook with bad signature")
			writeError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
		log.WithFields(fields).WithError(err).Warn("Rejected malformed webhook")
		writeError(w, http.StatusBadRequest, "Malformed payload")
		return
	}

	if err := h.sink.HandleWebhook(r.Context(), institution, event); err != nil {
		if errors.Is(err, connection.ErrConnectionNotFound) {
			// Acknowledged so the institution stops redelivering for a removed connection.
			log.WithFields(fields).WithField("connection_ref", event.ConnectionRef()).Info("Webhook for unknown connection ignored")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeDomainError(w, r, "webhook", err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
