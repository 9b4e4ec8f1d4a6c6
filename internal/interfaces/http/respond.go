// Package http exposes the connection API, review actioning, webhook ingress
// and health reporting.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/orchestrator"
	"ledgersync/internal/domain/reconcile"
	"ledgersync/internal/domain/resilience"
	"ledgersync/internal/domain/syncrun"
	"ledgersync/internal/interfaces/scheduler"
	"ledgersync/internal/shared/middleware"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps domain and adapter failures to a status and a message
// safe to show the caller. Institution error text is never forwarded.
func writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := classify(err)
	entry := log.WithError(err).WithFields(log.Fields{
		"op":         op,
		"status":     status,
		"request_id": middleware.RequestIDFromContext(r.Context()),
	})
	if status >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, connection.ErrConnectionNotFound),
		errors.Is(err, connection.ErrForbidden):
		return http.StatusNotFound, "Connection not found"
	case errors.Is(err, reconcile.ErrReviewNotFound):
		return http.StatusNotFound, "Review not found"
	case errors.Is(err, syncrun.ErrRunNotFound):
		return http.StatusNotFound, "Sync run not found"
	case errors.Is(err, adapter.ErrUnknownInstitution):
		return http.StatusNotFound, "Institution not supported"
	case errors.Is(err, connection.ErrInvalidInput),
		errors.Is(err, reconcile.ErrInvalidDecision):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, connection.ErrNotSyncable):
		return http.StatusConflict, "Connection is not eligible for sync"
	case errors.Is(err, reconcile.ErrReviewClosed):
		return http.StatusConflict, "Review already resolved"
	case errors.Is(err, account.ErrStale):
		return http.StatusConflict, "Account changed, try again"
	case errors.Is(err, orchestrator.ErrLocked):
		return http.StatusConflict, "Connection is busy"
	case errors.Is(err, scheduler.ErrQueueFull),
		errors.Is(err, scheduler.ErrPoolClosed),
		errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "Temporarily unavailable, try again later"
	case errors.Is(err, resilience.ErrReauthRequired):
		return http.StatusUnprocessableEntity, "The institution rejected the credentials"
	}

	var aerr *adapter.Error
	if errors.As(err, &aerr) {
		switch aerr.Class {
		case adapter.ClassInvalidCredentials, adapter.ClassAuthExpired:
			return http.StatusUnprocessableEntity, "The institution rejected the credentials"
		case adapter.ClassInvalidRequest:
			return http.StatusBadRequest, "The institution rejected the request"
		default:
			return http.StatusBadGateway, "The institution is unavailable, try again later"
		}
	}
	return http.StatusInternalServerError, "Internal server error"
}

func userID(r *http.Request) (string, bool) {
	return middleware.UserIDFromContext(r.Context())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
