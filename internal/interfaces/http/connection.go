package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/orchestrator"
	"ledgersync/internal/domain/syncrun"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// ConnectionService is the orchestrator surface the connection API drives.
type ConnectionService interface {
	Connect(ctx context.Context, req orchestrator.ConnectRequest) (*connection.Connection, error)
	Disconnect(ctx context.Context, userID, connectionID string) error
	RequestSync(ctx context.Context, userID, connectionID string) error
	ListRuns(ctx context.Context, userID, connectionID string, limit int) ([]*syncrun.Run, error)
}

type ConnectionHandler struct {
	service ConnectionService
}

func NewConnectionHandler(service ConnectionService) *ConnectionHandler {
	return &ConnectionHandler{service: service}
}

type ConsentRequest struct {
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type CreateConnectionRequest struct {
	InstitutionID string            `json:"institutionId"`
	Credentials   map[string]string `json:"credentials"`
	Consent       ConsentRequest    `json:"consent"`
}

type syncAccepted struct {
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
}

// HandleCreate links an institution and queues the initial sync.
func (h *ConnectionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req CreateConnectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.InstitutionID = strings.TrimSpace(req.InstitutionID)
	if req.InstitutionID == "" {
		writeError(w, http.StatusBadRequest, "institutionId is required")
		return
	}
	if req.Consent.ExpiresAt != nil && !req.Consent.ExpiresAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "consent.expiresAt must be in the future")
		return
	}

	conn, err := h.service.Connect(r.Context(), orchestrator.ConnectRequest{
		UserID:        uid,
		InstitutionID: req.InstitutionID,
		Credentials:   adapter.Credentials(req.Credentials),
		Consent: adapter.Consent{
			Scopes:    req.Consent.Scopes,
			ExpiresAt: req.Consent.ExpiresAt,
		},
	})
	if err != nil && conn == nil {
		writeDomainError(w, r, "connect", err)
		return
	}
	if err != nil {
		// The connection exists; a manual sync or the next poll picks it up.
		log.WithError(err).WithField("connection_id", conn.ID).Warn("Initial sync could not be queued")
	}

	writeJSON(w, http.StatusCreated, conn)
}

// HandleDelete disconnects and discards stored credentials. History is kept.
func (h *ConnectionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Connection ID is required")
		return
	}

	if err := h.service.Disconnect(r.Context(), uid, id); err != nil {
		writeDomainError(w, r, "disconnect", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSync queues a manual sync.
func (h *ConnectionHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Connection ID is required")
		return
	}

	if err := h.service.RequestSync(r.Context(), uid, id); err != nil {
		writeDomainError(w, r, "request_sync", err)
		return
	}
	writeJSON(w, http.StatusAccepted, syncAccepted{ConnectionID: id, Status: "queued"})
}

// HandleListRuns returns recent sync runs, newest first.
func (h *ConnectionHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Connection ID is required")
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.service.ListRuns(r.Context(), uid, id, limit)
	if err != nil {
		writeDomainError(w, r, "list_runs", err)
		return
	}
	if runs == nil {
		runs = []*syncrun.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}
