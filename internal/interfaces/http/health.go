package http

import (
	"context"
	"net/http"
	"time"

	"ledgersync/internal/domain/resilience"
)

// Pinger reports store reachability.
type Pinger interface {
	Healthy(ctx context.Context) error
}

type HealthHandler struct {
	db       Pinger
	breakers func() map[string]resilience.State
}

func NewHealthHandler(db Pinger, breakers func() map[string]resilience.State) *HealthHandler {
	return &HealthHandler{db: db, breakers: breakers}
}

type HealthResponse struct {
	Status   string                      `json:"status"`
	Database string                      `json:"database"`
	Breakers map[string]resilience.State `json:"breakers,omitempty"`
	Time     time.Time                   `json:"time"`
}

// HandleHealth reports the store and any institution breaker that is not
// closed. Open breakers degrade the report but do not fail it.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok", Time: time.Now().UTC()}
	status := http.StatusOK

	if err := h.db.Healthy(r.Context()); err != nil {
		resp.Status, resp.Database = "unavailable", "unreachable"
		status = http.StatusServiceUnavailable
	}

	if h.breakers != nil {
		for institution, state := range h.breakers() {
			if state == resilience.StateClosed {
				continue
			}
			if resp.Breakers == nil {
				resp.Breakers = make(map[string]resilience.State)
			}
			resp.Breakers[institution] = state
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, status, resp)
}
