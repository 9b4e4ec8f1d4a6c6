package http

import (
	"context"
	"net/http"

	"ledgersync/internal/domain/reconcile"
)

// ReviewService actions open balance reviews.
type ReviewService interface {
	ResolveReview(ctx context.Context, userID, reviewID string, decision reconcile.Decision) (*reconcile.BalanceSyncEvent, error)
}

type ReviewHandler struct {
	service ReviewService
}

func NewReviewHandler(service ReviewService) *ReviewHandler {
	return &ReviewHandler{service: service}
}

type ResolveReviewRequest struct {
	Decision reconcile.Decision `json:"decision"`
}

// HandleResolve closes a review with accept_external or keep_local and returns
// the balance event it produced.
func (h *ReviewHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Review ID is required")
		return
	}

	var req ResolveReviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Decision.Valid() {
		writeError(w, http.StatusBadRequest, "decision must be accept_external or keep_local")
		return
	}

	event, err := h.service.ResolveReview(r.Context(), uid, id, req.Decision)
	if err != nil {
		writeDomainError(w, r, "resolve_review", err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}
