package main

import (
	"net/http"

	"ledgersync/internal/shared/middleware"
)

// maxWebhookBody bounds institution callbacks; they carry ids, not data.
const maxWebhookBody = 1 << 20

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", deps.HealthHandler.HandleHealth)

	// Institution callbacks, authenticated by signature
	mux.Handle("POST /webhooks/{institution}",
		middleware.LimitBody(maxWebhookBody)(http.HandlerFunc(deps.WebhookHandler.HandleWebhook)))

	// User routes; identity comes from the gateway
	user := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, middleware.RequireUser, middleware.LimitBody(64<<10))
	}
	mux.Handle("POST /api/connections", user(deps.ConnectionHandler.HandleCreate))
	mux.Handle("DELETE /api/connections/{id}", user(deps.ConnectionHandler.HandleDelete))
	mux.Handle("POST /api/connections/{id}/sync", user(deps.ConnectionHandler.HandleSync))
	mux.Handle("GET /api/connections/{id}/runs", user(deps.ConnectionHandler.HandleListRuns))
	mux.Handle("POST /api/reviews/{id}/resolve", user(deps.ReviewHandler.HandleResolve))

	// Apply global middleware
	return middleware.Chain(mux,
		middleware.Recover,
		middleware.Tracing,
		middleware.Logging,
		middleware.NoStore,
	)
}
