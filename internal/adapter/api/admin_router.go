package api

import (
	"log/slog"
	"net/http"

	"github.com/V4T54L/eventstore/internal/adapter/api/handler"
	"github.com/V4T54L/eventstore/internal/adapter/api/middleware"
	"github.com/V4T54L/eventstore/internal/domain"
)

// NewAdminRouter creates and configures the HTTP router for admin operations.
// /health and /metrics are public; every /admin route requires an API key.
// metricsHandler may be nil, in which case /metrics is not served.
func NewAdminRouter(adminHandler *handler.AdminHandler, apiKeyRepo domain.APIKeyRepository, metricsHandler http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(apiKeyRepo, logger)

	mux.HandleFunc("GET /health", adminHandler.HealthCheck)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	// Tenant reads
	mux.Handle("GET /admin/tenants/{tenantID}/events", auth(http.HandlerFunc(adminHandler.QueryEvents)))
	mux.Handle("GET /admin/tenants/{tenantID}/integrity", auth(http.HandlerFunc(adminHandler.VerifyIntegrity)))

	// Snapshots
	mux.Handle("GET /admin/aggregates/{aggregateType}/{aggregateID}/snapshot", auth(http.HandlerFunc(adminHandler.GetSnapshot)))
	mux.Handle("POST /admin/aggregates/{aggregateType}/{aggregateID}/snapshot", auth(http.HandlerFunc(adminHandler.CreateSnapshot)))

	return middleware.Logging(logger)(mux)
}
