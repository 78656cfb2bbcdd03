package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/V4T54L/eventstore/internal/adapter/api/middleware"
	"github.com/V4T54L/eventstore/internal/domain"
	"github.com/V4T54L/eventstore/internal/usecase"
)

// EventQuerier serves filtered event reads.
type EventQuerier interface {
	QueryEvents(ctx context.Context, filter domain.EventFilter) ([]domain.StoredEvent, error)
}

// IntegrityChecker verifies a tenant's stored hash chain.
type IntegrityChecker interface {
	VerifyIntegrity(ctx context.Context, tenantID string, start, end *time.Time) (domain.IntegrityReport, error)
}

// SnapshotReader returns the latest stored snapshot of an aggregate.
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (domain.AggregateSnapshot, error)
}

// SnapshotBuilder materializes a snapshot on demand.
type SnapshotBuilder interface {
	Build(ctx context.Context, aggregateType, aggregateID string, uptoVersion int64) (domain.AggregateSnapshot, error)
}

// AdminHandler handles the read and operations endpoints of the event store.
type AdminHandler struct {
	events    EventQuerier
	integrity IntegrityChecker
	snapshots SnapshotReader
	builder   SnapshotBuilder
	logger    *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(events EventQuerier, integrity IntegrityChecker, snapshots SnapshotReader, builder SnapshotBuilder, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		events:    events,
		integrity: integrity,
		snapshots: snapshots,
		builder:   builder,
		logger:    logger.With("component", "admin_handler"),
	}
}

// HealthCheck is a simple health check endpoint.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// QueryEvents handles filtered event reads for one tenant.
// GET /admin/tenants/{tenantID}/events
func (h *AdminHandler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorizeTenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := domain.EventFilter{
		TenantID:      tenantID,
		AggregateType: q.Get("aggregate_type"),
		AggregateID:   q.Get("aggregate_id"),
		EventType:     q.Get("event_type"),
		UserID:        q.Get("user_id"),
		CorrelationID: q.Get("correlation_id"),
	}

	var err error
	if filter.StartTime, filter.EndTime, err = parseTimeRange(q.Get("start"), q.Get("end")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.Limit, err = parseInt(q.Get("limit"), "limit"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.Offset, err = parseInt(q.Get("offset"), "offset"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := filter.Normalize(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.events.QueryEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to query events", "tenant_id", tenantID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []domain.StoredEvent{}
	}

	h.respondWithJSON(w, http.StatusOK, events)
}

// VerifyIntegrity walks a tenant's hash chain and reports violations.
// GET /admin/tenants/{tenantID}/integrity
func (h *AdminHandler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorizeTenant(w, r)
	if !ok {
		return
	}

	start, end, err := parseTimeRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if start != nil && end != nil && end.Before(*start) {
		http.Error(w, "end is before start", http.StatusBadRequest)
		return
	}

	report, err := h.integrity.VerifyIntegrity(r.Context(), tenantID, start, end)
	if err != nil {
		h.logger.Error("failed to verify integrity", "tenant_id", tenantID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.respondWithJSON(w, http.StatusOK, report)
}

// GetSnapshot returns the latest snapshot of an aggregate.
// GET /admin/aggregates/{aggregateType}/{aggregateID}/snapshot
func (h *AdminHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeGlobal(w, r) {
		return
	}
	aggregateType := r.PathValue("aggregateType")
	aggregateID := r.PathValue("aggregateID")

	snap, err := h.snapshots.LatestSnapshot(r.Context(), aggregateType, aggregateID)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load snapshot", "aggregate_type", aggregateType, "aggregate_id", aggregateID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.respondWithJSON(w, http.StatusOK, snap)
}

// CreateSnapshot builds and stores a snapshot of the aggregate's current version.
// POST /admin/aggregates/{aggregateType}/{aggregateID}/snapshot
func (h *AdminHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeGlobal(w, r) {
		return
	}
	aggregateType := r.PathValue("aggregateType")
	aggregateID := r.PathValue("aggregateID")

	upto, err := parseInt(r.URL.Query().Get("version"), "version")
	if err != nil || upto < 0 {
		http.Error(w, "version must be a non-negative integer", http.StatusBadRequest)
		return
	}

	snap, err := h.builder.Build(r.Context(), aggregateType, aggregateID, int64(upto))
	switch {
	case errors.Is(err, usecase.ErrNoReducer):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "aggregate has no events", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("failed to build snapshot", "aggregate_type", aggregateType, "aggregate_id", aggregateID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("snapshot created on demand", "aggregate_type", aggregateType, "aggregate_id", aggregateID, "aggregate_version", snap.AggregateVersion)
	h.respondWithJSON(w, http.StatusCreated, snap)
}

// authorizeTenant checks the caller's key against the tenant in the path.
func (h *AdminHandler) authorizeTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.PathValue("tenantID")
	if tenantID == "" {
		http.Error(w, domain.ErrTenantRequired.Error(), http.StatusBadRequest)
		return "", false
	}
	key, ok := middleware.APIKeyFromContext(r.Context())
	if !ok || !key.Allows(tenantID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", false
	}
	return tenantID, true
}

// authorizeGlobal admits only keys that are not bound to a tenant. Snapshots
// are keyed by aggregate and carry no tenant.
func (h *AdminHandler) authorizeGlobal(w http.ResponseWriter, r *http.Request) bool {
	key, ok := middleware.APIKeyFromContext(r.Context())
	if !ok || key.TenantID != "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func parseTimeRange(startParam, endParam string) (start, end *time.Time, err error) {
	if start, err = parseTime(startParam, "start"); err != nil {
		return nil, nil, err
	}
	if end, err = parseTime(endParam, "end"); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func parseTime(value, name string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errors.New(name + " must be an RFC3339 timestamp")
	}
	return &t, nil
}

func parseInt(value, name string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func (h *AdminHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
