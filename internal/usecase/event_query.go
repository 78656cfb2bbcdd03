package usecase

import (
	"context"
	"log/slog"

	"github.com/V4T54L/eventstore/internal/domain"
)

// EventQuery serves filtered reads over every storage generation.
type EventQuery struct {
	repo   domain.EventRepository
	logger *slog.Logger
}

func NewEventQuery(repo domain.EventRepository, logger *slog.Logger) *EventQuery {
	return &EventQuery{repo: repo, logger: logger.With("component", "event_query")}
}

// QueryEvents returns events matching filter, newest first. The tenant is
// required and the limit is clamped to domain.MaxQueryLimit.
func (q *EventQuery) QueryEvents(ctx context.Context, filter domain.EventFilter) ([]domain.StoredEvent, error) {
	f, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	events, err := q.repo.QueryEvents(ctx, f)
	if err != nil {
		q.logger.ErrorContext(ctx, "Failed to query events", "tenant_id", f.TenantID, "error", err)
		return nil, err
	}
	return events, nil
}

// AggregateEvents returns the full history of one aggregate in version order.
func (q *EventQuery) AggregateEvents(ctx context.Context, aggregateType, aggregateID string) ([]domain.StoredEvent, error) {
	return q.repo.ListAggregateEvents(ctx, aggregateType, aggregateID, 0)
}
