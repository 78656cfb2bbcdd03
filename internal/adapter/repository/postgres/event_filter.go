package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/V4T54L/eventstore/internal/domain"
)

// filterBuilder accumulates WHERE clauses with positional arguments.
type filterBuilder struct {
	clauses []string
	args    []any
}

func (b *filterBuilder) add(expr string, arg any) {
	b.args = append(b.args, arg)
	b.clauses = append(b.clauses, fmt.Sprintf(expr, fmt.Sprintf("$%d", len(b.args))))
}

func (b *filterBuilder) addIf(cond bool, expr string, arg any) {
	if cond {
		b.add(expr, arg)
	}
}

func (b *filterBuilder) where() string {
	return strings.Join(b.clauses, " AND ")
}

// nextArg reserves a placeholder for a trailing argument such as LIMIT.
func (b *filterBuilder) nextArg(arg any) string {
	b.args = append(b.args, arg)
	return fmt.Sprintf("$%d", len(b.args))
}

func buildEventFilter(f domain.EventFilter) *filterBuilder {
	b := &filterBuilder{}
	b.add("tenant_id = %s", f.TenantID)
	b.addIf(f.AggregateType != "", "aggregate_type = %s", f.AggregateType)
	b.addIf(f.AggregateID != "", "aggregate_id = %s", f.AggregateID)
	b.addIf(f.EventType != "", "event_type = %s", f.EventType)
	b.addIf(f.UserID != "", "user_id = %s", f.UserID)
	b.addIf(f.CorrelationID != "", "correlation_id = %s", f.CorrelationID)
	addTimeRange(b, f.StartTime, f.EndTime)
	return b
}

func addTimeRange(b *filterBuilder, start, end *time.Time) {
	if start != nil {
		b.add("event_timestamp >= %s", start.UTC())
	}
	if end != nil {
		b.add("event_timestamp <= %s", end.UTC())
	}
}

// buildQueryEvents returns the paginated query for a normalized filter.
func buildQueryEvents(l tableLayout, f domain.EventFilter) (string, []any) {
	b := buildEventFilter(f)
	tail := fmt.Sprintf("ORDER BY event_timestamp DESC, aggregate_version DESC LIMIT %s OFFSET %s",
		b.nextArg(f.Limit), b.nextArg(f.Offset))
	return l.selectEvents(b.where(), tail), b.args
}

// buildTenantEvents returns a tenant's events in append order.
func buildTenantEvents(l tableLayout, tenantID string, start, end *time.Time) (string, []any) {
	b := &filterBuilder{}
	b.add("tenant_id = %s", tenantID)
	addTimeRange(b, start, end)
	return l.selectEvents(b.where(), "ORDER BY global_position ASC"), b.args
}
