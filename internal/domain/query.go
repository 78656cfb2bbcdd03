package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 10000
)

// EventFilter selects events from the log. TenantID is required; every other
// field narrows the result when set. The time range is inclusive.
type EventFilter struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	UserID        string
	CorrelationID string
	StartTime     *time.Time
	EndTime       *time.Time
	Limit         int
	Offset        int
}

// Normalize validates the filter and clamps paging to the allowed bounds.
func (f EventFilter) Normalize() (EventFilter, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return f, ErrTenantRequired
	}
	if f.StartTime != nil && f.EndTime != nil && f.EndTime.Before(*f.StartTime) {
		return f, fmt.Errorf("end time %s is before start time %s", f.EndTime.Format(time.RFC3339), f.StartTime.Format(time.RFC3339))
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}
