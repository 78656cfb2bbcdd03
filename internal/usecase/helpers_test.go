package usecase

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/V4T54L/eventstore/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func caseEvent(tenantID, caseID, eventType string, data string) domain.DomainEvent {
	return domain.DomainEvent{
		EventType:     eventType,
		AggregateType: "Case",
		AggregateID:   caseID,
		EventData:     json.RawMessage(data),
		TenantID:      tenantID,
		UserID:        "u1",
	}
}

// caseState is a small aggregate used by reconstruction tests.
type caseState struct {
	Title  string   `json:"title"`
	Status string   `json:"status"`
	Notes  []string `json:"notes"`
}

func caseReducer(s caseState, e domain.StoredEvent) (caseState, error) {
	var payload struct {
		Title string `json:"title"`
		Note  string `json:"note"`
	}
	if err := json.Unmarshal(e.EventData, &payload); err != nil {
		return s, err
	}
	switch e.EventType {
	case "CASE_CREATED":
		s.Title = payload.Title
		s.Status = "open"
	case "NOTE_ADDED":
		s.Notes = append(s.Notes, payload.Note)
	case "CASE_CLOSED":
		s.Status = "closed"
	default:
		return s, fmt.Errorf("unknown event type %s", e.EventType)
	}
	return s, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
