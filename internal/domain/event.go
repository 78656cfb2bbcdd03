package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultDataClassification = "INTERNAL"
	DefaultRetentionPolicy    = "STANDARD"
)

// DomainEvent is a state change submitted by a producer. Producers never
// construct StoredEvent values themselves.
type DomainEvent struct {
	// EventID is optional; one is generated when empty.
	EventID       string          `json:"event_id,omitempty"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventData     json.RawMessage `json:"event_data"`
	EventMetadata json.RawMessage `json:"event_metadata,omitempty"`

	TenantID      string `json:"tenant_id"`
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`

	LegalBasis         string `json:"legal_basis,omitempty"`
	DataClassification string `json:"data_classification,omitempty"`
	RetentionPolicy    string `json:"retention_policy,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// EventTimestamp defaults to the append time when zero.
	EventTimestamp time.Time `json:"event_timestamp"`
}

// StoredEvent is an immutable, persisted DomainEvent.
type StoredEvent struct {
	DomainEvent
	AggregateVersion  int64     `json:"aggregate_version"`
	GlobalPosition    int64     `json:"global_position"`
	EventHash         string    `json:"event_hash"`
	PreviousEventHash string    `json:"previous_event_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks the fields every event must carry.
func (e DomainEvent) Validate() error {
	required := []struct{ name, value string }{
		{"event_type", e.EventType},
		{"aggregate_type", e.AggregateType},
		{"aggregate_id", e.AggregateID},
		{"tenant_id", e.TenantID},
		{"user_id", e.UserID},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidEvent, f.name)
		}
	}
	if len(bytes.TrimSpace(e.EventData)) > 0 && !json.Valid(e.EventData) {
		return fmt.Errorf("%w: event_data is not valid JSON", ErrInvalidEvent)
	}
	if len(bytes.TrimSpace(e.EventMetadata)) > 0 && !json.Valid(e.EventMetadata) {
		return fmt.Errorf("%w: event_metadata is not valid JSON", ErrInvalidEvent)
	}
	return nil
}

// WithDefaults returns a copy with compliance defaults, empty payloads and the
// timestamp filled in. Timestamps are stored in UTC at millisecond precision
// so the hashed ISO-8601 form survives a round trip through storage.
func (e DomainEvent) WithDefaults(now time.Time) DomainEvent {
	if len(bytes.TrimSpace(e.EventData)) == 0 {
		e.EventData = json.RawMessage(`{}`)
	}
	if len(bytes.TrimSpace(e.EventMetadata)) == 0 {
		e.EventMetadata = json.RawMessage(`{}`)
	}
	if e.DataClassification == "" {
		e.DataClassification = DefaultDataClassification
	}
	if e.RetentionPolicy == "" {
		e.RetentionPolicy = DefaultRetentionPolicy
	}
	if e.EventTimestamp.IsZero() {
		e.EventTimestamp = now
	}
	e.EventTimestamp = e.EventTimestamp.UTC().Truncate(time.Millisecond)
	return e
}

// AggregateKey identifies a single aggregate stream.
type AggregateKey struct {
	AggregateType string
	AggregateID   string
}

func (k AggregateKey) String() string {
	return k.AggregateType + "/" + k.AggregateID
}
