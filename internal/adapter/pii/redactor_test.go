package pii

import (
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/V4T54L/eventstore/internal/domain"
)

func TestRedactor(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	redactor := NewRedactor([]string{"email", "SSN", " "}, logger)

	tests := []struct {
		name             string
		inputMetadata    string
		expectedMetadata string
		expectRedacted   bool
		expectErr        bool
	}{
		{
			name:             "Redact single field",
			inputMetadata:    `{"email": "test@example.com", "user_id": 123}`,
			expectedMetadata: `{"email":"[REDACTED]","user_id":123}`,
			expectRedacted:   true,
		},
		{
			name:             "Redact multiple fields case-insensitively",
			inputMetadata:    `{"Email": "test@example.com", "ssn": "000-00-0000"}`,
			expectedMetadata: `{"Email":"[REDACTED]","ssn":"[REDACTED]"}`,
			expectRedacted:   true,
		},
		{
			name:             "Redact nested fields",
			inputMetadata:    `{"actor": {"email": "a@b.c", "role": "analyst"}, "targets": [{"ssn": "1"}]}`,
			expectedMetadata: `{"actor":{"email":"[REDACTED]","role":"analyst"},"targets":[{"ssn":"[REDACTED]"}]}`,
			expectRedacted:   true,
		},
		{
			name:             "No fields to redact",
			inputMetadata:    `{"user_id": 123, "action": "login"}`,
			expectedMetadata: `{"action":"login","user_id":123}`,
		},
		{
			name:             "Empty metadata",
			inputMetadata:    `{}`,
			expectedMetadata: `{}`,
		},
		{
			name:          "Invalid JSON metadata",
			inputMetadata: `{"email": "test@example.com"`,
			expectErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := json.RawMessage(`{"email":"kept@example.com"}`)
			event := &domain.DomainEvent{
				EventData:     data,
				EventMetadata: json.RawMessage(tt.inputMetadata),
			}

			redacted, err := redactor.Redact(event)

			if (err != nil) != tt.expectErr {
				t.Fatalf("Redact() error = %v, wantErr %v", err, tt.expectErr)
			}
			if err != nil {
				if string(event.EventMetadata) != tt.inputMetadata {
					t.Errorf("metadata should be unchanged on error, got %s", event.EventMetadata)
				}
				return
			}

			if redacted != tt.expectRedacted {
				t.Errorf("Redact() redacted = %v, want %v", redacted, tt.expectRedacted)
			}
			if string(event.EventData) != string(data) {
				t.Errorf("event data must never be altered, got %s", event.EventData)
			}

			var expected, actual any
			if err := json.Unmarshal([]byte(tt.expectedMetadata), &expected); err != nil {
				t.Fatalf("failed to unmarshal expected metadata: %v", err)
			}
			if err := json.Unmarshal(event.EventMetadata, &actual); err != nil {
				t.Fatalf("failed to unmarshal actual metadata: %v", err)
			}
			if !reflect.DeepEqual(expected, actual) {
				t.Errorf("metadata mismatch: got %s, want %s", event.EventMetadata, tt.expectedMetadata)
			}
		})
	}
}

func TestRedactor_EventFields(t *testing.T) {
	redactor := NewRedactor([]string{"ip_address"}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	event := &domain.DomainEvent{IPAddress: "10.0.0.1", UserAgent: "curl"}

	redacted, err := redactor.Redact(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !redacted || event.IPAddress != RedactedPlaceholder {
		t.Errorf("ip address should be redacted, got %q", event.IPAddress)
	}
	if event.UserAgent != "curl" {
		t.Errorf("user agent should be kept, got %q", event.UserAgent)
	}
}

func TestRedactor_NoFields(t *testing.T) {
	var nilRedactor *Redactor
	event := &domain.DomainEvent{EventMetadata: json.RawMessage(`{"email":"x"}`)}
	if redacted, err := nilRedactor.Redact(event); redacted || err != nil {
		t.Errorf("nil redactor should be a no-op, got %v, %v", redacted, err)
	}
}
