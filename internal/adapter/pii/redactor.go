package pii

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/V4T54L/eventstore/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks configured keys in event metadata before an event is
// appended. Event data is hashed and is never touched.
type Redactor struct {
	fieldsToRedact map[string]struct{} // lower-cased
	logger         *slog.Logger
}

// NewRedactor creates a Redactor for the given keys. Keys match
// case-insensitively at any depth of the metadata document. The names
// "ip_address" and "user_agent" also mask the corresponding event fields.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if f := strings.ToLower(strings.TrimSpace(field)); f != "" {
			fieldSet[f] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger.With("component", "redactor"),
	}
}

// Redact modifies the event in place and reports whether anything was masked.
// Metadata that is not valid JSON is left unchanged and an error is returned.
func (r *Redactor) Redact(event *domain.DomainEvent) (bool, error) {
	if r == nil || len(r.fieldsToRedact) == 0 {
		return false, nil
	}

	redacted := false
	if r.has("ip_address") && event.IPAddress != "" {
		event.IPAddress = RedactedPlaceholder
		redacted = true
	}
	if r.has("user_agent") && event.UserAgent != "" {
		event.UserAgent = RedactedPlaceholder
		redacted = true
	}

	if len(event.EventMetadata) == 0 {
		return redacted, nil
	}

	var metadata any
	if err := json.Unmarshal(event.EventMetadata, &metadata); err != nil {
		r.logger.Warn("failed to unmarshal metadata for redaction", "error", err, "event_id", event.EventID)
		return redacted, err
	}

	if !r.redactValue(metadata) {
		return redacted, nil
	}

	modified, err := json.Marshal(metadata)
	if err != nil {
		r.logger.Error("failed to marshal metadata after redaction", "error", err, "event_id", event.EventID)
		return redacted, err
	}
	event.EventMetadata = modified
	return true, nil
}

func (r *Redactor) has(field string) bool {
	_, ok := r.fieldsToRedact[field]
	return ok
}

func (r *Redactor) redactValue(v any) bool {
	redacted := false
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if r.has(strings.ToLower(k)) {
				t[k] = RedactedPlaceholder
				redacted = true
				continue
			}
			if r.redactValue(child) {
				redacted = true
			}
		}
	case []any:
		for _, child := range t {
			if r.redactValue(child) {
				redacted = true
			}
		}
	}
	return redacted
}
