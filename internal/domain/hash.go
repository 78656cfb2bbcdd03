package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/V4T54L/eventstore/internal/pkg/canonical"
)

// Domain prefixes keep event and snapshot digests in separate hash spaces.
const (
	eventHashDomain    = "eventstore/event/v1"
	snapshotHashDomain = "eventstore/snapshot/v1"
)

// TimestampLayout is the ISO-8601 form of event timestamps inside hashes.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ComputeEventHash returns the hex SHA-256 digest over the hashable fields of
// an event: id, type, aggregate identity and version, data, user and
// timestamp. Key order and whitespace in the data never change the result.
func ComputeEventHash(e StoredEvent) (string, error) {
	fields := map[string]any{
		"event_id":          e.EventID,
		"event_type":        e.EventType,
		"aggregate_type":    e.AggregateType,
		"aggregate_id":      e.AggregateID,
		"aggregate_version": e.AggregateVersion,
		"event_data":        rawOrNull(e.EventData),
		"user_id":           e.UserID,
		"event_timestamp":   FormatTimestamp(e.EventTimestamp),
	}
	data, err := canonical.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("compute event hash: %w", err)
	}
	return hashWithDomain(eventHashDomain, data), nil
}

// ComputeSnapshotHash returns the digest over a snapshot's identity and data.
func ComputeSnapshotHash(s AggregateSnapshot) (string, error) {
	fields := map[string]any{
		"aggregate_type":    s.AggregateType,
		"aggregate_id":      s.AggregateID,
		"aggregate_version": s.AggregateVersion,
		"snapshot_data":     rawOrNull(s.SnapshotData),
	}
	data, err := canonical.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("compute snapshot hash: %w", err)
	}
	return hashWithDomain(snapshotHashDomain, data), nil
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
