package domain

import (
	"encoding/json"
	"time"
)

// AggregateSnapshot is a materialized aggregate state at a given version.
type AggregateSnapshot struct {
	SnapshotID       string          `json:"snapshot_id"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateVersion int64           `json:"aggregate_version"`
	SnapshotData     json.RawMessage `json:"snapshot_data"`
	SnapshotMetadata json.RawMessage `json:"snapshot_metadata,omitempty"`
	SnapshotHash     string          `json:"snapshot_hash"`
	// EventCount is the number of events folded into the snapshot, inclusive.
	EventCount int64     `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// SnapshotTask asks the snapshot worker to materialize an aggregate.
type SnapshotTask struct {
	AggregateType    string    `json:"aggregate_type"`
	AggregateID      string    `json:"aggregate_id"`
	AggregateVersion int64     `json:"aggregate_version"`
	TenantID         string    `json:"tenant_id,omitempty"`
	RequestedAt      time.Time `json:"requested_at"`
}
