package domain

import (
	"context"
	"time"
)

// EventRepository abstracts the storage generations holding the event log
// (e.g., the legacy table, the partitioned table, or both during migration).
type EventRepository interface {
	// RunInTx executes fn inside one storage transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx EventTx) error) error

	// LatestEventHash returns the hash of the most recently appended event,
	// or "" for an empty store.
	LatestEventHash(ctx context.Context) (string, error)

	// CurrentVersion returns the highest stored version of an aggregate, or 0.
	CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error)

	// ListAggregateEvents returns the events of an aggregate with a version
	// greater than afterVersion in ascending version order.
	ListAggregateEvents(ctx context.Context, aggregateType, aggregateID string, afterVersion int64) ([]StoredEvent, error)

	// CountAggregateEvents counts events of an aggregate up to and including uptoVersion.
	CountAggregateEvents(ctx context.Context, aggregateType, aggregateID string, uptoVersion int64) (int64, error)

	// QueryEvents returns events matching a normalized filter ordered by
	// timestamp then version, newest first.
	QueryEvents(ctx context.Context, filter EventFilter) ([]StoredEvent, error)

	// ListTenantEvents returns a tenant's events in append order, optionally
	// bounded by an inclusive timestamp range.
	ListTenantEvents(ctx context.Context, tenantID string, start, end *time.Time) ([]StoredEvent, error)

	// FindEventByHash looks up an event of any tenant by its hash.
	// It returns ErrNotFound when no event carries the hash.
	FindEventByHash(ctx context.Context, hash string) (StoredEvent, error)
}

// EventTx is the write side of a single append transaction.
type EventTx interface {
	// LockAggregate serializes concurrent appends to one aggregate until the
	// transaction ends.
	LockAggregate(ctx context.Context, aggregateType, aggregateID string) error

	// CurrentVersion sees rows written earlier in the same transaction.
	CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error)

	// EnsurePartition makes sure a partition can receive an event of the
	// tenant at the given time. It is a no-op when no partitioned table is used.
	EnsurePartition(ctx context.Context, tenantID string, at time.Time) error

	// InsertEvent persists the event and returns it with storage-assigned
	// fields (global position, created at) populated.
	InsertEvent(ctx context.Context, event StoredEvent) (StoredEvent, error)
}

// SnapshotRepository persists aggregate snapshots.
type SnapshotRepository interface {
	// UpsertSnapshot stores the snapshot keyed by aggregate type, id and version.
	// Storing the same version again replaces the previous row.
	UpsertSnapshot(ctx context.Context, snapshot AggregateSnapshot) (AggregateSnapshot, error)

	// LatestSnapshot returns the snapshot with the highest version, or ErrNotFound.
	LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (AggregateSnapshot, error)
}

// SnapshotScheduler accepts snapshot requests without blocking the caller.
type SnapshotScheduler interface {
	Schedule(ctx context.Context, task SnapshotTask) error
}

// SnapshotTaskJournal durably holds snapshot tasks that could not be queued in memory.
type SnapshotTaskJournal interface {
	// Write appends a task to the journal.
	Write(ctx context.Context, task SnapshotTask) error

	// Replay hands journaled tasks to handler, oldest first, and removes what
	// was fully replayed. It stops at the first handler error.
	Replay(ctx context.Context, handler func(task SnapshotTask) error) error

	// Truncate discards every journaled task.
	Truncate(ctx context.Context) error
}

// APIKey is an admin credential, optionally restricted to one tenant.
type APIKey struct {
	Key string
	// TenantID restricts the key to one tenant; empty grants all tenants.
	TenantID string
}

// Allows reports whether the key may access tenantID.
func (k APIKey) Allows(tenantID string) bool {
	return k.TenantID == "" || k.TenantID == tenantID
}

// APIKeyRepository defines the interface for validating admin API keys.
type APIKeyRepository interface {
	// Authenticate returns the active key, or ErrNotFound when the key is
	// unknown, inactive or expired. Implementations should handle caching to
	// reduce database load.
	Authenticate(ctx context.Context, key string) (APIKey, error)
}
