package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/eventstore/internal/adapter/metrics"
	"github.com/V4T54L/eventstore/internal/adapter/pii"
	"github.com/V4T54L/eventstore/internal/domain"
)

// WriterOptions configures an EventWriter.
type WriterOptions struct {
	// SnapshotFrequency schedules a snapshot whenever an aggregate's version
	// is a multiple of it. Zero disables automatic snapshots.
	SnapshotFrequency int64
	// EnsurePartitions runs the partition check inside every append.
	EnsurePartitions bool
}

// AppendOption adjusts a single append call.
type AppendOption func(*appendConfig)

type appendConfig struct {
	ensurePartitions bool
}

// WithoutPartitionCheck skips the partition check for this call, for callers
// relying on background partition maintenance.
func WithoutPartitionCheck() AppendOption {
	return func(c *appendConfig) { c.ensurePartitions = false }
}

// EventWriter appends events, assigning versions and chaining hashes.
type EventWriter struct {
	repo      domain.EventRepository
	scheduler domain.SnapshotScheduler
	redactor  *pii.Redactor
	metrics   *metrics.EventStoreMetrics
	logger    *slog.Logger
	opts      WriterOptions

	now   func() time.Time
	newID func() string

	// lastHash is the process-local chain head. It is advisory; the
	// persisted previous_event_hash column is authoritative.
	mu       sync.Mutex
	lastHash string
}

// NewEventWriter creates a writer. scheduler, redactor and m may be nil.
// Call Init before the first append to pick up the persisted chain head.
func NewEventWriter(repo domain.EventRepository, scheduler domain.SnapshotScheduler, redactor *pii.Redactor, m *metrics.EventStoreMetrics, opts WriterOptions, logger *slog.Logger) *EventWriter {
	return &EventWriter{
		repo:      repo,
		scheduler: scheduler,
		redactor:  redactor,
		metrics:   m,
		logger:    logger.With("component", "event_writer"),
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Init loads the hash of the last persisted event as the chain head.
func (w *EventWriter) Init(ctx context.Context) error {
	hash, err := w.repo.LatestEventHash(ctx)
	if err != nil {
		return fmt.Errorf("initialize event writer: %w", err)
	}
	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()
	w.logger.Info("Event writer initialized", "last_hash", hash)
	return nil
}

// LastHash returns the current in-memory chain head.
func (w *EventWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// advance makes hash the chain head.
func (w *EventWriter) advance(hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHash = hash
}

// restore resets the head to prev unless another append moved it past
// expected in the meantime.
func (w *EventWriter) restore(expected, prev string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastHash == expected {
		w.lastHash = prev
	}
}

// AppendEvent appends a single event in its own transaction.
func (w *EventWriter) AppendEvent(ctx context.Context, event domain.DomainEvent, opts ...AppendOption) (domain.StoredEvent, error) {
	stored, err := w.AppendEvents(ctx, []domain.DomainEvent{event}, opts...)
	if err != nil {
		return domain.StoredEvent{}, err
	}
	return stored[0], nil
}

// AppendEvents appends a batch in one transaction: either every event is
// committed or none is. Events of the same aggregate receive consecutive
// versions in slice order.
func (w *EventWriter) AppendEvents(ctx context.Context, events []domain.DomainEvent, opts ...AppendOption) ([]domain.StoredEvent, error) {
	if len(events) == 0 {
		return nil, domain.ErrEmptyBatch
	}
	cfg := appendConfig{ensurePartitions: w.opts.EnsurePartitions}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := w.now()
	prepared := make([]domain.DomainEvent, len(events))
	for i, e := range events {
		p, err := w.prepare(e, start)
		if err != nil {
			w.count("invalid", len(events))
			return nil, err
		}
		prepared[i] = p
	}

	var stored []domain.StoredEvent
	rejected := false
	err := w.repo.RunInTx(ctx, func(ctx context.Context, tx domain.EventTx) error {
		stored = stored[:0]
		for _, key := range lockOrder(prepared) {
			if err := tx.LockAggregate(ctx, key.AggregateType, key.AggregateID); err != nil {
				rejected = true
				return err
			}
		}
		for _, e := range prepared {
			s, err := w.appendInTx(ctx, tx, e, cfg)
			if err != nil {
				rejected = true
				return err
			}
			stored = append(stored, s)
		}
		return nil
	})
	// A rejected batch never reaches the database, so the head moves back to
	// where the batch found it. A failed commit keeps the advanced head.
	if rejected && len(stored) > 0 {
		w.restore(stored[len(stored)-1].EventHash, stored[0].PreviousEventHash)
	}
	if w.metrics != nil {
		w.metrics.AppendDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		w.count(appendStatus(err), len(events))
		w.logger.ErrorContext(ctx, "Failed to append events", "count", len(events), "error", err)
		return nil, fmt.Errorf("append events: %w", err)
	}

	w.count("committed", len(stored))
	w.scheduleSnapshots(ctx, stored)
	return stored, nil
}

func (w *EventWriter) prepare(e domain.DomainEvent, now time.Time) (domain.DomainEvent, error) {
	if err := e.Validate(); err != nil {
		return e, err
	}
	if _, err := w.redactor.Redact(&e); err != nil {
		w.logger.Warn("Failed to redact event metadata, proceeding with original metadata", "error", err, "event_type", e.EventType)
	}
	e = e.WithDefaults(now)
	if e.EventID == "" {
		e.EventID = w.newID()
	}
	return e, nil
}

func (w *EventWriter) appendInTx(ctx context.Context, tx domain.EventTx, e domain.DomainEvent, cfg appendConfig) (domain.StoredEvent, error) {
	version, err := tx.CurrentVersion(ctx, e.AggregateType, e.AggregateID)
	if err != nil {
		return domain.StoredEvent{}, err
	}

	stored := domain.StoredEvent{DomainEvent: e, AggregateVersion: version + 1}
	stored.EventHash, err = domain.ComputeEventHash(stored)
	if err != nil {
		return domain.StoredEvent{}, err
	}
	stored.PreviousEventHash = w.LastHash()

	if cfg.ensurePartitions {
		if err := tx.EnsurePartition(ctx, e.TenantID, e.EventTimestamp); err != nil {
			return domain.StoredEvent{}, err
		}
	}
	inserted, err := tx.InsertEvent(ctx, stored)
	if err != nil {
		return domain.StoredEvent{}, err
	}
	// The head advances even if the commit later fails.
	w.advance(inserted.EventHash)
	return inserted, nil
}

func (w *EventWriter) scheduleSnapshots(ctx context.Context, stored []domain.StoredEvent) {
	if w.scheduler == nil || w.opts.SnapshotFrequency <= 0 {
		return
	}
	for _, e := range stored {
		if e.AggregateVersion%w.opts.SnapshotFrequency != 0 {
			continue
		}
		task := domain.SnapshotTask{
			AggregateType:    e.AggregateType,
			AggregateID:      e.AggregateID,
			AggregateVersion: e.AggregateVersion,
			TenantID:         e.TenantID,
			RequestedAt:      w.now().UTC(),
		}
		if err := w.scheduler.Schedule(ctx, task); err != nil {
			if w.metrics != nil {
				w.metrics.SnapshotsTotal.WithLabelValues("dropped").Inc()
			}
			w.logger.WarnContext(ctx, "Failed to schedule snapshot",
				"aggregate", domain.AggregateKey{AggregateType: e.AggregateType, AggregateID: e.AggregateID}.String(),
				"version", e.AggregateVersion, "error", err)
		}
	}
}

func (w *EventWriter) count(status string, n int) {
	if w.metrics != nil {
		w.metrics.EventsAppended.WithLabelValues(status).Add(float64(n))
	}
}

func appendStatus(err error) string {
	switch {
	case errors.Is(err, domain.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrPartitionWindow):
		return "invalid"
	default:
		return "error"
	}
}

// lockOrder returns the distinct aggregates of a batch in a stable order so
// concurrent batches never wait on each other in a cycle.
func lockOrder(events []domain.DomainEvent) []domain.AggregateKey {
	seen := make(map[domain.AggregateKey]struct{}, len(events))
	keys := make([]domain.AggregateKey, 0, len(events))
	for _, e := range events {
		k := domain.AggregateKey{AggregateType: e.AggregateType, AggregateID: e.AggregateID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
