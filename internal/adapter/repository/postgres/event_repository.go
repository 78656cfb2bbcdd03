package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/eventstore/internal/domain"
)

// EventRepository implements domain.EventRepository on PostgreSQL. The
// storage generation is fixed at construction time.
type EventRepository struct {
	db         *sql.DB
	layout     tableLayout
	partitions *PartitionCoordinator
	logger     *slog.Logger
}

// NewEventRepository creates a new PostgreSQL event repository. partitions may
// be nil when the partitioned table is not in use.
func NewEventRepository(db *sql.DB, opts StorageOptions, partitions *PartitionCoordinator, logger *slog.Logger) *EventRepository {
	layout := newTableLayout(opts)
	logger = logger.With("component", "event_repository", "generation", layout.generation)
	if layout.partitioned() && partitions == nil {
		logger.Warn("partitioned table in use without a partition coordinator, partitions must be maintained externally")
	}
	return &EventRepository{
		db:         db,
		layout:     layout,
		partitions: partitions,
		logger:     logger,
	}
}

// Generation reports which storage generations back the repository.
func (r *EventRepository) Generation() Generation {
	return r.layout.generation
}

// RunInTx runs fn in a transaction. Rollback is a no-op after Commit.
func (r *EventRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.EventTx) error) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer txn.Rollback()

	if err := fn(ctx, &eventTx{tx: txn, repo: r}); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func (r *EventRepository) LatestEventHash(ctx context.Context) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, r.layout.latestHashQuery()).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load latest event hash: %w", err)
	}
	return hash, nil
}

func (r *EventRepository) CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	return currentVersion(ctx, r.db, r.layout, aggregateType, aggregateID)
}

func (r *EventRepository) ListAggregateEvents(ctx context.Context, aggregateType, aggregateID string, afterVersion int64) ([]domain.StoredEvent, error) {
	query := r.layout.selectEvents(
		"aggregate_type = $1 AND aggregate_id = $2 AND aggregate_version > $3",
		"ORDER BY aggregate_version ASC",
	)
	return r.queryEvents(ctx, query, aggregateType, aggregateID, afterVersion)
}

func (r *EventRepository) CountAggregateEvents(ctx context.Context, aggregateType, aggregateID string, uptoVersion int64) (int64, error) {
	query := "SELECT COUNT(*) FROM " + r.layout.source() +
		" WHERE aggregate_type = $1 AND aggregate_id = $2 AND aggregate_version <= $3"
	var n int64
	if err := r.db.QueryRowContext(ctx, query, aggregateType, aggregateID, uptoVersion).Scan(&n); err != nil {
		return 0, fmt.Errorf("count aggregate events: %w", err)
	}
	return n, nil
}

func (r *EventRepository) QueryEvents(ctx context.Context, filter domain.EventFilter) ([]domain.StoredEvent, error) {
	query, args := buildQueryEvents(r.layout, filter)
	return r.queryEvents(ctx, query, args...)
}

func (r *EventRepository) ListTenantEvents(ctx context.Context, tenantID string, start, end *time.Time) ([]domain.StoredEvent, error) {
	query, args := buildTenantEvents(r.layout, tenantID, start, end)
	return r.queryEvents(ctx, query, args...)
}

func (r *EventRepository) FindEventByHash(ctx context.Context, hash string) (domain.StoredEvent, error) {
	query := r.layout.selectEvents("event_hash = $1", "ORDER BY global_position ASC LIMIT 1")
	events, err := r.queryEvents(ctx, query, hash)
	if err != nil {
		return domain.StoredEvent{}, err
	}
	if len(events) == 0 {
		return domain.StoredEvent{}, domain.ErrNotFound
	}
	return events[0], nil
}

func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...any) ([]domain.StoredEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.StoredEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func currentVersion(ctx context.Context, q queryer, l tableLayout, aggregateType, aggregateID string) (int64, error) {
	var version int64
	if err := q.QueryRowContext(ctx, l.currentVersionQuery(), aggregateType, aggregateID).Scan(&version); err != nil {
		return 0, fmt.Errorf("resolve current version of %s/%s: %w", aggregateType, aggregateID, err)
	}
	return version, nil
}

// eventTx implements domain.EventTx on a *sql.Tx.
type eventTx struct {
	tx   *sql.Tx
	repo *EventRepository
}

func (t *eventTx) LockAggregate(ctx context.Context, aggregateType, aggregateID string) error {
	key := "eventstore:aggregate:" + aggregateType + "/" + aggregateID
	if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
		return fmt.Errorf("lock aggregate %s/%s: %w", aggregateType, aggregateID, err)
	}
	return nil
}

func (t *eventTx) CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	return currentVersion(ctx, t.tx, t.repo.layout, aggregateType, aggregateID)
}

func (t *eventTx) EnsurePartition(ctx context.Context, tenantID string, at time.Time) error {
	if !t.repo.layout.partitioned() || t.repo.partitions == nil {
		return nil
	}
	return t.repo.partitions.Ensure(ctx, t.tx, tenantID, at)
}

func (t *eventTx) InsertEvent(ctx context.Context, event domain.StoredEvent) (domain.StoredEvent, error) {
	args := insertArgs(event)
	l := t.repo.layout

	if err := t.tx.QueryRowContext(ctx, l.primaryInsert(), args...).Scan(&event.GlobalPosition, &event.CreatedAt); err != nil {
		return domain.StoredEvent{}, fmt.Errorf("insert event %s into %s: %w", event.EventID, l.primary, classify(err))
	}
	event.CreatedAt = event.CreatedAt.UTC()

	if l.mirror != "" {
		mirrorArgs := append(args, event.GlobalPosition, event.CreatedAt)
		if _, err := t.tx.ExecContext(ctx, l.mirrorInsert(), mirrorArgs...); err != nil {
			return domain.StoredEvent{}, fmt.Errorf("mirror event %s into %s: %w", event.EventID, l.mirror, classify(err))
		}
	}
	return event, nil
}

func insertArgs(e domain.StoredEvent) []any {
	return []any{
		e.EventID,
		e.EventType,
		e.AggregateType,
		e.AggregateID,
		e.AggregateVersion,
		[]byte(e.EventData),
		[]byte(e.EventMetadata),
		e.TenantID,
		e.UserID,
		nullString(e.CorrelationID),
		nullString(e.CausationID),
		nullString(e.LegalBasis),
		e.DataClassification,
		e.RetentionPolicy,
		nullString(e.IPAddress),
		nullString(e.UserAgent),
		nullString(e.SessionID),
		nullString(e.RequestID),
		e.EventTimestamp.UTC(),
		e.EventHash,
		nullString(e.PreviousEventHash),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.StoredEvent, error) {
	var (
		e                                                 domain.StoredEvent
		data, metadata                                    []byte
		correlationID, causationID, legalBasis            sql.NullString
		ipAddress, userAgent, sessionID, requestID, prevH sql.NullString
	)
	err := row.Scan(
		&e.EventID,
		&e.GlobalPosition,
		&e.EventType,
		&e.AggregateType,
		&e.AggregateID,
		&e.AggregateVersion,
		&data,
		&metadata,
		&e.TenantID,
		&e.UserID,
		&correlationID,
		&causationID,
		&legalBasis,
		&e.DataClassification,
		&e.RetentionPolicy,
		&ipAddress,
		&userAgent,
		&sessionID,
		&requestID,
		&e.EventTimestamp,
		&e.EventHash,
		&prevH,
		&e.CreatedAt,
	)
	if err != nil {
		return domain.StoredEvent{}, fmt.Errorf("scan event: %w", err)
	}

	e.EventData = json.RawMessage(data)
	e.EventMetadata = json.RawMessage(metadata)
	e.CorrelationID = correlationID.String
	e.CausationID = causationID.String
	e.LegalBasis = legalBasis.String
	e.IPAddress = ipAddress.String
	e.UserAgent = userAgent.String
	e.SessionID = sessionID.String
	e.RequestID = requestID.String
	e.PreviousEventHash = prevH.String
	e.EventTimestamp = e.EventTimestamp.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
