package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/eventstore/internal/domain"
)

// SnapshotRepository implements domain.SnapshotRepository on PostgreSQL.
type SnapshotRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSnapshotRepository(db *sql.DB, logger *slog.Logger) *SnapshotRepository {
	return &SnapshotRepository{db: db, logger: logger.With("component", "snapshot_repository")}
}

const snapshotColumns = "snapshot_id, aggregate_type, aggregate_id, aggregate_version, snapshot_data, snapshot_metadata, snapshot_hash, event_count, created_at"

// UpsertSnapshot replaces the payload of an existing snapshot of the same
// version while keeping its id.
func (r *SnapshotRepository) UpsertSnapshot(ctx context.Context, s domain.AggregateSnapshot) (domain.AggregateSnapshot, error) {
	metadata := s.SnapshotMetadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	query := `
		INSERT INTO aggregate_snapshots (snapshot_id, aggregate_type, aggregate_id, aggregate_version, snapshot_data, snapshot_metadata, snapshot_hash, event_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (aggregate_type, aggregate_id, aggregate_version) DO UPDATE SET
			snapshot_data = EXCLUDED.snapshot_data,
			snapshot_metadata = EXCLUDED.snapshot_metadata,
			snapshot_hash = EXCLUDED.snapshot_hash,
			event_count = EXCLUDED.event_count,
			created_at = now()
		RETURNING ` + snapshotColumns

	row := r.db.QueryRowContext(ctx, query,
		s.SnapshotID, s.AggregateType, s.AggregateID, s.AggregateVersion,
		[]byte(s.SnapshotData), []byte(metadata), s.SnapshotHash, s.EventCount)
	stored, err := scanSnapshot(row)
	if err != nil {
		return domain.AggregateSnapshot{}, fmt.Errorf("upsert snapshot %s/%s@%d: %w", s.AggregateType, s.AggregateID, s.AggregateVersion, err)
	}
	return stored, nil
}

func (r *SnapshotRepository) LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (domain.AggregateSnapshot, error) {
	query := "SELECT " + snapshotColumns + ` FROM aggregate_snapshots
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY aggregate_version DESC LIMIT 1`
	s, err := scanSnapshot(r.db.QueryRowContext(ctx, query, aggregateType, aggregateID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AggregateSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.AggregateSnapshot{}, fmt.Errorf("load latest snapshot of %s/%s: %w", aggregateType, aggregateID, err)
	}
	return s, nil
}

func scanSnapshot(row rowScanner) (domain.AggregateSnapshot, error) {
	var (
		s              domain.AggregateSnapshot
		data, metadata []byte
	)
	if err := row.Scan(&s.SnapshotID, &s.AggregateType, &s.AggregateID, &s.AggregateVersion,
		&data, &metadata, &s.SnapshotHash, &s.EventCount, &s.CreatedAt); err != nil {
		return domain.AggregateSnapshot{}, err
	}
	s.SnapshotData = json.RawMessage(data)
	s.SnapshotMetadata = json.RawMessage(metadata)
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}
