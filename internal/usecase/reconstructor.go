package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/eventstore/internal/domain"
)

// Reducer folds one event into the aggregate state.
type Reducer[S any] func(state S, event domain.StoredEvent) (S, error)

// Reconstruction is the result of rebuilding an aggregate.
type Reconstruction[S any] struct {
	State S
	// Version is the version of the last event folded, or of the snapshot
	// when no event followed it. Zero means the aggregate has no history.
	Version int64
	// SnapshotVersion is the version of the snapshot used as seed, or zero.
	SnapshotVersion int64
	EventsApplied   int
}

// Reconstructor rebuilds aggregate state from the latest snapshot and the
// events recorded after it.
type Reconstructor struct {
	events    domain.EventRepository
	snapshots domain.SnapshotRepository
	logger    *slog.Logger
}

func NewReconstructor(events domain.EventRepository, snapshots domain.SnapshotRepository, logger *slog.Logger) *Reconstructor {
	return &Reconstructor{
		events:    events,
		snapshots: snapshots,
		logger:    logger.With("component", "reconstructor"),
	}
}

// Reconstruct folds the history of an aggregate into state. Snapshot data is
// decoded into S with encoding/json, so S must round-trip through JSON.
func Reconstruct[S any](ctx context.Context, r *Reconstructor, aggregateType, aggregateID string, reducer Reducer[S], initial S) (Reconstruction[S], error) {
	return reconstructUpTo(ctx, r, aggregateType, aggregateID, reducer, initial, 0)
}

// reconstructUpTo stops after uptoVersion; zero means no bound.
func reconstructUpTo[S any](ctx context.Context, r *Reconstructor, aggregateType, aggregateID string, reducer Reducer[S], initial S, uptoVersion int64) (Reconstruction[S], error) {
	res := Reconstruction[S]{State: initial}
	if snap, ok := r.seed(ctx, aggregateType, aggregateID, uptoVersion); ok {
		var state S
		if err := json.Unmarshal(snap.SnapshotData, &state); err != nil {
			r.logger.WarnContext(ctx, "Ignoring undecodable snapshot, replaying full history",
				"snapshot_id", snap.SnapshotID, "error", err)
		} else {
			res.State = state
			res.Version = snap.AggregateVersion
			res.SnapshotVersion = snap.AggregateVersion
		}
	}

	events, err := r.events.ListAggregateEvents(ctx, aggregateType, aggregateID, res.Version)
	if err != nil {
		return Reconstruction[S]{}, fmt.Errorf("load events of %s/%s: %w", aggregateType, aggregateID, err)
	}
	for _, e := range events {
		if uptoVersion > 0 && e.AggregateVersion > uptoVersion {
			break
		}
		res.State, err = reducer(res.State, e)
		if err != nil {
			return Reconstruction[S]{}, fmt.Errorf("apply event %s (version %d): %w", e.EventID, e.AggregateVersion, err)
		}
		res.Version = e.AggregateVersion
		res.EventsApplied++
	}
	return res, nil
}

// seed returns the latest usable snapshot. Snapshots whose hash no longer
// matches their content are skipped.
func (r *Reconstructor) seed(ctx context.Context, aggregateType, aggregateID string, uptoVersion int64) (domain.AggregateSnapshot, bool) {
	snap, err := r.snapshots.LatestSnapshot(ctx, aggregateType, aggregateID)
	if errors.Is(err, domain.ErrNotFound) {
		return snap, false
	}
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to load snapshot, replaying full history",
			"aggregate", aggregateType+"/"+aggregateID, "error", err)
		return snap, false
	}
	if uptoVersion > 0 && snap.AggregateVersion > uptoVersion {
		return snap, false
	}
	if hash, err := domain.ComputeSnapshotHash(snap); err != nil || hash != snap.SnapshotHash {
		r.logger.WarnContext(ctx, "Snapshot hash mismatch, replaying full history",
			"snapshot_id", snap.SnapshotID, "expected", snap.SnapshotHash, "actual", hash)
		return snap, false
	}
	return snap, true
}
