package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/V4T54L/eventstore/internal/domain"
	"github.com/V4T54L/eventstore/internal/domain/mocks"
)

func TestReconstruct_SnapshotReplayEquivalence(t *testing.T) {
	ctx := context.Background()
	events := &mocks.MockEventRepository{}
	seedCase(t, events, "c-1", 5)

	full, err := Reconstruct(ctx, NewReconstructor(events, &mocks.MockSnapshotRepository{}, testLogger()), "Case", "c-1", caseReducer, caseState{})
	if err != nil {
		t.Fatalf("full replay failed: %v", err)
	}
	if full.Version != 6 || full.EventsApplied != 6 || full.SnapshotVersion != 0 {
		t.Fatalf("unexpected full replay result %+v", full)
	}

	// Snapshot at version 4, built from a bounded replay.
	snapshots := &mocks.MockSnapshotRepository{}
	recon := NewReconstructor(events, snapshots, testLogger())
	partial, err := reconstructUpTo(ctx, recon, "Case", "c-1", caseReducer, caseState{}, 4)
	if err != nil {
		t.Fatalf("bounded replay failed: %v", err)
	}
	if partial.Version != 4 || len(partial.State.Notes) != 3 {
		t.Fatalf("unexpected bounded result %+v", partial)
	}
	data, _ := json.Marshal(partial.State)
	if _, err := NewSnapshotManager(events, snapshots, testLogger()).CreateSnapshot(ctx, domain.AggregateSnapshot{
		AggregateType: "Case", AggregateID: "c-1", AggregateVersion: 4, SnapshotData: data,
	}); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	fromSnapshot, err := Reconstruct(ctx, recon, "Case", "c-1", caseReducer, caseState{})
	if err != nil {
		t.Fatalf("snapshot replay failed: %v", err)
	}
	if fromSnapshot.SnapshotVersion != 4 || fromSnapshot.EventsApplied != 2 {
		t.Errorf("expected to fold 2 events after snapshot 4, got %+v", fromSnapshot)
	}
	if fromSnapshot.Version != full.Version || !reflect.DeepEqual(fromSnapshot.State, full.State) {
		t.Errorf("snapshot replay %+v differs from full replay %+v", fromSnapshot, full)
	}
}

func TestReconstruct_SnapshotAtHead(t *testing.T) {
	ctx := context.Background()
	events := &mocks.MockEventRepository{}
	seedCase(t, events, "c-1", 1)
	snapshots := &mocks.MockSnapshotRepository{}
	m := NewSnapshotManager(events, snapshots, testLogger())
	m.CreateSnapshot(ctx, domain.AggregateSnapshot{AggregateType: "Case", AggregateID: "c-1", AggregateVersion: 2, SnapshotData: json.RawMessage(`{"title":"X","status":"open","notes":["n"]}`)})

	res, err := Reconstruct(ctx, NewReconstructor(events, snapshots, testLogger()), "Case", "c-1", caseReducer, caseState{})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if res.Version != 2 || res.EventsApplied != 0 || res.State.Title != "X" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestReconstruct_IgnoresTamperedSnapshot(t *testing.T) {
	ctx := context.Background()
	events := &mocks.MockEventRepository{}
	seedCase(t, events, "c-1", 2)

	snapshots := &mocks.MockSnapshotRepository{}
	snapshots.UpsertSnapshot(ctx, domain.AggregateSnapshot{
		SnapshotID: "s1", AggregateType: "Case", AggregateID: "c-1", AggregateVersion: 2,
		SnapshotData: json.RawMessage(`{"title":"forged"}`), SnapshotHash: "not-the-hash",
	})

	res, err := Reconstruct(ctx, NewReconstructor(events, snapshots, testLogger()), "Case", "c-1", caseReducer, caseState{})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if res.SnapshotVersion != 0 || res.State.Title != "X" || res.Version != 3 {
		t.Errorf("tampered snapshot should be ignored, got %+v", res)
	}
}

func TestReconstruct_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("Reducer error", func(t *testing.T) {
		events := &mocks.MockEventRepository{}
		seedCase(t, events, "c-1", 0)
		boom := errors.New("boom")
		reducer := func(s caseState, e domain.StoredEvent) (caseState, error) { return s, boom }
		_, err := Reconstruct(ctx, NewReconstructor(events, &mocks.MockSnapshotRepository{}, testLogger()), "Case", "c-1", reducer, caseState{})
		if !errors.Is(err, boom) {
			t.Errorf("expected reducer error, got %v", err)
		}
	})

	t.Run("Snapshot store failure falls back to replay", func(t *testing.T) {
		events := &mocks.MockEventRepository{}
		seedCase(t, events, "c-1", 0)
		snapshots := &mocks.MockSnapshotRepository{GetErr: errors.New("unavailable")}
		res, err := Reconstruct(ctx, NewReconstructor(events, snapshots, testLogger()), "Case", "c-1", caseReducer, caseState{})
		if err != nil || res.Version != 1 {
			t.Errorf("expected full replay, got %+v, %v", res, err)
		}
	})

	t.Run("Event store failure", func(t *testing.T) {
		events := &mocks.MockEventRepository{ReadErr: errors.New("unavailable")}
		if _, err := Reconstruct(ctx, NewReconstructor(events, &mocks.MockSnapshotRepository{}, testLogger()), "Case", "c-1", caseReducer, caseState{}); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("Unknown aggregate", func(t *testing.T) {
		res, err := Reconstruct(ctx, NewReconstructor(&mocks.MockEventRepository{}, &mocks.MockSnapshotRepository{}, testLogger()), "Case", "nope", caseReducer, caseState{Status: "new"})
		if err != nil || res.Version != 0 || res.State.Status != "new" {
			t.Errorf("expected initial state at version 0, got %+v, %v", res, err)
		}
	})
}
