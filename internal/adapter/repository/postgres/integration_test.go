package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/eventstore/internal/domain"
)

const testPostgresEnv = "EVENTSTORE_TEST_POSTGRES_URL"

// openTestDB connects to the database named by EVENTSTORE_TEST_POSTGRES_URL
// inside a fresh schema dropped when the test ends.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv(testPostgresEnv)
	if dsn == "" {
		t.Skipf("%s not set", testPostgresEnv)
	}

	admin, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	schema := "es_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if _, err := admin.Exec("CREATE SCHEMA " + schema); err != nil {
		admin.Close()
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(func() {
		admin.Exec("DROP SCHEMA " + schema + " CASCADE")
		admin.Close()
	})

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("invalid %s: %v", testPostgresEnv, err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := Open(ctx, u.String(), 5)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func insertTestEvent(t *testing.T, repo *EventRepository, evt domain.StoredEvent) domain.StoredEvent {
	t.Helper()
	var stored domain.StoredEvent
	err := repo.RunInTx(context.Background(), func(ctx context.Context, tx domain.EventTx) error {
		if err := tx.LockAggregate(ctx, evt.AggregateType, evt.AggregateID); err != nil {
			return err
		}
		if err := tx.EnsurePartition(ctx, evt.TenantID, evt.EventTimestamp); err != nil {
			return err
		}
		var err error
		stored, err = tx.InsertEvent(ctx, evt)
		return err
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	return stored
}

func testEvent(tenant, aggregateID string, version int64, at time.Time) domain.StoredEvent {
	e := newStoredEvent()
	e.EventID = uuid.NewString()
	e.TenantID = tenant
	e.AggregateID = aggregateID
	e.AggregateVersion = version
	e.EventTimestamp = at
	e.EventHash = fmt.Sprintf("hash-%s-%d", aggregateID, version)
	return e
}

func TestIntegration_DualGeneration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	legacy := NewEventRepository(db, StorageOptions{}, nil, discardLogger())
	old := insertTestEvent(t, legacy, testEvent("t1", "agg-1", 1, now))

	partitions := NewPartitionCoordinator(db, PartitionOptions{MonthsAhead: 1, RetentionMonths: 18}, nil, discardLogger())
	dual := NewEventRepository(db, StorageOptions{UsePartitionedTable: true, LegacyDualWrite: true}, partitions, discardLogger())

	v, err := dual.CurrentVersion(ctx, "case", "agg-1")
	if err != nil || v != 1 {
		t.Fatalf("dual CurrentVersion = %d, %v; want 1 from legacy history", v, err)
	}

	next := testEvent("t1", "agg-1", 2, now)
	next.PreviousEventHash = old.EventHash
	stored := insertTestEvent(t, dual, next)
	if stored.GlobalPosition <= old.GlobalPosition {
		t.Errorf("global position %d should follow %d", stored.GlobalPosition, old.GlobalPosition)
	}

	events, err := dual.ListAggregateEvents(ctx, "case", "agg-1", 0)
	if err != nil {
		t.Fatalf("ListAggregateEvents: %v", err)
	}
	if len(events) != 2 || events[0].AggregateVersion != 1 || events[1].AggregateVersion != 2 {
		t.Fatalf("expected versions 1,2 exactly once, got %+v", events)
	}
	if events[1].PreviousEventHash != old.EventHash || string(events[1].EventData) != `{"title":"x"}` {
		t.Errorf("round trip mismatch: %+v", events[1])
	}

	// The mirrored copy keeps the primary's position.
	var legacyPos int64
	if err := db.QueryRow("SELECT global_position FROM domain_events WHERE event_id = $1", stored.EventID).Scan(&legacyPos); err != nil {
		t.Fatalf("mirror row missing: %v", err)
	}
	if legacyPos != stored.GlobalPosition {
		t.Errorf("mirror position = %d, want %d", legacyPos, stored.GlobalPosition)
	}

	latest, err := dual.LatestEventHash(ctx)
	if err != nil || latest != stored.EventHash {
		t.Errorf("LatestEventHash = %q, %v", latest, err)
	}

	found, err := dual.FindEventByHash(ctx, old.EventHash)
	if err != nil || found.EventID != old.EventID {
		t.Errorf("FindEventByHash = %+v, %v", found, err)
	}
	if _, err := dual.FindEventByHash(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := dual.CountAggregateEvents(ctx, "case", "agg-1", 1)
	if err != nil || n != 1 {
		t.Errorf("CountAggregateEvents = %d, %v", n, err)
	}
}

func TestIntegration_VersionConflict(t *testing.T) {
	db := openTestDB(t)
	repo := NewEventRepository(db, StorageOptions{}, nil, discardLogger())
	now := time.Now().UTC().Truncate(time.Millisecond)

	insertTestEvent(t, repo, testEvent("t1", "agg-1", 1, now))
	err := repo.RunInTx(context.Background(), func(ctx context.Context, tx domain.EventTx) error {
		_, err := tx.InsertEvent(ctx, testEvent("t1", "agg-1", 1, now))
		return err
	})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestIntegration_QueryAndTenantEvents(t *testing.T) {
	db := openTestDB(t)
	partitions := NewPartitionCoordinator(db, PartitionOptions{MonthsAhead: 1, RetentionMonths: 18}, nil, discardLogger())
	repo := NewEventRepository(db, StorageOptions{UsePartitionedTable: true}, partitions, discardLogger())
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := int64(1); i <= 3; i++ {
		insertTestEvent(t, repo, testEvent("t1", "agg-1", i, base.Add(time.Duration(i)*time.Millisecond)))
	}
	insertTestEvent(t, repo, testEvent("t2", "agg-2", 1, base))

	f, _ := domain.EventFilter{TenantID: "t1", Limit: 2}.Normalize()
	got, err := repo.QueryEvents(ctx, f)
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 2 || got[0].AggregateVersion != 3 || got[1].AggregateVersion != 2 {
		t.Errorf("expected newest first page [3 2], got %+v", got)
	}

	all, err := repo.ListTenantEvents(ctx, "t1", nil, nil)
	if err != nil {
		t.Fatalf("ListTenantEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tenant events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].GlobalPosition <= all[i-1].GlobalPosition {
			t.Errorf("tenant events out of append order: %+v", all)
		}
	}
}

func TestIntegration_PartitionEnsureAndMaintain(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := NewPartitionCoordinator(db, PartitionOptions{MonthsAhead: 2, RetentionMonths: 1, DetachExpired: true}, nil, discardLogger())
	repo := NewEventRepository(db, StorageOptions{UsePartitionedTable: true}, c, discardLogger())

	// Two months back is older than the retention window and lands in the default leaf.
	insertTestEvent(t, repo, testEvent("t1", "old", 1, monthStart(now).AddDate(0, -2, 0)))
	insertTestEvent(t, repo, testEvent("t1", "new", 1, now))

	var catalogued int
	if err := db.QueryRow("SELECT COUNT(*) FROM domain_event_partitions WHERE tenant_id = 't1'").Scan(&catalogued); err != nil {
		t.Fatal(err)
	}
	// tenant + default + current + two ahead
	if catalogued != 5 {
		t.Errorf("expected 5 catalogued partitions, got %d", catalogued)
	}

	// Move the clock forward so the current month expires.
	c.now = func() time.Time { return monthStart(now).AddDate(0, 3, 0) }
	res, err := c.Maintain(ctx)
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Tenants != 1 || res.Detached == 0 || res.Created == 0 {
		t.Errorf("unexpected maintenance result %+v", res)
	}

	// Detached data is still present in its own table.
	leaf := monthlyLeaf("t1", monthStart(now)).name
	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + leaf).Scan(&rows); err != nil || rows != 1 {
		t.Errorf("detached leaf rows = %d, %v", rows, err)
	}
}
