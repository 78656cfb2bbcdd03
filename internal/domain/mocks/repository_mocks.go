package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/eventstore/internal/domain"
)

// MockEventRepository is an in-memory, transactional domain.EventRepository.
// Transactions are serialized, staged rows are only visible inside their
// transaction, and a failing transaction leaves no trace.
type MockEventRepository struct {
	txMu sync.Mutex // held for the whole transaction, like the aggregate lock
	mu   sync.RWMutex

	events       []domain.StoredEvent // committed, append order
	nextPosition int64

	// InsertErr, when set, is consulted before every insert.
	InsertErr          func(event domain.StoredEvent) error
	EnsurePartitionErr error
	CommitErr          error
	ReadErr            error

	EnsuredPartitions []string
	LockedAggregates  []string
	Transactions      int
}

// Events returns a copy of the committed events in append order.
func (m *MockEventRepository) Events() []domain.StoredEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.StoredEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Tamper mutates a committed row in place, bypassing the writer.
func (m *MockEventRepository) Tamper(eventID string, mutate func(e *domain.StoredEvent)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].EventID == eventID {
			mutate(&m.events[i])
			return true
		}
	}
	return false
}

// Delete removes a committed row, bypassing the writer.
func (m *MockEventRepository) Delete(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].EventID == eventID {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return true
		}
	}
	return false
}

func (m *MockEventRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.EventTx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.Transactions++
	m.mu.Unlock()

	tx := &mockEventTx{repo: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if m.CommitErr != nil {
		return m.CommitErr
	}

	m.mu.Lock()
	m.events = append(m.events, tx.staged...)
	m.mu.Unlock()
	return nil
}

func (m *MockEventRepository) LatestEventHash(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadErr != nil {
		return "", m.ReadErr
	}
	var latest *domain.StoredEvent
	for i := range m.events {
		if latest == nil || m.events[i].GlobalPosition > latest.GlobalPosition {
			latest = &m.events[i]
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.EventHash, nil
}

func (m *MockEventRepository) CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	return maxVersion(m.events, aggregateType, aggregateID), nil
}

func (m *MockEventRepository) ListAggregateEvents(ctx context.Context, aggregateType, aggregateID string, afterVersion int64) ([]domain.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	var out []domain.StoredEvent
	for _, e := range m.events {
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID && e.AggregateVersion > afterVersion {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AggregateVersion < out[j].AggregateVersion })
	return out, nil
}

func (m *MockEventRepository) CountAggregateEvents(ctx context.Context, aggregateType, aggregateID string, uptoVersion int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	var n int64
	for _, e := range m.events {
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID && e.AggregateVersion <= uptoVersion {
			n++
		}
	}
	return n, nil
}

func (m *MockEventRepository) QueryEvents(ctx context.Context, filter domain.EventFilter) ([]domain.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	var out []domain.StoredEvent
	for _, e := range m.events {
		if matches(e, filter) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EventTimestamp.Equal(out[j].EventTimestamp) {
			return out[i].EventTimestamp.After(out[j].EventTimestamp)
		}
		return out[i].AggregateVersion > out[j].AggregateVersion
	})
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockEventRepository) ListTenantEvents(ctx context.Context, tenantID string, start, end *time.Time) ([]domain.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	var out []domain.StoredEvent
	for _, e := range m.events {
		if matches(e, domain.EventFilter{TenantID: tenantID, StartTime: start, EndTime: end}) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GlobalPosition < out[j].GlobalPosition })
	return out, nil
}

func (m *MockEventRepository) FindEventByHash(ctx context.Context, hash string) (domain.StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ReadErr != nil {
		return domain.StoredEvent{}, m.ReadErr
	}
	for _, e := range m.events {
		if e.EventHash == hash {
			return e, nil
		}
	}
	return domain.StoredEvent{}, domain.ErrNotFound
}

type mockEventTx struct {
	repo   *MockEventRepository
	staged []domain.StoredEvent
}

func (tx *mockEventTx) LockAggregate(ctx context.Context, aggregateType, aggregateID string) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.LockedAggregates = append(tx.repo.LockedAggregates, aggregateType+"/"+aggregateID)
	return nil
}

func (tx *mockEventTx) CurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	committed := maxVersion(tx.repo.events, aggregateType, aggregateID)
	staged := maxVersion(tx.staged, aggregateType, aggregateID)
	if staged > committed {
		return staged, nil
	}
	return committed, nil
}

func (tx *mockEventTx) EnsurePartition(ctx context.Context, tenantID string, at time.Time) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if tx.repo.EnsurePartitionErr != nil {
		return tx.repo.EnsurePartitionErr
	}
	tx.repo.EnsuredPartitions = append(tx.repo.EnsuredPartitions, fmt.Sprintf("%s/%s", tenantID, at.UTC().Format("2006-01")))
	return nil
}

func (tx *mockEventTx) InsertEvent(ctx context.Context, event domain.StoredEvent) (domain.StoredEvent, error) {
	if tx.repo.InsertErr != nil {
		if err := tx.repo.InsertErr(event); err != nil {
			return domain.StoredEvent{}, err
		}
	}

	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, rows := range [][]domain.StoredEvent{tx.repo.events, tx.staged} {
		for _, e := range rows {
			if e.EventID == event.EventID {
				return domain.StoredEvent{}, fmt.Errorf("duplicate event id %s", event.EventID)
			}
			if e.AggregateType == event.AggregateType && e.AggregateID == event.AggregateID && e.AggregateVersion == event.AggregateVersion {
				return domain.StoredEvent{}, fmt.Errorf("%w: %s/%s@%d", domain.ErrVersionConflict, event.AggregateType, event.AggregateID, event.AggregateVersion)
			}
		}
	}

	tx.repo.nextPosition++
	event.GlobalPosition = tx.repo.nextPosition
	event.CreatedAt = time.Now().UTC()
	tx.staged = append(tx.staged, event)
	return event, nil
}

func maxVersion(events []domain.StoredEvent, aggregateType, aggregateID string) int64 {
	var v int64
	for _, e := range events {
		if e.AggregateType == aggregateType && e.AggregateID == aggregateID && e.AggregateVersion > v {
			v = e.AggregateVersion
		}
	}
	return v
}

func matches(e domain.StoredEvent, f domain.EventFilter) bool {
	if e.TenantID != f.TenantID {
		return false
	}
	if f.AggregateType != "" && e.AggregateType != f.AggregateType {
		return false
	}
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.StartTime != nil && e.EventTimestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.EventTimestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// MockSnapshotRepository is an in-memory domain.SnapshotRepository.
type MockSnapshotRepository struct {
	mu        sync.Mutex
	snapshots map[string]domain.AggregateSnapshot
	Upserts   int
	UpsertErr error
	GetErr    error
}

func (m *MockSnapshotRepository) UpsertSnapshot(ctx context.Context, snapshot domain.AggregateSnapshot) (domain.AggregateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return domain.AggregateSnapshot{}, m.UpsertErr
	}
	if m.snapshots == nil {
		m.snapshots = make(map[string]domain.AggregateSnapshot)
	}
	key := fmt.Sprintf("%s/%s@%d", snapshot.AggregateType, snapshot.AggregateID, snapshot.AggregateVersion)
	if existing, ok := m.snapshots[key]; ok {
		snapshot.SnapshotID = existing.SnapshotID
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	m.snapshots[key] = snapshot
	m.Upserts++
	return snapshot, nil
}

func (m *MockSnapshotRepository) LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (domain.AggregateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return domain.AggregateSnapshot{}, m.GetErr
	}
	var latest *domain.AggregateSnapshot
	for _, s := range m.snapshots {
		if s.AggregateType != aggregateType || s.AggregateID != aggregateID {
			continue
		}
		if latest == nil || s.AggregateVersion > latest.AggregateVersion {
			snap := s
			latest = &snap
		}
	}
	if latest == nil {
		return domain.AggregateSnapshot{}, domain.ErrNotFound
	}
	return *latest, nil
}

// Count returns the number of distinct stored snapshots.
func (m *MockSnapshotRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// MockSnapshotScheduler records scheduled tasks.
type MockSnapshotScheduler struct {
	mu    sync.Mutex
	Tasks []domain.SnapshotTask
	Err   error
}

func (m *MockSnapshotScheduler) Schedule(ctx context.Context, task domain.SnapshotTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Tasks = append(m.Tasks, task)
	return nil
}

// Scheduled returns a copy of the recorded tasks.
func (m *MockSnapshotScheduler) Scheduled() []domain.SnapshotTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SnapshotTask, len(m.Tasks))
	copy(out, m.Tasks)
	return out
}

// MockSnapshotTaskJournal is an in-memory domain.SnapshotTaskJournal.
type MockSnapshotTaskJournal struct {
	mu       sync.Mutex
	Tasks    []domain.SnapshotTask
	WriteErr error
}

func (m *MockSnapshotTaskJournal) Write(ctx context.Context, task domain.SnapshotTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Tasks = append(m.Tasks, task)
	return nil
}

func (m *MockSnapshotTaskJournal) Replay(ctx context.Context, handler func(task domain.SnapshotTask) error) error {
	m.mu.Lock()
	tasks := make([]domain.SnapshotTask, len(m.Tasks))
	copy(tasks, m.Tasks)
	m.mu.Unlock()
	handled := 0
	defer func() {
		m.mu.Lock()
		m.Tasks = m.Tasks[handled:]
		m.mu.Unlock()
	}()
	for _, t := range tasks {
		if err := handler(t); err != nil {
			return err
		}
		handled++
	}
	return nil
}

func (m *MockSnapshotTaskJournal) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tasks = nil
	return nil
}

// Len returns the number of journaled tasks.
func (m *MockSnapshotTaskJournal) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Tasks)
}

// MockAPIKeyRepository serves keys from a map.
type MockAPIKeyRepository struct {
	Keys map[string]domain.APIKey
	Err  error
}

func (m *MockAPIKeyRepository) Authenticate(ctx context.Context, key string) (domain.APIKey, error) {
	if m.Err != nil {
		return domain.APIKey{}, m.Err
	}
	k, ok := m.Keys[key]
	if !ok {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return k, nil
}
