// Package eventstore is an append-only, hash-chained event store on
// PostgreSQL with snapshotting, tenant-scoped queries and integrity
// verification.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/V4T54L/eventstore/internal/adapter/api"
	"github.com/V4T54L/eventstore/internal/adapter/api/handler"
	"github.com/V4T54L/eventstore/internal/adapter/metrics"
	"github.com/V4T54L/eventstore/internal/adapter/pii"
	"github.com/V4T54L/eventstore/internal/adapter/repository/postgres"
	"github.com/V4T54L/eventstore/internal/adapter/repository/redis"
	"github.com/V4T54L/eventstore/internal/adapter/repository/wal"
	"github.com/V4T54L/eventstore/internal/domain"
	"github.com/V4T54L/eventstore/internal/pkg/config"
	"github.com/V4T54L/eventstore/internal/usecase"
)

type (
	DomainEvent        = domain.DomainEvent
	StoredEvent        = domain.StoredEvent
	EventFilter        = domain.EventFilter
	AggregateSnapshot  = domain.AggregateSnapshot
	IntegrityReport    = domain.IntegrityReport
	IntegrityViolation = domain.IntegrityViolation
	Config             = config.Config
	AppendOption       = usecase.AppendOption
	MaintenanceResult  = postgres.MaintenanceResult

	Reducer[S any]        = usecase.Reducer[S]
	Reconstruction[S any] = usecase.Reconstruction[S]
)

var (
	ErrTenantRequired    = domain.ErrTenantRequired
	ErrInvalidEvent      = domain.ErrInvalidEvent
	ErrInvalidSnapshot   = domain.ErrInvalidSnapshot
	ErrVersionConflict   = domain.ErrVersionConflict
	ErrNotFound          = domain.ErrNotFound
	ErrEmptyBatch        = domain.ErrEmptyBatch
	ErrSnapshotQueueFull = domain.ErrSnapshotQueueFull
	ErrPartitionWindow   = domain.ErrPartitionWindow
	ErrNoReducer         = usecase.ErrNoReducer
)

// WithoutPartitionCheck skips the in-transaction partition check for one call.
func WithoutPartitionCheck() AppendOption { return usecase.WithoutPartitionCheck() }

// Store is one explicitly constructed event store instance. Instances share
// nothing but the database.
type Store struct {
	logger *slog.Logger

	db         *sql.DB
	redis      *goredis.Client
	journal    *wal.TaskJournal
	partitions *postgres.PartitionCoordinator
	apiKeys    domain.APIKeyRepository

	metrics   *metrics.EventStoreMetrics
	registry  *usecase.ReducerRegistry
	writer    *usecase.EventWriter
	recon     *usecase.Reconstructor
	snapshots *usecase.SnapshotManager
	worker    *usecase.SnapshotWorker
	query     *usecase.EventQuery
	verifier  *usecase.IntegrityVerifier
}

// Open connects to PostgreSQL (and Redis when configured), applies the
// schema, loads the persisted chain head and starts the snapshot worker.
// Metrics are registered on reg; pass nil to disable them.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger, reg prometheus.Registerer) (*Store, error) {
	db, err := postgres.Open(ctx, cfg.PostgresURL, cfg.PostgresMaxOpenConns)
	if err != nil {
		return nil, err
	}

	var m *metrics.EventStoreMetrics
	if reg != nil {
		m = metrics.NewEventStoreMetrics(reg)
	}

	partitions := postgres.NewPartitionCoordinator(db, postgres.PartitionOptions{
		MonthsAhead:     cfg.Partition.MonthsAhead,
		RetentionMonths: cfg.Partition.RetentionMonths,
		DetachExpired:   cfg.Partition.DetachExpired,
	}, m, logger)
	events := postgres.NewEventRepository(db, postgres.StorageOptions{
		UsePartitionedTable: cfg.Storage.UsePartitionedTable,
		LegacyDualWrite:     cfg.Storage.LegacyDualWrite,
	}, partitions, logger)

	var (
		snapshotRepo domain.SnapshotRepository = postgres.NewSnapshotRepository(db, logger)
		redisClient  *goredis.Client
	)
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, err
		}
		snapshotRepo = redis.NewSnapshotCache(redisClient, snapshotRepo, cfg.Snapshot.CacheTTL, logger)
	}

	var (
		journal     *wal.TaskJournal
		taskJournal domain.SnapshotTaskJournal
	)
	if cfg.Snapshot.SpillDir != "" {
		journal, err = wal.NewTaskJournal(cfg.Snapshot.SpillDir, cfg.Snapshot.SpillSegmentSize, cfg.Snapshot.SpillMaxSize, logger)
		if err != nil {
			closeAll(db, redisClient, nil)
			return nil, fmt.Errorf("open snapshot spill journal: %w", err)
		}
		taskJournal = journal
	}

	s := assemble(events, snapshotRepo, taskJournal, m, cfg, logger)
	s.db = db
	s.redis = redisClient
	s.journal = journal
	s.partitions = partitions
	s.apiKeys = postgres.NewAPIKeyRepository(db, logger, cfg.APIKeyCacheTTL, m)

	if err := s.start(ctx); err != nil {
		closeAll(db, redisClient, journal)
		return nil, err
	}
	logger.Info("Event store opened", "generation", events.Generation(), "snapshot_cache", redisClient != nil)
	return s, nil
}

// assemble builds the services on top of the storage adapters.
func assemble(events domain.EventRepository, snapshotRepo domain.SnapshotRepository, journal domain.SnapshotTaskJournal, m *metrics.EventStoreMetrics, cfg *Config, logger *slog.Logger) *Store {
	registry := usecase.NewReducerRegistry()
	recon := usecase.NewReconstructor(events, snapshotRepo, logger)
	manager := usecase.NewSnapshotManager(events, snapshotRepo, logger)
	worker := usecase.NewSnapshotWorker(manager, recon, registry, journal, m, usecase.SnapshotWorkerOptions{
		QueueSize: cfg.Snapshot.QueueSize,
		Workers:   cfg.Snapshot.Workers,
		RateLimit: cfg.Snapshot.RateLimit,
	}, logger)
	writer := usecase.NewEventWriter(events, worker, pii.NewRedactor(cfg.RedactionFields(), logger), m, usecase.WriterOptions{
		SnapshotFrequency: cfg.Snapshot.Frequency,
		EnsurePartitions:  cfg.Storage.EnsurePartitionOnWrite,
	}, logger)

	return &Store{
		logger:    logger,
		metrics:   m,
		registry:  registry,
		writer:    writer,
		recon:     recon,
		snapshots: manager,
		worker:    worker,
		query:     usecase.NewEventQuery(events, logger),
		verifier:  usecase.NewIntegrityVerifier(events, m, logger),
	}
}

func (s *Store) start(ctx context.Context) error {
	if err := s.writer.Init(ctx); err != nil {
		return err
	}
	s.worker.Start(context.WithoutCancel(ctx))
	return nil
}

// Close stops the snapshot worker, journaling its pending tasks, and closes
// every connection.
func (s *Store) Close() error {
	s.worker.Stop()
	return closeAll(s.db, s.redis, s.journal)
}

func closeAll(db *sql.DB, redisClient *goredis.Client, journal *wal.TaskJournal) error {
	var errs []error
	if journal != nil {
		errs = append(errs, journal.Close())
	}
	if redisClient != nil {
		errs = append(errs, redisClient.Close())
	}
	if db != nil {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}

// RegisterReducer makes aggregateType eligible for automatic and on-demand
// snapshots.
func RegisterReducer[S any](s *Store, aggregateType string, reducer Reducer[S], initial func() S) {
	usecase.RegisterReducer(s.registry, aggregateType, reducer, initial)
}

// Reconstruct rebuilds an aggregate from its latest valid snapshot and the
// events that followed it.
func Reconstruct[S any](ctx context.Context, s *Store, aggregateType, aggregateID string, reducer Reducer[S], initial S) (Reconstruction[S], error) {
	return usecase.Reconstruct(ctx, s.recon, aggregateType, aggregateID, reducer, initial)
}

// AppendEvent appends one event to its aggregate.
func (s *Store) AppendEvent(ctx context.Context, event DomainEvent, opts ...AppendOption) (StoredEvent, error) {
	return s.writer.AppendEvent(ctx, event, opts...)
}

// AppendEvents appends a batch atomically.
func (s *Store) AppendEvents(ctx context.Context, events []DomainEvent, opts ...AppendOption) ([]StoredEvent, error) {
	return s.writer.AppendEvents(ctx, events, opts...)
}

func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]StoredEvent, error) {
	return s.query.QueryEvents(ctx, filter)
}

// AggregateEvents returns the full history of one aggregate in version order.
func (s *Store) AggregateEvents(ctx context.Context, aggregateType, aggregateID string) ([]StoredEvent, error) {
	return s.query.AggregateEvents(ctx, aggregateType, aggregateID)
}

func (s *Store) VerifyIntegrity(ctx context.Context, tenantID string, start, end *time.Time) (IntegrityReport, error) {
	return s.verifier.VerifyIntegrity(ctx, tenantID, start, end)
}

// CreateSnapshot stores a caller-built snapshot.
func (s *Store) CreateSnapshot(ctx context.Context, snapshot AggregateSnapshot) (AggregateSnapshot, error) {
	return s.snapshots.CreateSnapshot(ctx, snapshot)
}

// BuildSnapshot materializes a snapshot with the registered reducer.
// uptoVersion zero snapshots the current version.
func (s *Store) BuildSnapshot(ctx context.Context, aggregateType, aggregateID string, uptoVersion int64) (AggregateSnapshot, error) {
	return s.worker.Build(ctx, aggregateType, aggregateID, uptoVersion)
}

func (s *Store) LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (AggregateSnapshot, error) {
	return s.snapshots.LatestSnapshot(ctx, aggregateType, aggregateID)
}

// LastHash returns the process-local chain head. It is advisory.
func (s *Store) LastHash() string {
	return s.writer.LastHash()
}

// MaintainPartitions ensures the partition window of every known tenant and
// detaches expired leaves when configured. It is a no-op without a database.
func (s *Store) MaintainPartitions(ctx context.Context) (MaintenanceResult, error) {
	if s.partitions == nil {
		return MaintenanceResult{}, nil
	}
	return s.partitions.Maintain(ctx)
}

// AdminHandler returns the authenticated admin HTTP surface. metricsHandler
// is served on /metrics when not nil.
func (s *Store) AdminHandler(metricsHandler http.Handler) http.Handler {
	h := handler.NewAdminHandler(s.query, s.verifier, s.snapshots, s.worker, s.logger)
	return api.NewAdminRouter(h, s.apiKeys, metricsHandler, s.logger)
}
