package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/V4T54L/eventstore/internal/adapter/metrics"
	"github.com/V4T54L/eventstore/internal/domain"
)

// ErrNoReducer is returned for on-demand snapshots of unregistered types.
var ErrNoReducer = errors.New("no reducer registered for aggregate type")

const defaultReplayInterval = 5 * time.Second

// SnapshotWorkerOptions configures a SnapshotWorker.
type SnapshotWorkerOptions struct {
	QueueSize int
	Workers   int
	// RateLimit caps snapshot builds per second; zero means unlimited.
	RateLimit      float64
	ReplayInterval time.Duration
}

// SnapshotWorker builds snapshots in the background. Schedule never blocks:
// when the queue is full, tasks go to the journal and are replayed once the
// queue drains.
type SnapshotWorker struct {
	manager  *SnapshotManager
	recon    *Reconstructor
	registry *ReducerRegistry
	journal  domain.SnapshotTaskJournal
	limiter  *rate.Limiter
	metrics  *metrics.EventStoreMetrics
	logger   *slog.Logger
	opts     SnapshotWorkerOptions

	queue chan domain.SnapshotTask

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSnapshotWorker creates a worker. journal and m may be nil; without a
// journal, tasks that do not fit the queue are dropped.
func NewSnapshotWorker(manager *SnapshotManager, recon *Reconstructor, registry *ReducerRegistry, journal domain.SnapshotTaskJournal, m *metrics.EventStoreMetrics, opts SnapshotWorkerOptions, logger *slog.Logger) *SnapshotWorker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ReplayInterval <= 0 {
		opts.ReplayInterval = defaultReplayInterval
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &SnapshotWorker{
		manager:  manager,
		recon:    recon,
		registry: registry,
		journal:  journal,
		limiter:  rate.NewLimiter(limit, opts.Workers),
		metrics:  m,
		logger:   logger.With("component", "snapshot_worker"),
		opts:     opts,
		queue:    make(chan domain.SnapshotTask, opts.QueueSize),
	}
}

// Schedule enqueues a task without blocking.
func (w *SnapshotWorker) Schedule(ctx context.Context, task domain.SnapshotTask) error {
	if !w.registry.Registered(task.AggregateType) {
		w.outcome("skipped")
		return nil
	}
	if w.enqueue(task) {
		return nil
	}
	return w.spill(ctx, task)
}

func (w *SnapshotWorker) enqueue(task domain.SnapshotTask) bool {
	select {
	case w.queue <- task:
		if w.metrics != nil {
			w.metrics.SnapshotQueueDepth.Inc()
		}
		return true
	default:
		return false
	}
}

func (w *SnapshotWorker) spill(ctx context.Context, task domain.SnapshotTask) error {
	if w.journal == nil {
		return domain.ErrSnapshotQueueFull
	}
	if err := w.journal.Write(ctx, task); err != nil {
		return fmt.Errorf("%w: spill failed: %v", domain.ErrSnapshotQueueFull, err)
	}
	if w.metrics != nil {
		w.metrics.SnapshotTasksSpilled.Inc()
	}
	return nil
}

// Start launches the workers and the journal replayer. It returns
// immediately; Stop waits for them to exit.
func (w *SnapshotWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.run(ctx, id)
		}(i)
	}
	if w.journal != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.replayLoop(ctx)
		}()
	}
	w.logger.Info("Snapshot worker started", "workers", w.opts.Workers, "queue_size", w.opts.QueueSize)
}

// Stop stops the workers and journals tasks still waiting in the queue.
func (w *SnapshotWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()

	pending := 0
	for {
		select {
		case task := <-w.queue:
			if w.metrics != nil {
				w.metrics.SnapshotQueueDepth.Dec()
			}
			pending++
			if w.journal == nil {
				continue
			}
			if err := w.journal.Write(context.Background(), task); err != nil {
				w.logger.Error("Failed to journal pending snapshot task", "error", err)
			}
		default:
			w.logger.Info("Snapshot worker stopped", "pending_tasks", pending)
			return
		}
	}
}

func (w *SnapshotWorker) run(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.queue:
			if w.metrics != nil {
				w.metrics.SnapshotQueueDepth.Dec()
			}
			if err := w.limiter.Wait(ctx); err != nil {
				// Shutting down; keep the task for the next start.
				if w.journal != nil {
					if err := w.journal.Write(context.Background(), task); err != nil {
						w.logger.Error("Failed to journal snapshot task on shutdown", "error", err, "aggregate_id", task.AggregateID)
					}
				}
				return
			}
			w.process(ctx, task, id)
		}
	}
}

func (w *SnapshotWorker) process(ctx context.Context, task domain.SnapshotTask, workerID int) {
	log := w.logger.With("worker_id", workerID,
		"aggregate", domain.AggregateKey{AggregateType: task.AggregateType, AggregateID: task.AggregateID}.String(),
		"version", task.AggregateVersion)

	snap, err := w.Build(ctx, task.AggregateType, task.AggregateID, task.AggregateVersion)
	switch {
	case errors.Is(err, ErrNoReducer), errors.Is(err, domain.ErrNotFound):
		w.outcome("skipped")
		log.Debug("Snapshot skipped", "reason", err)
	case err != nil:
		w.outcome("failed")
		log.Error("Snapshot failed", "error", err)
	default:
		w.outcome("created")
		log.Debug("Snapshot created", "snapshot_id", snap.SnapshotID)
	}
}

// Build materializes and stores a snapshot synchronously. uptoVersion bounds
// the folded history; zero snapshots the current version. It returns
// ErrNoReducer for unregistered types and domain.ErrNotFound when the
// aggregate has no events.
func (w *SnapshotWorker) Build(ctx context.Context, aggregateType, aggregateID string, uptoVersion int64) (domain.AggregateSnapshot, error) {
	build, ok := w.registry.lookup(aggregateType)
	if !ok {
		return domain.AggregateSnapshot{}, fmt.Errorf("%w: %s", ErrNoReducer, aggregateType)
	}
	state, version, err := build(ctx, w.recon, aggregateType, aggregateID, uptoVersion)
	if err != nil {
		return domain.AggregateSnapshot{}, err
	}
	if version == 0 {
		return domain.AggregateSnapshot{}, fmt.Errorf("aggregate %s/%s has no events: %w", aggregateType, aggregateID, domain.ErrNotFound)
	}
	return w.manager.CreateSnapshot(ctx, domain.AggregateSnapshot{
		AggregateType:    aggregateType,
		AggregateID:      aggregateID,
		AggregateVersion: version,
		SnapshotData:     state,
	})
}

func (w *SnapshotWorker) replayLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.ReplayInterval)
	defer ticker.Stop()

	for {
		if err := w.Replay(ctx); err != nil && !errors.Is(err, domain.ErrSnapshotQueueFull) && ctx.Err() == nil {
			w.logger.Error("Snapshot journal replay failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Replay moves journaled tasks back into the queue while it has room.
func (w *SnapshotWorker) Replay(ctx context.Context) error {
	if w.journal == nil || len(w.queue) > 0 {
		return nil
	}
	return w.journal.Replay(ctx, func(task domain.SnapshotTask) error {
		if !w.registry.Registered(task.AggregateType) {
			w.outcome("skipped")
			return nil
		}
		if !w.enqueue(task) {
			return domain.ErrSnapshotQueueFull
		}
		return nil
	})
}

func (w *SnapshotWorker) outcome(outcome string) {
	if w.metrics != nil {
		w.metrics.SnapshotsTotal.WithLabelValues(outcome).Inc()
	}
}
