package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/V4T54L/eventstore"
	"github.com/V4T54L/eventstore/internal/pkg/config"
)

func main() {
	aggregates := flag.Int("aggregates", 20, "Number of aggregates to append to")
	perAggregate := flag.Int("n", 50, "Events appended to every aggregate")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	rps := flag.Int("rps", 500, "Appends per second limit")
	tenantID := flag.String("tenant", "load-"+uuid.NewString()[:8], "Tenant the events are written for")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.Snapshot.SpillDir = ""

	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		log.Fatalf("failed to open event store: %v", err)
	}
	defer store.Close()

	log.Printf("Starting load test for tenant %s", *tenantID)
	log.Printf("Aggregates: %d, Events per aggregate: %d, Concurrency: %d, RPS: %d", *aggregates, *perAggregate, *concurrency, *rps)

	ids := make([]string, *aggregates)
	for i := range ids {
		ids[i] = uuid.NewString()
	}

	// Every worker takes appends from a shared queue, so appends to the
	// same aggregate race across workers.
	jobs := make(chan string)
	go func() {
		defer close(jobs)
		for n := 0; n < *perAggregate; n++ {
			for _, id := range ids {
				jobs <- id
			}
		}
	}()

	var wg sync.WaitGroup
	var successCount, conflictCount, errorCount atomic.Int64
	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100
	start := time.Now()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for id := range jobs {
				limiter.Wait(ctx)
				event := eventstore.DomainEvent{
					EventType:     "LOAD_TEST_EVENT",
					AggregateType: "LoadTest",
					AggregateID:   id,
					EventData:     []byte(fmt.Sprintf(`{"worker":%d,"at":"%s"}`, workerID, time.Now().Format(time.RFC3339Nano))),
					TenantID:      *tenantID,
					UserID:        fmt.Sprintf("worker-%d", workerID),
				}
				for {
					_, err := store.AppendEvent(ctx, event)
					if errors.Is(err, eventstore.ErrVersionConflict) {
						conflictCount.Add(1)
						continue
					}
					if err != nil {
						errorCount.Add(1)
						log.Printf("append failed: %v", err)
					} else {
						successCount.Add(1)
					}
					break
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	log.Println("Load test finished.")
	log.Printf("Appended: %d", successCount.Load())
	log.Printf("Version conflicts retried: %d", conflictCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", float64(successCount.Load())/elapsed.Seconds())

	failed := errorCount.Load() > 0
	for _, id := range ids {
		events, err := store.AggregateEvents(ctx, "LoadTest", id)
		if err != nil {
			log.Fatalf("failed to read aggregate %s: %v", id, err)
		}
		if len(events) != *perAggregate {
			log.Printf("aggregate %s: expected %d events, found %d", id, *perAggregate, len(events))
			failed = true
		}
		for i, e := range events {
			if e.AggregateVersion != int64(i+1) {
				log.Printf("aggregate %s: expected version %d at index %d, found %d", id, i+1, i, e.AggregateVersion)
				failed = true
				break
			}
		}
	}

	report, err := store.VerifyIntegrity(ctx, *tenantID, nil, nil)
	if err != nil {
		log.Fatalf("integrity verification failed: %v", err)
	}
	log.Printf("Integrity: valid=%t total=%d valid_events=%d violations=%d",
		report.Valid, report.TotalEvents, report.ValidEvents, len(report.InvalidEvents))
	if !report.Valid {
		failed = true
	}

	if failed {
		log.Fatal("Load test FAILED")
	}
	log.Println("Load test PASSED: versions are gapless and the hash chain verifies.")
}
