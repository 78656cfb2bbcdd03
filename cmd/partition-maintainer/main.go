package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/V4T54L/eventstore/internal/adapter/repository/postgres"
	"github.com/V4T54L/eventstore/internal/pkg/config"
	"github.com/V4T54L/eventstore/internal/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "Run a single maintenance pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.PostgresURL, 2)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	coordinator := postgres.NewPartitionCoordinator(db, postgres.PartitionOptions{
		MonthsAhead:     cfg.Partition.MonthsAhead,
		RetentionMonths: cfg.Partition.RetentionMonths,
		DetachExpired:   cfg.Partition.DetachExpired,
	}, nil, logger)

	run := func() {
		if _, err := coordinator.Maintain(ctx); err != nil && ctx.Err() == nil {
			logger.Error("partition maintenance failed", "error", err)
		}
	}

	run()
	if *once {
		return
	}

	ticker := time.NewTicker(cfg.Partition.MaintenanceInterval)
	defer ticker.Stop()
	logger.Info("partition maintainer started", "interval", cfg.Partition.MaintenanceInterval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("partition maintainer stopped")
			return
		case <-ticker.C:
			run()
		}
	}
}
