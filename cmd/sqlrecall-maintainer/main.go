package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlrecall/sqlrecall/internal/bootstrap"
	"github.com/sqlrecall/sqlrecall/internal/config"
	"github.com/sqlrecall/sqlrecall/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlrecall-maintainer")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	store, err := bootstrap.OpenPatternStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open pattern store", slog.String("driver", cfg.Store.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	svc := bootstrap.NewMaintenance(cfg, store.Store, nil, logger)
	if cfg.Maintenance.ExportInterval > 0 {
		objectStore, err := bootstrap.OpenObjectStore(context.Background(), cfg)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		svc.ObjectStore = objectStore
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("maintenance worker started",
		slog.Duration("prune_interval", cfg.Maintenance.PruneInterval),
		slog.Duration("export_interval", cfg.Maintenance.ExportInterval),
	)
	if err := svc.Run(ctx); err != nil {
		logger.Error("maintenance worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("maintenance worker stopped")
}
