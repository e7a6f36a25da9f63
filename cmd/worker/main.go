// Command worker runs the sync engine: the advisory-locked tick loop, the
// stuck-job sweeper and retention cleanup.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/app"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/config"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer comp.Close()

	var notifier domain.Notifier
	if comp.Notifier != nil {
		notifier = comp.Notifier
	}
	lock := postgres.NewAdvisoryLock(comp.Pool, cfg.Tenant)
	eng := engine.New(engine.Config{
		Tenant:                 cfg.Tenant,
		BatchSize:              cfg.BatchSize,
		BreakerFailures:        cfg.BreakerFailures,
		BreakerCoolDown:        cfg.BreakerCoolDown,
		FailureNotifyThreshold: cfg.FailureNotifyThreshold,
	}, comp.Queue, comp.Registry, comp.Entities, comp.Creds, comp.Settings, comp.Logs, notifier, lock)

	sweeper := app.NewStuckJobSweeper(comp.Queue, cfg.Tenant, cfg.StuckJobAge, cfg.TickInterval)
	cleanup := postgres.NewCleanupService(comp.Queue, comp.Logs, cfg.QueueRetentionDays, cfg.LogRetentionDays)

	slog.Info("sync worker starting",
		slog.String("tenant", cfg.Tenant),
		slog.Duration("tick_interval", cfg.TickInterval),
		slog.Int("batch_size", cfg.BatchSize))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		eng.Run(ctx, cfg.TickInterval)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")
	wg.Wait()
	slog.Info("sync worker stopped")
}
