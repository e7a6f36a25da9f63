// Command server starts the sync bridge HTTP surface: webhook ingress,
// admin API, health probes and metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/httpserver"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/app"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/config"
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

	ctx := context.Background()
	comp, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer comp.Close()

	// Retention cleanup runs alongside the HTTP surface.
	cleanup := postgres.NewCleanupService(comp.Queue, comp.Logs, cfg.QueueRetentionDays, cfg.LogRetentionDays)
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go cleanup.RunPeriodic(cleanupCtx, cfg.CleanupInterval)

	dbCheck, redisCheck := app.BuildReadinessChecks(comp.Pool, redisAdapter(comp))
	srv := &httpserver.Server{
		Cfg:        cfg,
		Queue:      comp.Queue,
		Registry:   comp.Registry,
		Settings:   comp.Settings,
		Creds:      comp.Creds,
		Limiter:    comp.Limiter,
		Clients:    comp.Clients,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("tenant", cfg.Tenant))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// redisAdapter narrows the go-redis client to the readiness interface.
func redisAdapter(comp *app.Components) app.RedisClient {
	if comp.Redis == nil {
		return nil
	}
	return redisPinger{comp: comp}
}

type redisPinger struct{ comp *app.Components }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult {
	return r.comp.Redis.Ping(ctx)
}
