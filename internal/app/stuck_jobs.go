// Package app wires application components and startup helpers.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// StaleRequeuer returns jobs stuck in processing to pending.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, tenant string, maxAge time.Duration) (int, error)
}

// StuckJobSweeper recovers jobs a crashed worker left in processing: past
// the maximum age they go back to pending so the next tick reclaims them.
type StuckJobSweeper struct {
	queue            StaleRequeuer
	tenant           string
	maxProcessingAge time.Duration
	interval         time.Duration
}

func NewStuckJobSweeper(queue StaleRequeuer, tenant string, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if queue == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{
		queue:            queue,
		tenant:           tenant,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.queue == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("jobs.max_processing_age_seconds", s.maxProcessingAge.Seconds()),
	)

	n, err := s.queue.RequeueStale(ctx, s.tenant, s.maxProcessingAge)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.requeued", n))
	if n > 0 {
		slog.Warn("stuck jobs requeued",
			slog.Int("count", n),
			slog.Duration("max_processing_age", s.maxProcessingAge))
	}
}
