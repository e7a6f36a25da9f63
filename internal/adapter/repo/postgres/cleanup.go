package postgres

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService enforces data retention: terminal queue rows and old log
// entries are deleted past their windows.
type CleanupService struct {
	Queue             *QueueRepo
	Logs              *LogRepo
	QueueRetentionDays int
	LogRetentionDays   int
}

// NewCleanupService creates a cleanup service with defaulted windows.
func NewCleanupService(queue *QueueRepo, logs *LogRepo, queueDays, logDays int) *CleanupService {
	if queueDays <= 0 {
		queueDays = 30
	}
	if logDays <= 0 {
		logDays = 30
	}
	return &CleanupService{Queue: queue, Logs: logs, QueueRetentionDays: queueDays, LogRetentionDays: logDays}
}

// CleanupOldData removes data older than the retention windows.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	deletedJobs, err := s.Queue.Cleanup(ctx, s.QueueRetentionDays)
	if err != nil {
		return err
	}
	deletedLogs, err := s.Logs.Prune(ctx, s.LogRetentionDays)
	if err != nil {
		return err
	}
	slog.Info("data cleanup completed",
		slog.Int("deleted_jobs", deletedJobs),
		slog.Int("deleted_logs", deletedLogs),
		slog.Int("queue_retention_days", s.QueueRetentionDays),
		slog.Int("log_retention_days", s.LogRetentionDays),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup loop.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
