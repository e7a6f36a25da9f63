package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// QueueRepo persists sync jobs in the sync_queue table.
type QueueRepo struct{ Pool PgxPool }

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool) *QueueRepo { return &QueueRepo{Pool: p} }

const jobColumns = `id, tenant, module, entity_type, direction, action, local_id, remote_id,
	payload, priority, status, attempts, max_attempts, COALESCE(error_message,''),
	scheduled_at, created_at, updated_at, processed_at`

// Enqueue inserts a job unless a pending row with the same deduplication key
// exists, in which case that row's payload, action and priority are updated
// and its id returned.
func (r *QueueRepo) Enqueue(ctx domain.Context, spec domain.JobSpec) (string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	if spec.Tenant == "" || spec.Module == "" || spec.EntityType == "" {
		return "", fmt.Errorf("op=queue.enqueue: %w: tenant, module and entity_type required", domain.ErrInvalidArgument)
	}
	priority := spec.Priority
	if priority == 0 {
		priority = domain.PriorityDefault
	}
	if priority < domain.PriorityMin || priority > domain.PriorityMax {
		return "", fmt.Errorf("op=queue.enqueue: %w: priority %d out of range", domain.ErrInvalidArgument, priority)
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	now := time.Now().UTC()
	scheduledAt := spec.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	payload := spec.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	q := `INSERT INTO sync_queue
		(id, tenant, module, entity_type, direction, action, local_id, remote_id,
		 payload, priority, status, attempts, max_attempts, scheduled_at, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',0,$11,$12,$13,$13)
	ON CONFLICT (tenant, module, entity_type, COALESCE(local_id, -1), COALESCE(remote_id, -1), direction)
		WHERE status = 'pending'
	DO UPDATE SET payload = EXCLUDED.payload, action = EXCLUDED.action, priority = EXCLUDED.priority,
		updated_at = now()
	RETURNING id`
	var id string
	err := r.Pool.QueryRow(ctx, q,
		uuid.New().String(), spec.Tenant, spec.Module, spec.EntityType,
		spec.Direction, spec.Action, spec.LocalID, spec.RemoteID,
		payload, priority, maxAttempts, scheduledAt, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return id, nil
}

// FetchPending returns up to limit pending jobs due at or before now, in
// (priority, scheduled_at, created_at, id) order, scoped to the tenant.
func (r *QueueRepo) FetchPending(ctx domain.Context, tenant string, limit int, now time.Time) ([]domain.SyncJob, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.FetchPending")
	defer span.End()

	if limit <= 0 {
		return nil, fmt.Errorf("op=queue.fetch_pending: %w: limit must be positive", domain.ErrInvalidArgument)
	}
	q := `SELECT ` + jobColumns + ` FROM sync_queue
		WHERE tenant = $1 AND status = 'pending' AND scheduled_at <= $2
		ORDER BY priority ASC, scheduled_at ASC, created_at ASC, id ASC
		LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, tenant, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=queue.fetch_pending: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Claim atomically transitions the listed pending jobs to processing and
// returns the count actually transitioned. Jobs no longer pending (including
// since-cancelled ones) are skipped; the status filter runs in the same
// statement, which is the second line of defence behind the advisory lock.
func (r *QueueRepo) Claim(ctx domain.Context, jobIDs []string) (int, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Claim")
	defer span.End()

	if len(jobIDs) == 0 {
		return 0, nil
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE sync_queue SET status = 'processing', updated_at = now()
		 WHERE id = ANY($1) AND status = 'pending'`,
		jobIDs)
	if err != nil {
		return 0, fmt.Errorf("op=queue.claim: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// transitionSources lists the statuses a row may hold for each target status.
var transitionSources = map[domain.JobStatus][]string{
	domain.JobProcessing: {string(domain.JobPending)},
	domain.JobCompleted:  {string(domain.JobProcessing)},
	domain.JobFailed:     {string(domain.JobProcessing)},
	domain.JobPending:    {string(domain.JobProcessing)},
	domain.JobCancelled:  {string(domain.JobPending)},
}

// UpdateStatus applies an allowed transition plus an optional attribute patch.
func (r *QueueRepo) UpdateStatus(ctx domain.Context, jobID string, next domain.JobStatus, patch domain.StatusPatch) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.UpdateStatus")
	defer span.End()

	sources, ok := transitionSources[next]
	if !ok {
		return fmt.Errorf("op=queue.update_status: %w: target %s", domain.ErrInvalidTransition, next)
	}
	q := `UPDATE sync_queue SET status = $2,
		error_message = COALESCE($3, error_message),
		attempts      = COALESCE($4, attempts),
		scheduled_at  = COALESCE($5, scheduled_at),
		processed_at  = COALESCE($6, processed_at),
		updated_at    = now()
	WHERE id = $1 AND status = ANY($7)`
	tag, err := r.Pool.Exec(ctx, q, jobID, next,
		patch.ErrorMessage, patch.Attempts, patch.ScheduledAt, patch.ProcessedAt, sources)
	if err != nil {
		return fmt.Errorf("op=queue.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := r.Pool.QueryRow(ctx, `SELECT status FROM sync_queue WHERE id = $1`, jobID).Scan(&current)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=queue.update_status: %w", domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("op=queue.update_status: %w", err)
		}
		return fmt.Errorf("op=queue.update_status: %w: %s -> %s", domain.ErrInvalidTransition, current, next)
	}
	return nil
}

// Get loads a job by id.
func (r *QueueRepo) Get(ctx domain.Context, jobID string) (domain.SyncJob, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Get")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM sync_queue WHERE id = $1`, jobID)
	if err != nil {
		return domain.SyncJob{}, fmt.Errorf("op=queue.get: %w", err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return domain.SyncJob{}, fmt.Errorf("op=queue.get: %w", err)
	}
	if len(jobs) == 0 {
		return domain.SyncJob{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
	}
	return jobs[0], nil
}

// Cancel succeeds only while the job is still pending.
func (r *QueueRepo) Cancel(ctx domain.Context, jobID string) (bool, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Cancel")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE sync_queue SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return false, fmt.Errorf("op=queue.cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RetryFailed resets every failed job of the tenant to pending, clears the
// error and makes it due now. Completed jobs are untouched.
func (r *QueueRepo) RetryFailed(ctx domain.Context, tenant string) (int, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.RetryFailed")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE sync_queue SET status = 'pending', error_message = NULL, attempts = 0,
			scheduled_at = $2, updated_at = now()
		 WHERE tenant = $1 AND status = 'failed'`,
		tenant, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=queue.retry_failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Cleanup deletes terminal rows older than the cutoff.
func (r *QueueRepo) Cleanup(ctx domain.Context, olderThanDays int) (int, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Cleanup")
	defer span.End()

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	tag, err := r.Pool.Exec(ctx,
		`DELETE FROM sync_queue WHERE status IN ('completed','failed','cancelled') AND created_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=queue.cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueStale returns stuck processing jobs to pending when their last
// touch is older than maxAge. Covers engine crashes between claim and
// completion; keying on updated_at keeps legitimately in-flight claims of
// old jobs untouched.
func (r *QueueRepo) RequeueStale(ctx domain.Context, tenant string, maxAge time.Duration) (int, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.RequeueStale")
	defer span.End()

	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := r.Pool.Exec(ctx,
		`UPDATE sync_queue SET status = 'pending', scheduled_at = now(), updated_at = now()
		 WHERE tenant = $1 AND status = 'processing' AND updated_at < $2`,
		tenant, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=queue.requeue_stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats aggregates queue counters for the tenant.
func (r *QueueRepo) Stats(ctx domain.Context, tenant string) (domain.QueueStats, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Stats")
	defer span.End()

	var s domain.QueueStats
	q := `SELECT
		COUNT(*) FILTER (WHERE status = 'pending'),
		COUNT(*) FILTER (WHERE status = 'processing'),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COUNT(*),
		COALESCE(EXTRACT(EPOCH FROM AVG(processed_at - created_at) FILTER (WHERE status = 'completed')), 0)
	FROM sync_queue WHERE tenant = $1`
	if err := r.Pool.QueryRow(ctx, q, tenant).Scan(
		&s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.Total, &s.AvgLatencySeconds,
	); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	if s.Completed+s.Failed > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Completed+s.Failed)
	}

	s.DepthByModule = map[string]int64{}
	rows, err := r.Pool.Query(ctx,
		`SELECT module, COUNT(*) FROM sync_queue WHERE tenant = $1 AND status = 'pending' GROUP BY module`,
		tenant)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var module string
		var depth int64
		if err := rows.Scan(&module, &depth); err != nil {
			return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
		}
		s.DepthByModule[module] = depth
	}
	return s, rows.Err()
}

func scanJobs(rows pgx.Rows) ([]domain.SyncJob, error) {
	var out []domain.SyncJob
	for rows.Next() {
		var j domain.SyncJob
		if err := rows.Scan(
			&j.ID, &j.Tenant, &j.Module, &j.EntityType, &j.Direction, &j.Action,
			&j.LocalID, &j.RemoteID, &j.Payload, &j.Priority, &j.Status,
			&j.Attempts, &j.MaxAttempts, &j.ErrorMessage,
			&j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt, &j.ProcessedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
