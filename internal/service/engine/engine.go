// Package engine runs the queue processor: a single advisory-locked worker
// claims batches of pending jobs and dispatches them to sync modules, with
// circuit breaking, bounded retry backoff and lifecycle notifications.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/credentials"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/entitymap"
)

// Lock is the tick mutual-exclusion primitive. Only one process may run a
// tick at a time across all replicas.
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config tunes the engine.
type Config struct {
	Tenant string
	// BatchSize caps jobs claimed per tick.
	BatchSize int
	// BreakerFailures consecutive failures open a breaker scope.
	BreakerFailures int
	// BreakerCoolDown is the open-state duration before a half-open probe.
	BreakerCoolDown time.Duration
	// FailureNotifyThreshold fires a notification when global consecutive
	// failures reach it. Zero disables.
	FailureNotifyThreshold int
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCoolDown <= 0 {
		c.BreakerCoolDown = 5 * time.Minute
	}
}

// Engine owns the tick loop state. Construct with New; run Tick on a timer
// or call it directly from tests.
type Engine struct {
	cfg      Config
	queue    domain.QueueRepository
	registry domain.Registry
	entities *entitymap.Map
	creds    *credentials.Store
	settings domain.SettingsStore
	logs     domain.LogRepository
	notifier domain.Notifier
	lock     Lock

	global *Breaker
	modMu  sync.Mutex
	perMod map[string]*Breaker
	now    func() time.Time
}

// New wires an engine. notifier and logs may be nil.
func New(cfg Config, queue domain.QueueRepository, reg domain.Registry, entities *entitymap.Map,
	creds *credentials.Store, settings domain.SettingsStore, logs domain.LogRepository,
	notifier domain.Notifier, lock Lock) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		queue:    queue,
		registry: reg,
		entities: entities,
		creds:    creds,
		settings: settings,
		logs:     logs,
		notifier: notifier,
		lock:     lock,
		global:   NewBreaker("global", cfg.BreakerFailures, cfg.BreakerCoolDown),
		perMod:   map[string]*Breaker{},
		now:      time.Now,
	}
}

// GlobalBreaker exposes the global scope for the admin surface.
func (e *Engine) GlobalBreaker() *Breaker { return e.global }

// ModuleBreaker returns (lazily creating) the breaker for a module scope.
func (e *Engine) ModuleBreaker(module string) *Breaker {
	e.modMu.Lock()
	defer e.modMu.Unlock()
	if b, ok := e.perMod[module]; ok {
		return b
	}
	b := NewBreaker("module:"+module, e.cfg.BreakerFailures, e.cfg.BreakerCoolDown)
	e.perMod[module] = b
	return b
}

// Breakers snapshots every breaker scope for the admin surface.
func (e *Engine) Breakers() map[string]*Breaker {
	e.modMu.Lock()
	defer e.modMu.Unlock()
	out := make(map[string]*Breaker, len(e.perMod)+1)
	out["global"] = e.global
	for id, b := range e.perMod {
		out["module:"+id] = b
	}
	return out
}

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync engine stopping")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				slog.Error("sync tick failed", slog.Any("error", err))
			}
		}
	}
}

type groupKey struct {
	module     string
	entityType string
	direction  domain.Direction
	action     domain.Action
}

// Tick runs one pass: acquire the lock, gate on the global breaker, claim a
// batch and dispatch it. Returns nil when another holder owns the lock.
func (e *Engine) Tick(ctx context.Context) error {
	held, err := e.lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("op=engine.tick: %w", err)
	}
	if !held {
		slog.Debug("sync tick skipped, lock held elsewhere")
		return nil
	}
	defer func() {
		if err := e.lock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("advisory lock release failed", slog.Any("error", err))
		}
	}()

	now := e.now()
	if !e.global.Allow(now) {
		e.publishBreakerGauges()
		slog.Debug("sync tick skipped, global breaker open")
		return nil
	}
	limit := e.cfg.BatchSize
	if state, _, _, _ := e.global.Snapshot(); state == BreakerHalfOpen {
		// One probe job decides whether the breaker closes.
		limit = 1
	}

	// Request-scoped caches live for exactly one tick.
	ctx = credentials.WithRequestCache(ctx)
	ctx = entitymap.WithRequestCache(ctx)

	fetched, err := e.queue.FetchPending(ctx, e.cfg.Tenant, limit, now)
	if err != nil {
		return fmt.Errorf("op=engine.tick: %w", err)
	}
	jobs := e.filterDirection(ctx, fetched)
	if len(jobs) == 0 {
		return nil
	}

	claimed, err := e.claim(ctx, jobs)
	if err != nil {
		return fmt.Errorf("op=engine.tick: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	for _, j := range claimed {
		observability.StartProcessingJob(j.Module)
	}

	e.dispatch(ctx, claimed, now)
	e.publishBreakerGauges()
	if stats, err := e.queue.Stats(ctx, e.cfg.Tenant); err == nil {
		for module, depth := range stats.DepthByModule {
			observability.QueueDepth.WithLabelValues(module).Set(float64(depth))
		}
	}
	return nil
}

// filterDirection drops jobs whose direction the sync.direction setting
// excludes; they stay pending untouched.
func (e *Engine) filterDirection(ctx context.Context, jobs []domain.SyncJob) []domain.SyncJob {
	mode := domain.SyncBidirectional
	if v, ok, err := e.settings.GetString(ctx, e.cfg.Tenant, postgres.KeySyncDirection); err == nil && ok {
		switch domain.SyncDirectionSetting(v) {
		case domain.SyncPushOnly, domain.SyncPullOnly, domain.SyncBidirectional:
			mode = domain.SyncDirectionSetting(v)
		}
	}
	if mode == domain.SyncBidirectional {
		return jobs
	}
	out := jobs[:0:0]
	for _, j := range jobs {
		if (mode == domain.SyncPushOnly && j.Direction == domain.DirectionPush) ||
			(mode == domain.SyncPullOnly && j.Direction == domain.DirectionPull) {
			out = append(out, j)
		}
	}
	return out
}

// claim transitions the batch to processing atomically. When a concurrent
// cancel shrinks the claim, re-check each job and keep only the ones this
// tick actually owns.
func (e *Engine) claim(ctx context.Context, jobs []domain.SyncJob) ([]domain.SyncJob, error) {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	n, err := e.queue.Claim(ctx, ids)
	if err != nil {
		return nil, err
	}
	if n == len(jobs) {
		return jobs, nil
	}
	owned := make([]domain.SyncJob, 0, n)
	for _, j := range jobs {
		cur, err := e.queue.Get(ctx, j.ID)
		if err != nil || cur.Status != domain.JobProcessing {
			continue
		}
		owned = append(owned, j)
	}
	return owned, nil
}

// dispatch groups the claimed jobs by (module, entity type, direction,
// action), offers batch-capable modules whole groups and falls back to
// per-job calls.
func (e *Engine) dispatch(ctx context.Context, jobs []domain.SyncJob, now time.Time) {
	groups := map[groupKey][]domain.SyncJob{}
	var order []groupKey
	for _, j := range jobs {
		k := groupKey{module: j.Module, entityType: j.EntityType, direction: j.Direction, action: j.Action}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], j)
	}

	for _, k := range order {
		group := groups[k]
		mod, ok := e.registry.Get(k.module)
		if !ok {
			for _, j := range group {
				e.failTerminal(ctx, j, fmt.Sprintf("%v: %s", domain.ErrUnknownModule, k.module))
			}
			continue
		}
		if !e.registry.IsEnabled(ctx, e.cfg.Tenant, k.module) {
			// A disabled module is an operator decision, not a fault: defer
			// the jobs one cool-down without burning an attempt.
			e.deferGroup(ctx, group, now.Add(e.cfg.BreakerCoolDown))
			continue
		}
		mb := e.ModuleBreaker(k.module)
		if !mb.Allow(now) {
			e.deferGroup(ctx, group, now.Add(e.cfg.BreakerCoolDown))
			continue
		}

		results := e.callGroup(ctx, mod, k, group)
		for i, j := range group {
			e.settle(ctx, mod, j, results[i], now)
		}
	}
}

// callGroup executes one (module, entity type, direction, action) group.
func (e *Engine) callGroup(ctx context.Context, mod domain.Module, k groupKey, group []domain.SyncJob) []domain.SyncResult {
	if bm, ok := mod.(domain.BatchModule); ok && len(group) > 1 {
		var results []domain.SyncResult
		var handled bool
		if k.direction == domain.DirectionPush {
			results, handled = bm.PushBatch(ctx, group)
		} else {
			results, handled = bm.PullBatch(ctx, group)
		}
		if handled && len(results) == len(group) {
			return results
		}
	}
	results := make([]domain.SyncResult, len(group))
	for i, j := range group {
		results[i] = e.callOne(ctx, mod, j)
	}
	return results
}

// callOne invokes the module, converting a panic into a terminal failure so
// one faulty module cannot take the engine down.
func (e *Engine) callOne(ctx context.Context, mod domain.Module, job domain.SyncJob) (res domain.SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("module panicked",
				slog.String("module", job.Module),
				slog.String("job_id", job.ID),
				slog.Any("panic", r))
			res = domain.Fail(false, fmt.Sprintf("module panic: %v", r))
		}
	}()
	if job.Direction == domain.DirectionPush {
		return mod.Push(ctx, job)
	}
	return mod.Pull(ctx, job)
}

// settle applies one result: completion, scheduled retry or terminal failure.
func (e *Engine) settle(ctx context.Context, mod domain.Module, job domain.SyncJob, res domain.SyncResult, now time.Time) {
	if res.OK {
		e.complete(ctx, mod, job, res, now)
		return
	}
	e.retryOrFail(ctx, job, res, now)
}

func (e *Engine) complete(ctx context.Context, mod domain.Module, job domain.SyncJob, res domain.SyncResult, now time.Time) {
	patch := domain.StatusPatch{ProcessedAt: &now}
	if err := e.queue.UpdateStatus(ctx, job.ID, domain.JobCompleted, patch); err != nil {
		slog.Error("job completion update failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	e.recordMapping(ctx, mod, job, res)
	e.global.RecordSuccess()
	e.ModuleBreaker(job.Module).RecordSuccess()
	observability.CompleteJob(job.Module)
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("module", job.Module),
		slog.String("entity_type", job.EntityType),
		slog.String("direction", string(job.Direction)),
		slog.String("action", string(job.Action)))
}

// recordMapping keeps the entity map in step with the outcome: deletes drop
// the row, create/update upsert it when the module reported a remote id.
func (e *Engine) recordMapping(ctx context.Context, mod domain.Module, job domain.SyncJob, res domain.SyncResult) {
	if job.LocalID == nil {
		return
	}
	if job.Action == domain.ActionDelete {
		if err := e.entities.Remove(ctx, job.Tenant, job.Module, job.EntityType, *job.LocalID); err != nil {
			slog.Warn("entity map remove failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		return
	}
	remoteID := res.RemoteID
	if remoteID == nil {
		remoteID = job.RemoteID
	}
	if remoteID == nil {
		return
	}
	hash := res.SyncHash
	if hash == "" && len(job.Payload) > 0 {
		hash = domain.SyncHash(job.Payload)
	}
	m := domain.EntityMapping{
		Tenant:      job.Tenant,
		Module:      job.Module,
		EntityType:  job.EntityType,
		LocalID:     *job.LocalID,
		RemoteID:    *remoteID,
		RemoteModel: mod.RemoteModels()[job.EntityType],
		SyncHash:    hash,
	}
	if err := e.entities.Save(ctx, m); err != nil {
		slog.Warn("entity map save failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// retryOrFail handles a failed result: schedule a bounded-backoff retry while
// attempts remain and the failure is retryable, otherwise fail terminally.
func (e *Engine) retryOrFail(ctx context.Context, job domain.SyncJob, res domain.SyncResult, now time.Time) {
	attempts := job.Attempts + 1
	msg := res.Message
	if msg == "" {
		msg = "sync failed"
	}
	e.recordFailure(ctx, job, msg, now)

	if res.Retryable && attempts < job.MaxAttempts {
		next := now.Add(backoffDelay(attempts))
		patch := domain.StatusPatch{Attempts: &attempts, ErrorMessage: &msg, ScheduledAt: &next}
		if err := e.queue.UpdateStatus(ctx, job.ID, domain.JobPending, patch); err != nil {
			slog.Error("job retry update failed", slog.String("job_id", job.ID), slog.Any("error", err))
			return
		}
		observability.RetryJob(job.Module)
		slog.Warn("job retry scheduled",
			slog.String("job_id", job.ID),
			slog.String("module", job.Module),
			slog.Int("attempts", attempts),
			slog.Time("next_attempt", next),
			slog.String("error", msg))
		return
	}

	patch := domain.StatusPatch{Attempts: &attempts, ErrorMessage: &msg, ProcessedAt: &now}
	if err := e.queue.UpdateStatus(ctx, job.ID, domain.JobFailed, patch); err != nil {
		slog.Error("job failure update failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.FailJob(job.Module)
	e.appendLog(ctx, domain.LevelError, "job failed terminally", map[string]any{
		"job_id": job.ID, "module": job.Module, "entity_type": job.EntityType,
		"action": string(job.Action), "attempts": attempts, "error": msg,
	})
	if e.notifier != nil {
		e.notifier.NotifyJobFailed(ctx, job, msg)
	}
	slog.Error("job failed",
		slog.String("job_id", job.ID),
		slog.String("module", job.Module),
		slog.Int("attempts", attempts),
		slog.String("error", msg))
}

// failTerminal marks a job failed without consuming retries (unknown module,
// module panic during a batch).
func (e *Engine) failTerminal(ctx context.Context, job domain.SyncJob, msg string) {
	attempts := job.Attempts + 1
	now := e.now()
	patch := domain.StatusPatch{Attempts: &attempts, ErrorMessage: &msg, ProcessedAt: &now}
	if err := e.queue.UpdateStatus(ctx, job.ID, domain.JobFailed, patch); err != nil {
		slog.Error("job failure update failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.FailJob(job.Module)
	if e.notifier != nil {
		e.notifier.NotifyJobFailed(ctx, job, msg)
	}
	slog.Error("job failed", slog.String("job_id", job.ID), slog.String("error", msg))
}

// deferGroup returns claimed jobs to pending with a pushed-out schedule.
// Attempts are not consumed; the jobs never reached the module.
func (e *Engine) deferGroup(ctx context.Context, group []domain.SyncJob, until time.Time) {
	for _, j := range group {
		patch := domain.StatusPatch{ScheduledAt: &until}
		if err := e.queue.UpdateStatus(ctx, j.ID, domain.JobPending, patch); err != nil {
			slog.Error("job defer update failed", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		observability.JobsProcessing.WithLabelValues(j.Module).Dec()
	}
	if len(group) > 0 {
		slog.Info("jobs deferred",
			slog.String("module", group[0].Module),
			slog.Int("count", len(group)),
			slog.Time("until", until))
	}
}

// recordFailure bumps both breaker scopes and emits the notifications tied
// to threshold crossings.
func (e *Engine) recordFailure(ctx context.Context, job domain.SyncJob, reason string, now time.Time) {
	mb := e.ModuleBreaker(job.Module)
	if mb.RecordFailure(now, reason) && e.notifier != nil {
		e.notifier.NotifyBreakerOpened(ctx, "module:"+job.Module, mb.ConsecutiveFailures(), reason)
	}
	if e.global.RecordFailure(now, reason) && e.notifier != nil {
		e.notifier.NotifyBreakerOpened(ctx, "global", e.global.ConsecutiveFailures(), reason)
	}
	if t := e.cfg.FailureNotifyThreshold; t > 0 && e.global.ConsecutiveFailures() == t && e.notifier != nil {
		e.notifier.NotifyFailureThreshold(ctx, e.cfg.Tenant, t)
	}
}

func (e *Engine) appendLog(ctx context.Context, level domain.LogLevel, msg string, fields map[string]any) {
	if e.logs == nil {
		return
	}
	entry := domain.LogEntry{Tenant: e.cfg.Tenant, Level: level, Channel: "engine", Message: msg, Context: fields}
	if err := e.logs.Append(ctx, entry); err != nil {
		slog.Warn("log append failed", slog.Any("error", err))
	}
}

func (e *Engine) publishBreakerGauges() {
	for scope, b := range e.Breakers() {
		s, _, _, _ := b.Snapshot()
		observability.SetBreakerState(scope, int(s))
	}
}

// backoffDelay is the bounded quadratic retry delay: attempts squared
// minutes-worth of seconds, capped at one hour.
func backoffDelay(attempts int) time.Duration {
	d := time.Duration(attempts*attempts) * 60 * time.Second
	if d > time.Hour {
		return time.Hour
	}
	return d
}
