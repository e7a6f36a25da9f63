package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/config"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/registry"
)

// --- shared fakes for the handler tests ---

type memSettings struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMemSettings() *memSettings { return &memSettings{vals: map[string]string{}} }

func (s *memSettings) GetString(_ context.Context, tenant, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[tenant+"|"+key]
	return v, ok, nil
}

func (s *memSettings) SetString(_ context.Context, tenant, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[tenant+"|"+key] = value
	return nil
}

func (s *memSettings) GetInt(ctx context.Context, tenant, key string) (int, bool, error) {
	v, ok, err := s.GetString(ctx, tenant, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n, true, nil
}

func (s *memSettings) SetInt(ctx context.Context, tenant, key string, value int) error {
	return s.SetString(ctx, tenant, key, fmt.Sprintf("%d", value))
}

func (s *memSettings) GetBool(ctx context.Context, tenant, key string) (bool, bool, error) {
	v, ok, err := s.GetString(ctx, tenant, key)
	if err != nil || !ok {
		return false, ok, err
	}
	return v == "true", true, nil
}

func (s *memSettings) SetBool(ctx context.Context, tenant, key string, value bool) error {
	return s.SetString(ctx, tenant, key, fmt.Sprintf("%t", value))
}

func (s *memSettings) Delete(_ context.Context, tenant, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, tenant+"|"+key)
	return nil
}

func (s *memSettings) raw(tenant, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[tenant+"|"+key]
}

type memQueue struct {
	mu   sync.Mutex
	jobs map[string]*domain.SyncJob
	seq  int
}

func newMemQueue() *memQueue { return &memQueue{jobs: map[string]*domain.SyncJob{}} }

func (q *memQueue) Enqueue(_ context.Context, spec domain.JobSpec) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := fmt.Sprintf("job-%d", q.seq)
	q.jobs[id] = &domain.SyncJob{
		ID: id, Tenant: spec.Tenant, Module: spec.Module, EntityType: spec.EntityType,
		Direction: spec.Direction, Action: spec.Action,
		LocalID: spec.LocalID, RemoteID: spec.RemoteID, Payload: spec.Payload,
		Priority: spec.Priority, Status: domain.JobPending, MaxAttempts: spec.MaxAttempts,
		ScheduledAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (q *memQueue) FetchPending(context.Context, string, int, time.Time) ([]domain.SyncJob, error) {
	return nil, nil
}

func (q *memQueue) Claim(context.Context, []string) (int, error) { return 0, nil }

func (q *memQueue) UpdateStatus(_ context.Context, jobID string, next domain.JobStatus, _ domain.StatusPatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = next
	return nil
}

func (q *memQueue) Get(_ context.Context, jobID string) (domain.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return domain.SyncJob{}, domain.ErrNotFound
	}
	return *j, nil
}

func (q *memQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != domain.JobPending {
		return false, nil
	}
	j.Status = domain.JobCancelled
	return true, nil
}

func (q *memQueue) RetryFailed(_ context.Context, tenant string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Tenant == tenant && j.Status == domain.JobFailed {
			j.Status = domain.JobPending
			n++
		}
	}
	return n, nil
}

func (q *memQueue) Cleanup(context.Context, int) (int, error) { return 0, nil }

func (q *memQueue) Stats(_ context.Context, tenant string) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := domain.QueueStats{DepthByModule: map[string]int64{}}
	for _, j := range q.jobs {
		if j.Tenant != tenant {
			continue
		}
		s.Total++
		switch j.Status {
		case domain.JobPending:
			s.Pending++
			s.DepthByModule[j.Module]++
		case domain.JobFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (q *memQueue) last() *domain.SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[fmt.Sprintf("job-%d", q.seq)]
}

type stubModule struct {
	id     string
	group  string
	models map[string]string
}

func (m *stubModule) ID() string                      { return m.id }
func (m *stubModule) RemoteModels() map[string]string { return m.models }
func (m *stubModule) ExclusiveGroup() string          { return m.group }
func (m *stubModule) DependencyStatus(context.Context) domain.DependencyStatus {
	return domain.DependencyStatus{Available: true}
}
func (m *stubModule) Push(context.Context, domain.SyncJob) domain.SyncResult {
	return domain.Ok(nil, "")
}
func (m *stubModule) Pull(context.Context, domain.SyncJob) domain.SyncResult {
	return domain.Ok(nil, "")
}

type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
}

func (l *fakeLimiter) Allow(context.Context, string, string) (bool, time.Duration, error) {
	return l.allowed, l.retryAfter, nil
}

type testEnv struct {
	server   *Server
	queue    *memQueue
	settings *memSettings
	registry *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	settings := newMemSettings()
	reg := registry.New(settings)
	require.NoError(t, reg.Register(&stubModule{
		id:     "crm",
		group:  "crm",
		models: map[string]string{"contact": "res.partner", "lead": "crm.lead"},
	}))
	_, err := reg.Enable(context.Background(), "t1", "crm", true)
	require.NoError(t, err)

	queue := newMemQueue()
	return &testEnv{
		server: &Server{
			Cfg:      config.Config{Tenant: "t1", AdminAPIToken: "admin-secret", RPCTimeoutSeconds: 30},
			Queue:    queue,
			Registry: reg,
			Settings: settings,
		},
		queue:    queue,
		settings: settings,
		registry: reg,
	}
}

func (e *testEnv) setWebhookToken(t *testing.T, token string) {
	t.Helper()
	require.NoError(t, e.settings.SetString(context.Background(), "t1", postgres.KeyWebhookToken, token))
}

func postWebhook(handler http.HandlerFunc, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/odoo", strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	req.RemoteAddr = "203.0.113.50:41234"
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// --- tests ---

func TestWebhookEnqueuesPullJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.setWebhookToken(t, "hook-secret")

	rec := postWebhook(env.server.WebhookHandler(), "hook-secret",
		`{"model":"res.partner","id":42,"action":"write"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["job_id"])

	job := env.queue.last()
	require.NotNil(t, job)
	assert.Equal(t, "crm", job.Module)
	assert.Equal(t, "contact", job.EntityType)
	assert.Equal(t, domain.DirectionPull, job.Direction)
	assert.Equal(t, domain.ActionUpdate, job.Action, "write normalizes to update")
	require.NotNil(t, job.RemoteID)
	assert.Equal(t, int64(42), *job.RemoteID)
}

func TestWebhookNormalizesUnlink(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.setWebhookToken(t, "hook-secret")

	rec := postWebhook(env.server.WebhookHandler(), "hook-secret",
		`{"model":"crm.lead","id":7,"action":"unlink"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	job := env.queue.last()
	require.NotNil(t, job)
	assert.Equal(t, "lead", job.EntityType)
	assert.Equal(t, domain.ActionDelete, job.Action)
}

func TestWebhookRejectsBadToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.setWebhookToken(t, "hook-secret")

	rec := postWebhook(env.server.WebhookHandler(), "wrong",
		`{"model":"res.partner","id":42,"action":"create"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, env.queue.last())
}

func TestWebhookRejectsWhenTokenUnconfigured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := postWebhook(env.server.WebhookHandler(), "anything",
		`{"model":"res.partner","id":42,"action":"create"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Empty presented token against empty expected must still fail.
	rec = postWebhook(env.server.WebhookHandler(), "",
		`{"model":"res.partner","id":42,"action":"create"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.setWebhookToken(t, "hook-secret")
	env.server.Limiter = &fakeLimiter{allowed: false, retryAfter: 7 * time.Second}

	rec := postWebhook(env.server.WebhookHandler(), "hook-secret",
		`{"model":"res.partner","id":42,"action":"create"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "8", rec.Header().Get("Retry-After"))
	assert.Nil(t, env.queue.last())
}

func TestWebhookRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.setWebhookToken(t, "hook-secret")
	h := env.server.WebhookHandler()

	rec := postWebhook(h, "hook-secret", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postWebhook(h, "hook-secret", `{"model":"res.partner","id":0,"action":"create"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "id must be positive")

	rec = postWebhook(h, "hook-secret", `{"model":"","id":42,"action":"create"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postWebhook(h, "hook-secret", `{"model":"res.partner","id":42,"action":"merge"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown actions are rejected")

	assert.Nil(t, env.queue.last())
}

func TestWebhookUnclaimedModelAcknowledged(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.setWebhookToken(t, "hook-secret")

	rec := postWebhook(env.server.WebhookHandler(), "hook-secret",
		`{"model":"sale.order","id":42,"action":"create"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code, "unclaimed models are acked so the ERP stops retrying")
	assert.Nil(t, env.queue.last())
}

func TestWebhookDisabledModuleDoesNotClaim(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.setWebhookToken(t, "hook-secret")
	_, err := env.registry.Enable(context.Background(), "t1", "crm", false)
	require.NoError(t, err)

	rec := postWebhook(env.server.WebhookHandler(), "hook-secret",
		`{"model":"res.partner","id":42,"action":"create"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, env.queue.last())
}

func TestWebhookTestHandler(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.setWebhookToken(t, "hook-secret")

	// Reachability needs no token even when one is configured.
	rec := postWebhook(env.server.WebhookTestHandler(), "", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "t1", body["tenant"])

	rec = postWebhook(env.server.WebhookTestHandler(), "wrong", ``)
	assert.Equal(t, http.StatusOK, rec.Code, "stray tokens are ignored")
}
