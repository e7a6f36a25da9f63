package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/rpc"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/entitymap"
)

// --- fakes ---

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

func (s *memSettings) GetInt(context.Context, string, string) (int, bool, error) { return 0, false, nil }
func (s *memSettings) SetInt(context.Context, string, string, int) error         { return nil }
func (s *memSettings) GetBool(context.Context, string, string) (bool, bool, error) {
	return false, false, nil
}
func (s *memSettings) SetBool(context.Context, string, string, bool) error { return nil }
func (s *memSettings) Delete(context.Context, string, string) error        { return nil }

type memEntityRepo struct {
	mu   sync.Mutex
	rows map[string]domain.EntityMapping
}

func newMemEntityRepo() *memEntityRepo { return &memEntityRepo{rows: map[string]domain.EntityMapping{}} }

func (r *memEntityRepo) key(tenant, module, entityType string, localID int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", tenant, module, entityType, localID)
}

func (r *memEntityRepo) GetRemote(_ context.Context, tenant, module, entityType string, localID int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[r.key(tenant, module, entityType, localID)]
	return row.RemoteID, ok, nil
}

func (r *memEntityRepo) GetLocal(_ context.Context, tenant, remoteModel string, remoteID int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Tenant == tenant && row.RemoteModel == remoteModel && row.RemoteID == remoteID {
			return row.LocalID, true, nil
		}
	}
	return 0, false, nil
}

func (r *memEntityRepo) GetMapping(_ context.Context, tenant, module, entityType string, localID int64) (domain.EntityMapping, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[r.key(tenant, module, entityType, localID)]
	return row, ok, nil
}

func (r *memEntityRepo) GetRemoteBatch(context.Context, string, string, string, []int64) (map[int64]int64, error) {
	return map[int64]int64{}, nil
}

func (r *memEntityRepo) GetLocalBatch(context.Context, string, string, []int64) (map[int64]int64, error) {
	return map[int64]int64{}, nil
}

func (r *memEntityRepo) Save(_ context.Context, m domain.EntityMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[r.key(m.Tenant, m.Module, m.EntityType, m.LocalID)] = m
	return nil
}

func (r *memEntityRepo) Remove(_ context.Context, tenant, module, entityType string, localID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, r.key(tenant, module, entityType, localID))
	return nil
}

func (r *memEntityRepo) ListForModule(context.Context, string, string, string) (map[int64]domain.MappedPair, error) {
	return map[int64]domain.MappedPair{}, nil
}

// fakeErp is a minimal JSON-RPC endpoint: authenticate plus an execute_kw
// dispatcher keyed on the ERP method name.
type fakeErp struct {
	srv    *httptest.Server
	mu     sync.Mutex
	calls  map[string]int
	handle func(method string, callArgs []any, kwargs map[string]any) (any, string)
}

func newFakeErp(t *testing.T, handle func(method string, callArgs []any, kwargs map[string]any) (any, string)) *fakeErp {
	t.Helper()
	f := &fakeErp{calls: map[string]int{}, handle: handle}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64 `json:"id"`
			Params struct {
				Service string `json:"service"`
				Method  string `json:"method"`
				Args    []any  `json:"args"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		reply := func(result any, fault string) {
			w.Header().Set("Content-Type", "application/json")
			if fault != "" {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"jsonrpc": "2.0", "id": req.ID,
					"error": map[string]any{
						"code": 200, "message": "Odoo Server Error",
						"data": map[string]any{"message": fault},
					},
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
		}

		if req.Params.Service == "common" && req.Params.Method == "authenticate" {
			f.count("authenticate")
			reply(7, "")
			return
		}
		require.Equal(t, "object", req.Params.Service)
		require.Len(t, req.Params.Args, 7)
		method, _ := req.Params.Args[4].(string)
		callArgs, _ := req.Params.Args[5].([]any)
		kwargs, _ := req.Params.Args[6].(map[string]any)
		f.count(method)
		reply(f.handle(method, callArgs, kwargs))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeErp) count(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeErp) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

type crmHarness struct {
	erp      *fakeErp
	repo     *memEntityRepo
	settings *memSettings
	module   *Module

	applyMu   sync.Mutex
	applied   []appliedCall
	applyFn   func(entityType string, remoteID int64, record map[string]any, action domain.Action, rule domain.ConflictRule) (int64, error)
	withApply bool
}

type appliedCall struct {
	entityType string
	remoteID   int64
	record     map[string]any
	action     domain.Action
	rule       domain.ConflictRule
}

func newCrmHarness(t *testing.T, withApply bool, handle func(method string, callArgs []any, kwargs map[string]any) (any, string)) *crmHarness {
	t.Helper()
	h := &crmHarness{
		erp:       newFakeErp(t, handle),
		repo:      newMemEntityRepo(),
		settings:  newMemSettings(),
		withApply: withApply,
	}
	client := rpc.NewClient(func(context.Context) (domain.Credential, error) {
		return domain.Credential{
			URL: h.erp.srv.URL, Database: "db", Username: "admin", APIKey: "key",
			Protocol: domain.ProtocolJSONRPC, TimeoutSeconds: 5,
		}, nil
	})
	factory := func(string) *rpc.Client { return client }

	var apply Applier
	if withApply {
		apply = func(_ context.Context, entityType string, remoteID int64, record map[string]any, action domain.Action, rule domain.ConflictRule) (int64, error) {
			h.applyMu.Lock()
			defer h.applyMu.Unlock()
			h.applied = append(h.applied, appliedCall{entityType, remoteID, record, action, rule})
			if h.applyFn != nil {
				return h.applyFn(entityType, remoteID, record, action, rule)
			}
			return remoteID, nil
		}
	}
	h.module = New("t1", factory, entitymap.New(h.repo), h.settings, apply)
	return h
}

func (h *crmHarness) seedMapping(t *testing.T, entityType string, localID, remoteID int64, hash string) {
	t.Helper()
	model := map[string]string{"contact": "res.partner", "lead": "crm.lead"}[entityType]
	require.NoError(t, h.repo.Save(context.Background(), domain.EntityMapping{
		Tenant: "t1", Module: ModuleID, EntityType: entityType,
		LocalID: localID, RemoteID: remoteID, RemoteModel: model, SyncHash: hash,
	}))
}

func pushJob(action domain.Action, localID int64, payload map[string]any) domain.SyncJob {
	return domain.SyncJob{
		ID: "j1", Tenant: "t1", Module: ModuleID, EntityType: "contact",
		Direction: domain.DirectionPush, Action: action,
		LocalID: &localID, Payload: payload, MaxAttempts: 3,
	}
}

// --- push tests ---

func TestPushCreate(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, func(method string, callArgs []any, _ map[string]any) (any, string) {
		if method == "create" {
			values, _ := callArgs[0].(map[string]any)
			if values["name"] != "Alice" {
				return nil, "unexpected payload"
			}
			return 501, ""
		}
		return nil, "unexpected method " + method
	})

	payload := map[string]any{"name": "Alice", "email": "alice@example.com"}
	res := h.module.Push(context.Background(), pushJob(domain.ActionCreate, 7, payload))

	require.True(t, res.OK, res.Message)
	require.NotNil(t, res.RemoteID)
	assert.Equal(t, int64(501), *res.RemoteID)
	assert.Equal(t, domain.SyncHash(payload), res.SyncHash)
	assert.Equal(t, 1, h.erp.callCount("create"))
}

func TestPushCreateWithExistingMappingFoldsToUpdate(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, func(method string, callArgs []any, _ map[string]any) (any, string) {
		if method == "write" {
			ids, _ := callArgs[0].([]any)
			if len(ids) != 1 || ids[0] != float64(501) {
				return nil, "unexpected ids"
			}
			return true, ""
		}
		return nil, "unexpected method " + method
	})
	h.seedMapping(t, "contact", 7, 501, "stale-hash")

	res := h.module.Push(context.Background(), pushJob(domain.ActionCreate, 7, map[string]any{"name": "Alice"}))

	require.True(t, res.OK, res.Message)
	assert.Equal(t, int64(501), *res.RemoteID)
	assert.Equal(t, 0, h.erp.callCount("create"), "retried creates never duplicate the remote record")
	assert.Equal(t, 1, h.erp.callCount("write"))
}

func TestPushUpdateSkipsUnchangedPayload(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, func(method string, _ []any, _ map[string]any) (any, string) {
		return nil, "no rpc expected"
	})
	payload := map[string]any{"name": "Alice"}
	h.seedMapping(t, "contact", 7, 501, domain.SyncHash(payload))

	res := h.module.Push(context.Background(), pushJob(domain.ActionUpdate, 7, payload))

	require.True(t, res.OK, res.Message)
	assert.Equal(t, int64(501), *res.RemoteID)
	assert.Equal(t, 0, h.erp.callCount("write"), "unchanged payloads never hit the wire")
}

func TestPushUpdateWritesChangedPayload(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, func(method string, _ []any, _ map[string]any) (any, string) {
		if method == "write" {
			return true, ""
		}
		return nil, "unexpected method " + method
	})
	h.seedMapping(t, "contact", 7, 501, domain.SyncHash(map[string]any{"name": "Alice"}))

	payload := map[string]any{"name": "Alice Cooper"}
	res := h.module.Push(context.Background(), pushJob(domain.ActionUpdate, 7, payload))

	require.True(t, res.OK, res.Message)
	assert.Equal(t, domain.SyncHash(payload), res.SyncHash)
	assert.Equal(t, 1, h.erp.callCount("write"))
}

func TestPushUpdateWithoutMappingFails(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, nil)

	res := h.module.Push(context.Background(), pushJob(domain.ActionUpdate, 7, map[string]any{"name": "x"}))
	require.False(t, res.OK)
	assert.False(t, res.Retryable, "a missing mapping does not heal with retries")
}

func TestPushDelete(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, func(method string, callArgs []any, _ map[string]any) (any, string) {
		if method == "unlink" {
			ids, _ := callArgs[0].([]any)
			if len(ids) != 1 || ids[0] != float64(501) {
				return nil, "unexpected ids"
			}
			return true, ""
		}
		return nil, "unexpected method " + method
	})
	h.seedMapping(t, "contact", 7, 501, "h")

	res := h.module.Push(context.Background(), pushJob(domain.ActionDelete, 7, nil))
	require.True(t, res.OK, res.Message)
	assert.Equal(t, 1, h.erp.callCount("unlink"))
}

func TestPushDeleteWithoutMappingIsDone(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, nil)

	res := h.module.Push(context.Background(), pushJob(domain.ActionDelete, 7, nil))
	require.True(t, res.OK, "nothing to delete remotely counts as success")
	assert.Equal(t, 0, h.erp.callCount("unlink"))
}

func TestPushUnknownEntityType(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, nil)
	job := pushJob(domain.ActionCreate, 7, map[string]any{"name": "x"})
	job.EntityType = "invoice"

	res := h.module.Push(context.Background(), job)
	require.False(t, res.OK)
	assert.False(t, res.Retryable)
}

func TestPushCreateClassifiesRPCFailures(t *testing.T) {
	t.Parallel()
	// A protocol fault (validation error on the remote) is permanent.
	h := newCrmHarness(t, false, func(method string, _ []any, _ map[string]any) (any, string) {
		return nil, "ValidationError: email is malformed"
	})
	res := h.module.Push(context.Background(), pushJob(domain.ActionCreate, 7, map[string]any{"name": "x"}))
	require.False(t, res.OK)
	assert.False(t, res.Retryable)
	assert.Contains(t, res.Message, "ValidationError")
}

func TestPushCreateServerErrorIsRetryable(t *testing.T) {
	t.Parallel()
	authed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authed {
			// First call is the authenticate; let it through.
			authed = true
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":7}`))
			return
		}
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := rpc.NewClient(func(context.Context) (domain.Credential, error) {
		return domain.Credential{
			URL: srv.URL, Database: "db", Username: "admin", APIKey: "key",
			Protocol: domain.ProtocolJSONRPC, TimeoutSeconds: 5,
		}, nil
	})
	mod := New("t1", func(string) *rpc.Client { return client }, entitymap.New(newMemEntityRepo()), newMemSettings(), nil)

	res := mod.Push(context.Background(), pushJob(domain.ActionCreate, 7, map[string]any{"name": "x"}))
	require.False(t, res.OK)
	assert.True(t, res.Retryable, "5xx failures are worth retrying")
}

// --- pull tests ---

func pullJob(action domain.Action, remoteID int64) domain.SyncJob {
	return domain.SyncJob{
		ID: "j1", Tenant: "t1", Module: ModuleID, EntityType: "contact",
		Direction: domain.DirectionPull, Action: action,
		RemoteID: &remoteID, MaxAttempts: 3,
	}
}

func TestPullAppliesAndSavesMapping(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, true, func(method string, callArgs []any, kwargs map[string]any) (any, string) {
		if method != "read" {
			return nil, "unexpected method " + method
		}
		fields, _ := kwargs["fields"].([]any)
		if len(fields) == 0 {
			return nil, "pull must request explicit fields"
		}
		return []any{map[string]any{"id": 42, "name": "Alice", "email": "alice@example.com"}}, ""
	})
	h.applyFn = func(string, int64, map[string]any, domain.Action, domain.ConflictRule) (int64, error) {
		return 9, nil
	}

	res := h.module.Pull(context.Background(), pullJob(domain.ActionUpdate, 42))

	require.True(t, res.OK, res.Message)
	require.Len(t, h.applied, 1)
	assert.Equal(t, "contact", h.applied[0].entityType)
	assert.Equal(t, int64(42), h.applied[0].remoteID)
	assert.Equal(t, "Alice", h.applied[0].record["name"])
	assert.Equal(t, domain.ConflictNewestWins, h.applied[0].rule, "conflict rule defaults")

	row, ok, err := h.repo.GetMapping(context.Background(), "t1", ModuleID, "contact", 9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), row.RemoteID)
	assert.Equal(t, "res.partner", row.RemoteModel)
	assert.NotEmpty(t, row.SyncHash)
}

func TestPullGoneRecordBecomesDelete(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, true, func(method string, _ []any, _ map[string]any) (any, string) {
		return []any{}, ""
	})

	res := h.module.Pull(context.Background(), pullJob(domain.ActionUpdate, 42))

	require.True(t, res.OK, res.Message)
	require.Len(t, h.applied, 1)
	assert.Equal(t, domain.ActionDelete, h.applied[0].action, "a vanished remote record is applied as a delete")
	assert.Nil(t, h.applied[0].record)
}

func TestPullDeleteSkipsRead(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, true, nil)

	res := h.module.Pull(context.Background(), pullJob(domain.ActionDelete, 42))
	require.True(t, res.OK, res.Message)
	assert.Equal(t, 0, h.erp.callCount("read"))
}

func TestPullHonorsConflictRuleSetting(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, true, func(method string, _ []any, _ map[string]any) (any, string) {
		return []any{map[string]any{"id": 42, "name": "Alice"}}, ""
	})
	require.NoError(t, h.settings.SetString(context.Background(), "t1",
		postgres.KeySyncConflictRule, string(domain.ConflictRemoteWins)))

	res := h.module.Pull(context.Background(), pullJob(domain.ActionUpdate, 42))
	require.True(t, res.OK, res.Message)
	require.Len(t, h.applied, 1)
	assert.Equal(t, domain.ConflictRemoteWins, h.applied[0].rule)
}

func TestPullWithoutApplierFails(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, nil)

	res := h.module.Pull(context.Background(), pullJob(domain.ActionUpdate, 42))
	require.False(t, res.OK)
	assert.False(t, res.Retryable)
}

func TestPullApplyErrorIsRetryable(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, true, func(method string, _ []any, _ map[string]any) (any, string) {
		return []any{map[string]any{"id": 42, "name": "Alice"}}, ""
	})
	h.applyFn = func(string, int64, map[string]any, domain.Action, domain.ConflictRule) (int64, error) {
		return 0, fmt.Errorf("local db busy")
	}

	res := h.module.Pull(context.Background(), pullJob(domain.ActionUpdate, 42))
	require.False(t, res.OK)
	assert.True(t, res.Retryable)
}

// --- batch tests ---

func TestPushBatchCreates(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, func(method string, callArgs []any, _ map[string]any) (any, string) {
		if method != "create" {
			return nil, "unexpected method " + method
		}
		values, _ := callArgs[0].([]any)
		if len(values) != 2 {
			return nil, "expected a batch of two"
		}
		return []any{601, 602}, ""
	})

	jobs := []domain.SyncJob{
		pushJob(domain.ActionCreate, 1, map[string]any{"name": "A"}),
		pushJob(domain.ActionCreate, 2, map[string]any{"name": "B"}),
	}
	results, handled := h.module.PushBatch(context.Background(), jobs)

	require.True(t, handled)
	require.Len(t, results, 2)
	assert.Equal(t, int64(601), *results[0].RemoteID)
	assert.Equal(t, int64(602), *results[1].RemoteID)
	assert.Equal(t, 1, h.erp.callCount("create"), "the whole group goes in one RPC")
}

func TestPushBatchFallsBackForNonCreates(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, nil)

	_, handled := h.module.PushBatch(context.Background(), []domain.SyncJob{
		pushJob(domain.ActionUpdate, 1, map[string]any{"name": "A"}),
	})
	assert.False(t, handled)

	_, handled = h.module.PushBatch(context.Background(), nil)
	assert.False(t, handled)

	_, handled = h.module.PullBatch(context.Background(), nil)
	assert.False(t, handled)
}

// --- metadata tests ---

func TestDependencyStatus(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, nil)
	ctx := context.Background()

	dep := h.module.DependencyStatus(ctx)
	assert.False(t, dep.Available)
	require.Len(t, dep.Notices, 1)
	assert.Equal(t, domain.SeverityError, dep.Notices[0].Severity)

	for _, key := range []string{
		postgres.KeyConnectionURL, postgres.KeyConnectionDatabase,
		postgres.KeyConnectionUsername, postgres.KeyConnectionAPIKey,
	} {
		require.NoError(t, h.settings.SetString(ctx, "t1", key, "set"))
	}
	dep = h.module.DependencyStatus(ctx)
	assert.True(t, dep.Available)
	assert.Empty(t, dep.Notices)
}

func TestModuleMetadata(t *testing.T) {
	t.Parallel()
	h := newCrmHarness(t, false, nil)
	assert.Equal(t, ModuleID, h.module.ID())
	assert.Equal(t, "crm", h.module.ExclusiveGroup())
	assert.Equal(t, map[string]string{"contact": "res.partner", "lead": "crm.lead"}, h.module.RemoteModels())
}
