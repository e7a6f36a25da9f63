// Package crm is the built-in pass-through sync module for contacts and
// leads. It moves payloads verbatim between the local platform and the ERP
// models res.partner and crm.lead, keeping the entity map and payload hashes
// in step so unchanged records never hit the wire twice.
package crm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/rpc"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/entitymap"
)

// ModuleID is the registry identifier.
const ModuleID = "crm"

// pulledFields are read from the ERP on pull jobs.
var pulledFields = map[string][]string{
	"contact": {"name", "email", "phone", "street", "city", "zip", "country_id", "write_date"},
	"lead":    {"name", "contact_name", "email_from", "phone", "description", "stage_id", "write_date"},
}

// Applier lands a pulled remote record locally and returns the local id it
// created or updated. The conflict rule is resolved by the caller's own
// data; the bridge only hands it through.
type Applier func(ctx context.Context, entityType string, remoteID int64, record map[string]any, action domain.Action, rule domain.ConflictRule) (int64, error)

// Module implements domain.Module (and the batch extension for creates).
type Module struct {
	tenant   string
	clients  rpc.Factory
	entities *entitymap.Map
	settings domain.SettingsStore
	apply    Applier
}

// New wires the module. apply may be nil; pulls then fail non-retryably.
func New(tenant string, clients rpc.Factory, entities *entitymap.Map, settings domain.SettingsStore, apply Applier) *Module {
	return &Module{tenant: tenant, clients: clients, entities: entities, settings: settings, apply: apply}
}

func (m *Module) ID() string { return ModuleID }

func (m *Module) RemoteModels() map[string]string {
	return map[string]string{"contact": "res.partner", "lead": "crm.lead"}
}

// ExclusiveGroup: only one module may own the CRM models at a time.
func (m *Module) ExclusiveGroup() string { return "crm" }

// DependencyStatus reports whether the connection record is present. The
// actual reachability check belongs to the admin connection test.
func (m *Module) DependencyStatus(ctx context.Context) domain.DependencyStatus {
	for _, key := range []string{postgres.KeyConnectionURL, postgres.KeyConnectionDatabase, postgres.KeyConnectionUsername, postgres.KeyConnectionAPIKey} {
		v, ok, err := m.settings.GetString(ctx, m.tenant, key)
		if err != nil || !ok || v == "" {
			return domain.DependencyStatus{Notices: []domain.DependencyNotice{{
				Severity: domain.SeverityError,
				Message:  "ERP connection record is incomplete",
			}}}
		}
	}
	return domain.DependencyStatus{Available: true}
}

// Push sends one local change to the ERP.
func (m *Module) Push(ctx context.Context, job domain.SyncJob) domain.SyncResult {
	model, ok := m.RemoteModels()[job.EntityType]
	if !ok {
		return domain.Fail(false, fmt.Sprintf("unknown entity type %q", job.EntityType))
	}
	client := m.clients(job.Tenant)

	switch job.Action {
	case domain.ActionCreate:
		return m.pushCreate(ctx, client, model, job)
	case domain.ActionUpdate:
		return m.pushUpdate(ctx, client, model, job)
	case domain.ActionDelete:
		return m.pushDelete(ctx, client, model, job)
	default:
		return domain.Fail(false, fmt.Sprintf("unknown action %q", job.Action))
	}
}

func (m *Module) pushCreate(ctx context.Context, client *rpc.Client, model string, job domain.SyncJob) domain.SyncResult {
	if len(job.Payload) == 0 {
		return domain.Fail(false, "create requires a payload")
	}
	// A retried create may already have a mapping from a prior attempt that
	// failed after the remote write; fold it into an update.
	if job.LocalID != nil {
		if remoteID, ok, err := m.entities.GetRemote(ctx, job.Tenant, ModuleID, job.EntityType, *job.LocalID); err == nil && ok {
			job.RemoteID = &remoteID
			return m.pushUpdate(ctx, client, model, job)
		}
	}
	id, err := client.Create(ctx, model, job.Payload, nil)
	if err != nil {
		return failFromRPC(err)
	}
	return domain.Ok(&id, domain.SyncHash(job.Payload))
}

func (m *Module) pushUpdate(ctx context.Context, client *rpc.Client, model string, job domain.SyncJob) domain.SyncResult {
	if len(job.Payload) == 0 {
		return domain.Fail(false, "update requires a payload")
	}
	hash := domain.SyncHash(job.Payload)

	remoteID, mapping, res := m.resolveRemote(ctx, job)
	if !res.OK {
		return res
	}
	// Unchanged payload: refresh the mapping timestamp, skip the write.
	if mapping != nil && mapping.SyncHash == hash {
		return domain.Ok(&remoteID, hash)
	}
	if _, err := client.Write(ctx, model, []int64{remoteID}, job.Payload, nil); err != nil {
		return failFromRPC(err)
	}
	return domain.Ok(&remoteID, hash)
}

func (m *Module) pushDelete(ctx context.Context, client *rpc.Client, model string, job domain.SyncJob) domain.SyncResult {
	remoteID, _, res := m.resolveRemote(ctx, job)
	if !res.OK {
		// No mapping means nothing to delete remotely; treat as done.
		if res.Retryable {
			return res
		}
		return domain.Ok(nil, "")
	}
	if _, err := client.Unlink(ctx, model, []int64{remoteID}); err != nil {
		return failFromRPC(err)
	}
	return domain.Ok(nil, "")
}

// resolveRemote finds the remote id from the job or the entity map. The
// third return carries the failure when resolution is impossible.
func (m *Module) resolveRemote(ctx context.Context, job domain.SyncJob) (int64, *domain.EntityMapping, domain.SyncResult) {
	if job.RemoteID != nil {
		if job.LocalID != nil {
			if row, ok, err := m.entities.GetMapping(ctx, job.Tenant, ModuleID, job.EntityType, *job.LocalID); err == nil && ok {
				return *job.RemoteID, &row, domain.SyncResult{OK: true}
			}
		}
		return *job.RemoteID, nil, domain.SyncResult{OK: true}
	}
	if job.LocalID == nil {
		return 0, nil, domain.Fail(false, "job carries neither local nor remote id")
	}
	row, ok, err := m.entities.GetMapping(ctx, job.Tenant, ModuleID, job.EntityType, *job.LocalID)
	if err != nil {
		return 0, nil, domain.Fail(true, fmt.Sprintf("entity map lookup: %v", err))
	}
	if !ok {
		return 0, nil, domain.Fail(false, fmt.Sprintf("no mapping for local id %d", *job.LocalID))
	}
	return row.RemoteID, &row, domain.SyncResult{OK: true}
}

// Pull fetches the remote record and hands it to the local applier.
func (m *Module) Pull(ctx context.Context, job domain.SyncJob) domain.SyncResult {
	model, ok := m.RemoteModels()[job.EntityType]
	if !ok {
		return domain.Fail(false, fmt.Sprintf("unknown entity type %q", job.EntityType))
	}
	if m.apply == nil {
		return domain.Fail(false, "no local applier configured")
	}
	if job.RemoteID == nil {
		return domain.Fail(false, "pull requires a remote id")
	}

	var record map[string]any
	if job.Action != domain.ActionDelete {
		client := m.clients(job.Tenant)
		recs, err := client.Read(ctx, model, []int64{*job.RemoteID}, pulledFields[job.EntityType], nil)
		if err != nil {
			return failFromRPC(err)
		}
		if len(recs) == 0 {
			// Deleted remotely between notification and pull.
			job.Action = domain.ActionDelete
		} else {
			record = recs[0]
		}
	}

	rule := m.conflictRule(ctx, job.Tenant)
	localID, err := m.apply(ctx, job.EntityType, *job.RemoteID, record, job.Action, rule)
	if err != nil {
		return domain.Fail(true, fmt.Sprintf("local apply: %v", err))
	}
	if job.Action == domain.ActionDelete {
		return domain.Ok(nil, "")
	}
	if err := m.entities.Save(ctx, domain.EntityMapping{
		Tenant:      job.Tenant,
		Module:      ModuleID,
		EntityType:  job.EntityType,
		LocalID:     localID,
		RemoteID:    *job.RemoteID,
		RemoteModel: model,
		SyncHash:    domain.SyncHash(record),
	}); err != nil {
		return domain.Fail(true, fmt.Sprintf("entity map save: %v", err))
	}
	return domain.Ok(job.RemoteID, domain.SyncHash(record))
}

// PushBatch creates whole groups in one RPC; everything else falls back to
// per-job dispatch.
func (m *Module) PushBatch(ctx context.Context, jobs []domain.SyncJob) ([]domain.SyncResult, bool) {
	if len(jobs) == 0 {
		return nil, false
	}
	first := jobs[0]
	if first.Action != domain.ActionCreate {
		return nil, false
	}
	model, ok := m.RemoteModels()[first.EntityType]
	if !ok {
		return nil, false
	}
	values := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		if len(j.Payload) == 0 {
			return nil, false
		}
		values[i] = j.Payload
	}
	ids, err := m.clients(first.Tenant).CreateBatch(ctx, model, values)
	if err != nil || len(ids) != len(jobs) {
		// Per-job fallback isolates the failing record.
		return nil, false
	}
	out := make([]domain.SyncResult, len(jobs))
	for i := range jobs {
		id := ids[i]
		out[i] = domain.Ok(&id, domain.SyncHash(jobs[i].Payload))
	}
	return out, true
}

// PullBatch is not batch-optimised; the engine falls back to per-job pulls.
func (m *Module) PullBatch(_ context.Context, _ []domain.SyncJob) ([]domain.SyncResult, bool) {
	return nil, false
}

func (m *Module) conflictRule(ctx context.Context, tenant string) domain.ConflictRule {
	v, ok, err := m.settings.GetString(ctx, tenant, postgres.KeySyncConflictRule)
	if err != nil || !ok {
		return domain.ConflictNewestWins
	}
	switch domain.ConflictRule(v) {
	case domain.ConflictRemoteWins, domain.ConflictLocalWins, domain.ConflictNewestWins:
		return domain.ConflictRule(v)
	default:
		return domain.ConflictNewestWins
	}
}

// failFromRPC folds the transport error taxonomy into a sync result.
func failFromRPC(err error) domain.SyncResult {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return domain.Fail(rpcErr.Retryable(), rpcErr.Error())
	}
	return domain.Fail(true, err.Error())
}
