package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// EntityMapRepo is the durable side of the bidirectional local<->remote
// index. The request-scoped cache in service/entitymap sits in front of it.
type EntityMapRepo struct{ Pool PgxPool }

// NewEntityMapRepo constructs an EntityMapRepo with the given pool.
func NewEntityMapRepo(p PgxPool) *EntityMapRepo { return &EntityMapRepo{Pool: p} }

// GetRemote resolves the remote id for a local entity.
func (r *EntityMapRepo) GetRemote(ctx domain.Context, tenant, module, entityType string, localID int64) (int64, bool, error) {
	tracer := otel.Tracer("repo.entitymap")
	ctx, span := tracer.Start(ctx, "entitymap.GetRemote")
	defer span.End()

	var remoteID int64
	err := r.Pool.QueryRow(ctx,
		`SELECT remote_id FROM entity_map
		 WHERE tenant = $1 AND module = $2 AND entity_type = $3 AND local_id = $4`,
		tenant, module, entityType, localID).Scan(&remoteID)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("op=entitymap.get_remote: %w", err)
	}
	return remoteID, true, nil
}

// GetLocal resolves the local id for a remote record by ERP model name.
func (r *EntityMapRepo) GetLocal(ctx domain.Context, tenant, remoteModel string, remoteID int64) (int64, bool, error) {
	tracer := otel.Tracer("repo.entitymap")
	ctx, span := tracer.Start(ctx, "entitymap.GetLocal")
	defer span.End()

	var localID int64
	err := r.Pool.QueryRow(ctx,
		`SELECT local_id FROM entity_map
		 WHERE tenant = $1 AND remote_model = $2 AND remote_id = $3`,
		tenant, remoteModel, remoteID).Scan(&localID)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("op=entitymap.get_local: %w", err)
	}
	return localID, true, nil
}

// GetMapping returns the full row for a local entity, including its hash.
func (r *EntityMapRepo) GetMapping(ctx domain.Context, tenant, module, entityType string, localID int64) (domain.EntityMapping, bool, error) {
	tracer := otel.Tracer("repo.entitymap")
	ctx, span := tracer.Start(ctx, "entitymap.GetMapping")
	defer span.End()

	m := domain.EntityMapping{Tenant: tenant, Module: module, EntityType: entityType, LocalID: localID}
	err := r.Pool.QueryRow(ctx,
		`SELECT remote_id, remote_model, sync_hash, last_synced_at FROM entity_map
		 WHERE tenant = $1 AND module = $2 AND entity_type = $3 AND local_id = $4`,
		tenant, module, entityType, localID).Scan(&m.RemoteID, &m.RemoteModel, &m.SyncHash, &m.LastSyncedAt)
	if err == pgx.ErrNoRows {
		return domain.EntityMapping{}, false, nil
	}
	if err != nil {
		return domain.EntityMapping{}, false, fmt.Errorf("op=entitymap.get_mapping: %w", err)
	}
	return m, true, nil
}

// GetRemoteBatch resolves many local ids in one query.
func (r *EntityMapRepo) GetRemoteBatch(ctx domain.Context, tenant, module, entityType string, localIDs []int64) (map[int64]int64, error) {
	tracer := otel.Tracer("repo.entitymap")
	ctx, span := tracer.Start(ctx, "entitymap.GetRemoteBatch")
	defer span.End()

	out := make(map[int64]int64, len(localIDs))
	if len(localIDs) == 0 {
		return out, nil
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT local_id, remote_id FROM entity_map
		 WHERE tenant = $1 AND module = $2 AND entity_type = $3 AND local_id = ANY($4)`,
		tenant, module, entityType, localIDs)
	if err != nil {
		return nil, fmt.Errorf("op=entitymap.get_remote_batch: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var localID, remoteID int64
		if err := rows.Scan(&localID, &remoteID); err != nil {
			return nil, fmt.Errorf("op=entitymap.get_remote_batch: %w", err)
		}
		out[localID] = remoteID
	}
	return out, rows.Err()
}

// GetLocalBatch resolves many remote ids in one query.
func (r *EntityMapRepo) GetLocalBatch(ctx domain.Context, tenant, remoteModel string, remoteIDs []int64) (map[int64]int64, error) {
	tracer := otel.Tracer("repo.entitymap")
	ctx, span := tracer.Start(ctx, "entitymap.GetLocalBatch")
	defer span.End()

	out := make(map[int64]int64, len(remoteIDs))
	if len(remoteIDs) == 0 {
		return out, nil
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT remote_id, local_id FROM entity_map
		 WHERE tenant = $1 AND remote_model = $2 AND remote_id = ANY($3)`,
		tenant, remoteModel, remoteIDs)
	if err != nil {
		return nil, fmt.Errorf("op=entitymap.get_local_batch: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var remoteID, localID int64
		if err := rows.Scan(&remoteID, &localID); err != nil {
			return nil, fmt.Errorf("op=entitymap.get_local_batch: %w", err)
		}
		out[remoteID] = localID
	}
	return out, rows.Err()
}

// Save upserts a mapping keyed by the composite tuple and refreshes
// last_synced_at.
func (r *EntityMapRepo) Save(ctx domain.Context, m domain.EntityMapping) error {
	tracer := otel.Tracer("repo.entitymap")
	ctx, span := tracer.Start(ctx, "entitymap.Save")
	defer span.End()

	ts := m.LastSyncedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO entity_map (tenant, module, entity_type, local_id, remote_id, remote_model, sync_hash, last_synced_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (tenant, module, entity_type, local_id, remote_id)
		 DO UPDATE SET remote_model = EXCLUDED.remote_model, sync_hash = EXCLUDED.sync_hash, last_synced_at = EXCLUDED.last_synced_at`,
		m.Tenant, m.Module, m.EntityType, m.LocalID, m.RemoteID, m.RemoteModel, m.SyncHash, ts)
	if err != nil {
		return fmt.Errorf("op=entitymap.save: %w", err)
	}
	return nil
}

// Remove deletes the mapping for a local entity.
func (r *EntityMapRepo) Remove(ctx domain.Context, tenant, module, entityType string, localID int64) error {
	tracer := otel.Tracer("repo.entitymap")
	ctx, span := tracer.Start(ctx, "entitymap.Remove")
	defer span.End()

	_, err := r.Pool.Exec(ctx,
		`DELETE FROM entity_map WHERE tenant = $1 AND module = $2 AND entity_type = $3 AND local_id = $4`,
		tenant, module, entityType, localID)
	if err != nil {
		return fmt.Errorf("op=entitymap.remove: %w", err)
	}
	return nil
}

// ListForModule returns every mapping of one entity type with its hash.
func (r *EntityMapRepo) ListForModule(ctx domain.Context, tenant, module, entityType string) (map[int64]domain.MappedPair, error) {
	tracer := otel.Tracer("repo.entitymap")
	ctx, span := tracer.Start(ctx, "entitymap.ListForModule")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT local_id, remote_id, sync_hash FROM entity_map
		 WHERE tenant = $1 AND module = $2 AND entity_type = $3`,
		tenant, module, entityType)
	if err != nil {
		return nil, fmt.Errorf("op=entitymap.list: %w", err)
	}
	defer rows.Close()
	out := map[int64]domain.MappedPair{}
	for rows.Next() {
		var localID int64
		var p domain.MappedPair
		if err := rows.Scan(&localID, &p.RemoteID, &p.SyncHash); err != nil {
			return nil, fmt.Errorf("op=entitymap.list: %w", err)
		}
		out[localID] = p
	}
	return out, rows.Err()
}
