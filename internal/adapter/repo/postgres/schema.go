package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaVersion is recorded in the settings table after a successful bootstrap.
const SchemaVersion = 1

// schemaStatements create the persisted state of the sync core. All
// statements are idempotent so EnsureSchema can run on every boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_queue (
		id            UUID PRIMARY KEY,
		tenant        TEXT NOT NULL,
		module        TEXT NOT NULL,
		entity_type   TEXT NOT NULL,
		direction     TEXT NOT NULL,
		action        TEXT NOT NULL,
		local_id      BIGINT,
		remote_id     BIGINT,
		payload       JSONB NOT NULL DEFAULT '{}',
		priority      INT NOT NULL DEFAULT 5,
		status        TEXT NOT NULL DEFAULT 'pending',
		attempts      INT NOT NULL DEFAULT 0,
		max_attempts  INT NOT NULL DEFAULT 3,
		error_message TEXT,
		scheduled_at  TIMESTAMPTZ NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		processed_at  TIMESTAMPTZ
	)`,
	// Polling path: status + ordering columns.
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_poll
		ON sync_queue (status, priority, scheduled_at)`,
	// Dedup invariant: at most one pending job per key. NULL ids collapse to
	// -1 so both-null and one-null keys still deduplicate deterministically.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_dedup
		ON sync_queue (tenant, module, entity_type,
			COALESCE(local_id, -1), COALESCE(remote_id, -1), direction)
		WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS entity_map (
		tenant         TEXT NOT NULL,
		module         TEXT NOT NULL,
		entity_type    TEXT NOT NULL,
		local_id       BIGINT NOT NULL,
		remote_id      BIGINT NOT NULL,
		remote_model   TEXT NOT NULL,
		sync_hash      TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant, module, entity_type, local_id, remote_id)
	)`,
	// Bidirectional uniqueness: each local entity and each remote record
	// carries at most one mapping, so lookups in either direction are
	// unambiguous.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_entity_map_local
		ON entity_map (tenant, entity_type, local_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_entity_map_remote
		ON entity_map (tenant, remote_model, remote_id)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id         BIGSERIAL PRIMARY KEY,
		tenant     TEXT NOT NULL,
		level      TEXT NOT NULL,
		channel    TEXT NOT NULL,
		message    TEXT NOT NULL,
		context    JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_level_created ON logs (level, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_channel ON logs (channel)`,
	`CREATE TABLE IF NOT EXISTS settings (
		tenant TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant, key)
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
