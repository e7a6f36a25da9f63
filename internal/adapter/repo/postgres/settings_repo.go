package postgres

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// Well-known settings keys. Everything the admin surface persists for the
// core goes through this table, scoped by tenant.
const (
	KeyConnectionURL      = "connection.url"
	KeyConnectionDatabase = "connection.database"
	KeyConnectionUsername = "connection.username"
	KeyConnectionAPIKey   = "connection.api_key" // encrypted at rest
	KeyConnectionProtocol = "connection.protocol"
	KeyConnectionTimeout  = "connection.timeout_seconds"
	KeySyncDirection      = "sync.direction"
	KeySyncConflictRule   = "sync.conflict_rule"
	KeySyncBatchSize      = "sync.batch_size"
	KeySyncInterval       = "sync.interval"
	KeySyncAutoEnabled    = "sync.auto_enabled"
	KeyLogEnabled         = "log.enabled"
	KeyLogMinLevel        = "log.min_level"
	KeyLogRetentionDays   = "log.retention_days"
	KeyWebhookToken       = "webhook.token"
	KeySchemaVersion      = "schema.version"
)

// ModuleEnabledKey returns the per-module enabled flag key.
func ModuleEnabledKey(moduleID string) string { return "module." + moduleID + ".enabled" }

// ModuleSettingKey returns a key inside a module's settings bag.
func ModuleSettingKey(moduleID, name string) string { return "module." + moduleID + "." + name }

// SettingsRepo implements domain.SettingsStore over the settings table.
type SettingsRepo struct{ Pool PgxPool }

// NewSettingsRepo constructs a SettingsRepo with the given pool.
func NewSettingsRepo(p PgxPool) *SettingsRepo { return &SettingsRepo{Pool: p} }

// GetString loads a value; the second return reports presence.
func (r *SettingsRepo) GetString(ctx domain.Context, tenant, key string) (string, bool, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Get")
	defer span.End()

	var v string
	err := r.Pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE tenant = $1 AND key = $2`, tenant, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=settings.get: %w", err)
	}
	return v, true, nil
}

// SetString upserts a value.
func (r *SettingsRepo) SetString(ctx domain.Context, tenant, key, value string) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Set")
	defer span.End()

	_, err := r.Pool.Exec(ctx,
		`INSERT INTO settings (tenant, key, value, updated_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (tenant, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		tenant, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=settings.set: %w", err)
	}
	return nil
}

// GetInt loads an integer value.
func (r *SettingsRepo) GetInt(ctx domain.Context, tenant, key string) (int, bool, error) {
	s, ok, err := r.GetString(ctx, tenant, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("op=settings.get_int: %w: %q", domain.ErrInvalidArgument, s)
	}
	return n, true, nil
}

// SetInt stores an integer value.
func (r *SettingsRepo) SetInt(ctx domain.Context, tenant, key string, value int) error {
	return r.SetString(ctx, tenant, key, strconv.Itoa(value))
}

// GetBool loads a boolean value.
func (r *SettingsRepo) GetBool(ctx domain.Context, tenant, key string) (bool, bool, error) {
	s, ok, err := r.GetString(ctx, tenant, key)
	if err != nil || !ok {
		return false, ok, err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, false, fmt.Errorf("op=settings.get_bool: %w: %q", domain.ErrInvalidArgument, s)
	}
	return b, true, nil
}

// SetBool stores a boolean value.
func (r *SettingsRepo) SetBool(ctx domain.Context, tenant, key string, value bool) error {
	return r.SetString(ctx, tenant, key, strconv.FormatBool(value))
}

// Delete removes a key; absent keys are not an error.
func (r *SettingsRepo) Delete(ctx domain.Context, tenant, key string) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Delete")
	defer span.End()

	_, err := r.Pool.Exec(ctx, `DELETE FROM settings WHERE tenant = $1 AND key = $2`, tenant, key)
	if err != nil {
		return fmt.Errorf("op=settings.delete: %w", err)
	}
	return nil
}
