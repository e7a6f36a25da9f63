package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// LogRepo appends and prunes rows in the append-only logs table.
type LogRepo struct{ Pool PgxPool }

// NewLogRepo constructs a LogRepo with the given pool.
func NewLogRepo(p PgxPool) *LogRepo { return &LogRepo{Pool: p} }

// Append stores one log entry. Context bags are stored as JSONB.
func (r *LogRepo) Append(ctx domain.Context, e domain.LogEntry) error {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.Append")
	defer span.End()

	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	bag := e.Context
	if bag == nil {
		bag = map[string]any{}
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO logs (tenant, level, channel, message, context, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.Tenant, e.Level, e.Channel, e.Message, bag, ts)
	if err != nil {
		return fmt.Errorf("op=logs.append: %w", err)
	}
	return nil
}

// Prune deletes entries older than the retention window.
func (r *LogRepo) Prune(ctx domain.Context, retentionDays int) (int, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.Prune")
	defer span.End()

	if retentionDays < 1 {
		return 0, fmt.Errorf("op=logs.prune: %w: retention days must be >= 1", domain.ErrInvalidArgument)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	tag, err := r.Pool.Exec(ctx, `DELETE FROM logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=logs.prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
