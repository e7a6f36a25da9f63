package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/rpc"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/secrets"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/config"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/modules/crm"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/credentials"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/entitymap"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/ratelimiter"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/registry"
)

// Components is the wired dependency graph shared by the server and worker
// binaries.
type Components struct {
	Pool     *pgxpool.Pool
	Queue    *postgres.QueueRepo
	Entities *entitymap.Map
	Logs     *postgres.LogRepo
	Settings *postgres.SettingsRepo
	Creds    *credentials.Store
	Clients  rpc.Factory
	Registry *registry.Registry
	// Redis, Limiter and Notifier are nil when not configured.
	Redis    *redis.Client
	Limiter  *ratelimiter.RedisLuaLimiter
	Notifier *redpanda.Notifier
}

// Bootstrap connects the backing services and wires the repositories,
// credential store, RPC client factory and module registry.
func Bootstrap(ctx context.Context, cfg config.Config) (*Components, error) {
	pool, err := connectDB(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("op=app.bootstrap: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("op=app.bootstrap: %w", err)
	}

	queueRepo := postgres.NewQueueRepo(pool)
	entityRepo := postgres.NewEntityMapRepo(pool)
	logRepo := postgres.NewLogRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool)
	entities := entitymap.New(entityRepo)

	key, err := secrets.DeriveKey(cfg.EncryptionKeyMaterial, cfg.EncryptionSaltA, cfg.EncryptionSaltB)
	if err != nil {
		return nil, fmt.Errorf("op=app.bootstrap: %w", err)
	}
	creds := credentials.NewStore(settingsRepo, secrets.NewBox(key))
	clients := newClientFactory(creds)

	reg := registry.New(settingsRepo)
	crmModule := crm.New(cfg.Tenant, clients, entities, settingsRepo, defaultApplier(logRepo, cfg.Tenant))
	if err := reg.Register(crmModule); err != nil {
		return nil, fmt.Errorf("op=app.bootstrap: %w", err)
	}
	if err := applyManifest(ctx, cfg, reg, settingsRepo); err != nil {
		return nil, fmt.Errorf("op=app.bootstrap: %w", err)
	}

	c := &Components{
		Pool:     pool,
		Queue:    queueRepo,
		Entities: entities,
		Logs:     logRepo,
		Settings: settingsRepo,
		Creds:    creds,
		Clients:  clients,
		Registry: reg,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.bootstrap: redis url: %w", err)
		}
		c.Redis = redis.NewClient(opts)
		c.Limiter = ratelimiter.NewRedisLuaLimiter(c.Redis, map[string]ratelimiter.BucketConfig{
			"webhook": ratelimiter.NewBucketConfigFromPerMinute(cfg.WebhookRateLimitPerMin),
		})
	}

	if len(cfg.KafkaBrokers) > 0 {
		n, err := redpanda.NewNotifier(cfg.KafkaBrokers, cfg.SyncEventsTopic)
		if err != nil {
			// Event delivery is best-effort; a broker outage must not stop
			// the sync core.
			slog.Error("sync event notifier connect failed", slog.Any("error", err))
		} else {
			c.Notifier = n
		}
	}
	return c, nil
}

// Close releases the long-lived clients.
func (c *Components) Close() {
	if c.Notifier != nil {
		c.Notifier.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// connectDB retries the initial connection with exponential backoff so the
// binaries survive a database that is still starting.
func connectDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	op := func() error {
		p, err := postgres.NewPool(ctx, dsn)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		slog.Warn("db connect failed, retrying", slog.Any("error", err), slog.Duration("next", next))
	}); err != nil {
		return nil, err
	}
	return pool, nil
}

// newClientFactory caches one RPC client per tenant so sessions are reused
// across jobs.
func newClientFactory(creds *credentials.Store) rpc.Factory {
	var mu sync.Mutex
	cache := map[string]*rpc.Client{}
	return func(tenant string) *rpc.Client {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := cache[tenant]; ok {
			return c
		}
		c := rpc.NewClient(creds.Provider(tenant))
		cache[tenant] = c
		return c
	}
}

// applyManifest projects the optional YAML manifest into the settings store.
func applyManifest(ctx context.Context, cfg config.Config, reg *registry.Registry, settings *postgres.SettingsRepo) error {
	manifest, err := config.LoadModuleManifest(cfg.ModulesManifest)
	if err != nil {
		return err
	}
	for id, entry := range manifest.Modules {
		if _, err := reg.Enable(ctx, cfg.Tenant, id, entry.Enabled); err != nil {
			slog.Warn("manifest names unknown module", slog.String("module", id), slog.Any("error", err))
			continue
		}
		for name, v := range entry.Settings {
			if err := settings.SetString(ctx, cfg.Tenant, postgres.ModuleSettingKey(id, name), fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// defaultApplier lands pulled records in the log store with an identity
// local id. Deployments embedding the bridge swap in their own applier.
func defaultApplier(logs *postgres.LogRepo, tenant string) crm.Applier {
	return func(ctx context.Context, entityType string, remoteID int64, record map[string]any, action domain.Action, rule domain.ConflictRule) (int64, error) {
		entry := domain.LogEntry{
			Tenant:  tenant,
			Level:   domain.LevelInfo,
			Channel: "crm.pull",
			Message: fmt.Sprintf("%s %s %d", action, entityType, remoteID),
			Context: map[string]any{
				"entity_type":   entityType,
				"remote_id":     remoteID,
				"action":        string(action),
				"conflict_rule": string(rule),
				"record":        record,
			},
		}
		if err := logs.Append(ctx, entry); err != nil {
			return 0, err
		}
		return remoteID, nil
	}
}
