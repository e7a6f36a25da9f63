package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/rpc"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/config"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/credentials"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/engine"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/service/ratelimiter"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Queue    domain.QueueRepository
	Registry domain.Registry
	Settings domain.SettingsStore
	Creds    *credentials.Store
	Engine   *engine.Engine
	// Limiter is the optional distributed webhook limiter; nil fails open
	// and leaves rate limiting to the per-process middleware.
	Limiter ratelimiter.Limiter
	// Clients builds per-tenant RPC clients for the connection test.
	Clients    rpc.Factory
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler reports readiness of the backing services.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
		Err  string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		var checks []check
		ready := true
		run := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			c := check{Name: name, OK: true}
			if err := fn(ctx); err != nil {
				c.OK = false
				c.Err = err.Error()
				ready = false
			}
			checks = append(checks, c)
		}
		run("postgres", s.DBCheck)
		run("redis", s.RedisCheck)
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
	}
}
