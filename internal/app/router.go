package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/httpserver"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Webhook ingress, rate limited per caller IP.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.WebhookRateLimitPerMin, 1*time.Minute))
		wr.Post("/webhook", srv.WebhookHandler())
		wr.Get("/webhook/test", srv.WebhookTestHandler())
	})

	// Admin surface, token guarded; absent token disables the routes.
	if cfg.AdminEnabled() {
		r.Group(func(ar chi.Router) {
			ar.Use(srv.AdminAPIGuard())
			ar.Get("/v1/queue/stats", srv.QueueStatsHandler())
			ar.Post("/v1/queue/retry-failed", srv.RetryFailedHandler())
			ar.Get("/v1/queue/{id}", srv.JobHandler())
			ar.Post("/v1/queue/{id}/cancel", srv.CancelJobHandler())
			ar.Get("/v1/modules", srv.ModulesHandler())
			ar.Post("/v1/modules/{id}/enable", srv.ModuleEnableHandler())
			ar.Put("/v1/connection", srv.ConnectionHandler())
			ar.Post("/v1/connection/test", srv.ConnectionTestHandler())
		})
	}

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
