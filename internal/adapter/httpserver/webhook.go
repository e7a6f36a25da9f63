package httpserver

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// webhookRequest is the ERP-side change notification. Action accepts both
// the ERP verbs (create/write/unlink) and the normalized ones.
type webhookRequest struct {
	Model  string `json:"model" validate:"required,max=128"`
	ID     int64  `json:"id" validate:"required,gt=0"`
	Action string `json:"action" validate:"required,oneof=create write unlink update delete"`
}

// normalizeAction maps ERP verbs onto the queue's action set.
func normalizeAction(a string) (domain.Action, bool) {
	switch a {
	case "create":
		return domain.ActionCreate, true
	case "write", "update":
		return domain.ActionUpdate, true
	case "unlink", "delete":
		return domain.ActionDelete, true
	default:
		return "", false
	}
}

// WebhookHandler ingests change notifications: rate limit, constant-time
// token check, payload validation, module resolution, then a pull enqueue.
// Models no enabled module claims are acknowledged with 204 so the ERP does
// not retry them.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter != nil {
			allowed, retryAfter, _ := s.Limiter.Allow(r.Context(), "webhook", clientIP(r))
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				}
				writeError(w, r, fmt.Errorf("%w: webhook", domain.ErrRateLimited), nil)
				return
			}
		}

		expected, err := s.webhookToken(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !tokensEqual(r.Header.Get("X-Auth-Token"), expected) {
			writeError(w, r, fmt.Errorf("%w: webhook token", domain.ErrUnauthorized), nil)
			return
		}

		var req webhookRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		action, ok := normalizeAction(req.Action)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: action %q", domain.ErrInvalidArgument, req.Action), nil)
			return
		}

		mod, entityType, claimed := s.Registry.ModuleForRemoteModel(r.Context(), s.Cfg.Tenant, req.Model)
		if !claimed {
			LoggerFrom(r).Debug("webhook for unclaimed model",
				"model", req.Model, "remote_id", req.ID)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		remoteID := req.ID
		jobID, err := s.Queue.Enqueue(r.Context(), domain.JobSpec{
			Tenant:      s.Cfg.Tenant,
			Module:      mod.ID(),
			EntityType:  entityType,
			Direction:   domain.DirectionPull,
			Action:      action,
			RemoteID:    &remoteID,
			Priority:    domain.PriorityDefault,
			MaxAttempts: domain.DefaultMaxAttempts,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.EnqueueJob(mod.ID())
		LoggerFrom(r).Info("webhook enqueued",
			"job_id", jobID, "module", mod.ID(), "entity_type", entityType,
			"action", string(action), "remote_id", req.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID})
	}
}

// WebhookTestHandler is the unauthenticated reachability check the ERP calls
// before a token is provisioned. Only the real ingress endpoint is token
// gated; the router's rate limit still covers this route.
func (s *Server) WebhookTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tenant": s.Cfg.Tenant})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
