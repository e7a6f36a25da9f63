package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// QueueStatsHandler returns queue counters plus breaker snapshots.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	type breakerView struct {
		State               string `json:"state"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
		OpenedAt            string `json:"opened_at,omitempty"`
		LastReason          string `json:"last_reason,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Queue.Stats(r.Context(), s.Cfg.Tenant)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		breakers := map[string]breakerView{}
		if s.Engine != nil {
			for scope, b := range s.Engine.Breakers() {
				state, failures, openedAt, reason := b.Snapshot()
				v := breakerView{State: state.String(), ConsecutiveFailures: failures, LastReason: reason}
				if !openedAt.IsZero() {
					v.OpenedAt = openedAt.UTC().Format(time.RFC3339)
				}
				breakers[scope] = v
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"pending":             stats.Pending,
			"processing":          stats.Processing,
			"completed":           stats.Completed,
			"failed":              stats.Failed,
			"total":               stats.Total,
			"depth_by_module":     stats.DepthByModule,
			"avg_latency_seconds": stats.AvgLatencySeconds,
			"success_rate":        stats.SuccessRate,
			"breakers":            breakers,
		})
	}
}

// RetryFailedHandler requeues every failed job of the tenant.
func (s *Server) RetryFailedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Queue.RetryFailed(r.Context(), s.Cfg.Tenant)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("failed jobs requeued", "count", n)
		writeJSON(w, http.StatusOK, map[string]any{"retried": n})
	}
}

// CancelJobHandler cancels one pending job. Processing or terminal jobs
// conflict; unknown ids are 404.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		ok, err := s.Queue.Cancel(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !ok {
			if _, err := s.Queue.Get(r.Context(), jobID); err != nil {
				writeError(w, r, err, nil)
				return
			}
			writeError(w, r, fmt.Errorf("%w: job is not pending", domain.ErrInvalidTransition), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": string(domain.JobCancelled)})
	}
}

// JobHandler returns one job's detail. Error messages are included; payloads
// may hold entity data, so this stays behind the admin guard.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Queue.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{
			"id":           job.ID,
			"tenant":       job.Tenant,
			"module":       job.Module,
			"entity_type":  job.EntityType,
			"direction":    string(job.Direction),
			"action":       string(job.Action),
			"local_id":     job.LocalID,
			"remote_id":    job.RemoteID,
			"payload":      job.Payload,
			"priority":     job.Priority,
			"status":       string(job.Status),
			"attempts":     job.Attempts,
			"max_attempts": job.MaxAttempts,
			"scheduled_at": job.ScheduledAt.UTC().Format(time.RFC3339),
			"created_at":   job.CreatedAt.UTC().Format(time.RFC3339),
			"updated_at":   job.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if job.ErrorMessage != "" {
			resp["error_message"] = job.ErrorMessage
		}
		if job.ProcessedAt != nil {
			resp["processed_at"] = job.ProcessedAt.UTC().Format(time.RFC3339)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ModulesHandler lists registered modules with enablement, exclusivity and
// dependency state.
func (s *Server) ModulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type noticeView struct {
			Severity string `json:"severity"`
			Message  string `json:"message"`
		}
		type moduleView struct {
			ID             string            `json:"id"`
			Enabled        bool              `json:"enabled"`
			ExclusiveGroup string            `json:"exclusive_group,omitempty"`
			Conflicts      []string          `json:"conflicts,omitempty"`
			RemoteModels   map[string]string `json:"remote_models"`
			Available      bool              `json:"available"`
			Notices        []noticeView      `json:"notices,omitempty"`
		}
		var out []moduleView
		for _, m := range s.Registry.All() {
			dep := m.DependencyStatus(r.Context())
			mv := moduleView{
				ID:             m.ID(),
				Enabled:        s.Registry.IsEnabled(r.Context(), s.Cfg.Tenant, m.ID()),
				ExclusiveGroup: m.ExclusiveGroup(),
				Conflicts:      s.Registry.Conflicts(r.Context(), s.Cfg.Tenant, m.ID()),
				RemoteModels:   m.RemoteModels(),
				Available:      dep.Available,
			}
			for _, n := range dep.Notices {
				mv.Notices = append(mv.Notices, noticeView{Severity: string(n.Severity), Message: n.Message})
			}
			out = append(out, mv)
		}
		writeJSON(w, http.StatusOK, map[string]any{"modules": out})
	}
}

// ModuleEnableHandler flips a module's enabled flag; enabling inside an
// exclusive group demotes the peers and reports them.
func (s *Server) ModuleEnableHandler() http.HandlerFunc {
	type enableRequest struct {
		Enabled bool `json:"enabled"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req enableRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		id := chi.URLParam(r, "id")
		demoted, err := s.Registry.Enable(r.Context(), s.Cfg.Tenant, id, req.Enabled)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"module": id, "enabled": req.Enabled, "disabled_peers": demoted})
	}
}

// connectionRequest carries the ERP connection record. The API key is
// accepted here, encrypted at rest and never echoed back.
type connectionRequest struct {
	URL            string `json:"url" validate:"required,url"`
	Database       string `json:"database" validate:"required"`
	Username       string `json:"username" validate:"required"`
	APIKey         string `json:"api_key" validate:"required"`
	Protocol       string `json:"protocol" validate:"omitempty,oneof=json-rpc xml-rpc"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"omitempty,min=5,max=120"`
}

// ConnectionHandler stores the connection record after validation.
func (s *Server) ConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if req.Protocol == "" {
			req.Protocol = string(domain.ProtocolJSONRPC)
		}
		if req.TimeoutSeconds == 0 {
			req.TimeoutSeconds = s.Cfg.RPCTimeoutSeconds
		}
		cred := domain.Credential{
			URL:            req.URL,
			Database:       req.Database,
			Username:       req.Username,
			APIKey:         req.APIKey,
			Protocol:       domain.Protocol(req.Protocol),
			TimeoutSeconds: req.TimeoutSeconds,
		}
		if err := s.Creds.Save(r.Context(), s.Cfg.Tenant, cred); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("connection record updated",
			"url", cred.URL, "database", cred.Database, "protocol", req.Protocol)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ConnectionTestHandler authenticates against the stored record and returns
// the remote user id.
func (s *Server) ConnectionTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Clients == nil {
			writeError(w, r, errors.New("rpc client factory not wired"), nil)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		uid, err := s.Clients(s.Cfg.Tenant).TestConnection(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "uid": uid})
	}
}
