package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// AdminAPIGuard requires the configured admin token on every request.
// Accepts either "Authorization: Bearer <token>" or "X-Admin-Token".
func (s *Server) AdminAPIGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if token == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					token = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if !tokensEqual(token, s.Cfg.AdminAPIToken) {
				writeError(w, r, fmt.Errorf("%w: admin token", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// webhookToken loads the shared secret the ERP presents on X-Auth-Token.
func (s *Server) webhookToken(r *http.Request) (string, error) {
	token, ok, err := s.Settings.GetString(r.Context(), s.Cfg.Tenant, postgres.KeyWebhookToken)
	if err != nil {
		return "", err
	}
	if !ok || token == "" {
		return "", fmt.Errorf("%w: webhook token not configured", domain.ErrUnauthorized)
	}
	return token, nil
}

// tokensEqual compares in constant time; empty expected always fails.
func tokensEqual(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
