// Package registry tracks the installed sync modules, their enabled state
// and their mutual-exclusivity groups.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// Registry implements domain.Registry. Registration happens at boot;
// enabled flags persist in the settings store so they survive restarts and
// are tenant-scoped.
type Registry struct {
	settings domain.SettingsStore

	mu      sync.RWMutex
	modules map[string]domain.Module
	order   []string
}

// New constructs an empty registry.
func New(settings domain.SettingsStore) *Registry {
	return &Registry{settings: settings, modules: map[string]domain.Module{}}
}

// Register adds a module. Duplicate ids are a programming error.
func (r *Registry) Register(m domain.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := m.ID()
	if id == "" {
		return fmt.Errorf("op=registry.register: %w: empty module id", domain.ErrInvalidArgument)
	}
	if _, exists := r.modules[id]; exists {
		return fmt.Errorf("op=registry.register: %w: module %s already registered", domain.ErrConflict, id)
	}
	r.modules[id] = m
	r.order = append(r.order, id)
	slog.Info("module registered", slog.String("module", id), slog.String("group", m.ExclusiveGroup()))
	return nil
}

// Get resolves a module by id.
func (r *Registry) Get(id string) (domain.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// All returns the registered modules in registration order.
func (r *Registry) All() []domain.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Module, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.modules[id])
	}
	return out
}

// IsEnabled reads the persisted flag; unregistered or unset modules are
// disabled.
func (r *Registry) IsEnabled(ctx context.Context, tenant, id string) bool {
	if _, ok := r.Get(id); !ok {
		return false
	}
	enabled, ok, err := r.settings.GetBool(ctx, tenant, postgres.ModuleEnabledKey(id))
	if err != nil || !ok {
		return false
	}
	return enabled
}

// Conflicts lists other enabled modules sharing the module's non-empty
// exclusive group.
func (r *Registry) Conflicts(ctx context.Context, tenant, id string) []string {
	m, ok := r.Get(id)
	if !ok || m.ExclusiveGroup() == "" {
		return nil
	}
	group := m.ExclusiveGroup()
	var out []string
	for _, other := range r.All() {
		if other.ID() == id || other.ExclusiveGroup() != group {
			continue
		}
		if r.IsEnabled(ctx, tenant, other.ID()) {
			out = append(out, other.ID())
		}
	}
	sort.Strings(out)
	return out
}

// Enable flips a module's persisted flag. Enabling a module in an exclusive
// group atomically disables its peers and returns their ids.
func (r *Registry) Enable(ctx context.Context, tenant, id string, enabled bool) ([]string, error) {
	if _, ok := r.Get(id); !ok {
		return nil, fmt.Errorf("op=registry.enable: %w: %s", domain.ErrUnknownModule, id)
	}
	var demoted []string
	if enabled {
		for _, peer := range r.Conflicts(ctx, tenant, id) {
			if err := r.settings.SetBool(ctx, tenant, postgres.ModuleEnabledKey(peer), false); err != nil {
				return nil, fmt.Errorf("op=registry.enable: %w", err)
			}
			demoted = append(demoted, peer)
			slog.Info("module disabled by exclusivity",
				slog.String("module", peer), slog.String("enabled_peer", id))
		}
	}
	if err := r.settings.SetBool(ctx, tenant, postgres.ModuleEnabledKey(id), enabled); err != nil {
		return nil, fmt.Errorf("op=registry.enable: %w", err)
	}
	return demoted, nil
}

// ModuleForRemoteModel resolves which enabled module owns an ERP model name
// and the entity type it maps to.
func (r *Registry) ModuleForRemoteModel(ctx context.Context, tenant, remoteModel string) (domain.Module, string, bool) {
	for _, m := range r.All() {
		if !r.IsEnabled(ctx, tenant, m.ID()) {
			continue
		}
		for entityType, model := range m.RemoteModels() {
			if model == remoteModel {
				return m, entityType, true
			}
		}
	}
	return nil, "", false
}
