// Package entitymap layers a request-scoped bidirectional cache over the
// durable entity map repository. A successful save populates both directions
// of the cache; remove evicts both. The cache is bound to a context and must
// not outlive the request.
package entitymap

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// Map is the handle modules receive. All operations are tenant-scoped; rows
// of one tenant are never observable from another.
type Map struct {
	repo domain.EntityMapRepository
}

// New wraps the durable repository.
func New(repo domain.EntityMapRepository) *Map {
	return &Map{repo: repo}
}

type cacheKey struct{}

type cache struct {
	mu       sync.Mutex
	byLocal  map[string]int64 // tenant|module|entity_type|local_id -> remote_id
	byRemote map[string]int64 // tenant|remote_model|remote_id -> local_id
}

func newCache() *cache {
	return &cache{byLocal: map[string]int64{}, byRemote: map[string]int64{}}
}

// WithRequestCache binds a fresh per-request mapping cache to the context.
func WithRequestCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheKey{}, newCache())
}

func cacheFrom(ctx context.Context) *cache {
	c, _ := ctx.Value(cacheKey{}).(*cache)
	return c
}

func localKey(tenant, module, entityType string, localID int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", tenant, module, entityType, localID)
}

func remoteKey(tenant, remoteModel string, remoteID int64) string {
	return fmt.Sprintf("%s|%s|%d", tenant, remoteModel, remoteID)
}

// GetRemote resolves the remote id for a local entity, consulting the
// request cache first.
func (m *Map) GetRemote(ctx context.Context, tenant, module, entityType string, localID int64) (int64, bool, error) {
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		id, hit := c.byLocal[localKey(tenant, module, entityType, localID)]
		c.mu.Unlock()
		if hit {
			return id, true, nil
		}
	}
	id, ok, err := m.repo.GetRemote(ctx, tenant, module, entityType, localID)
	if err != nil || !ok {
		return 0, ok, err
	}
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		c.byLocal[localKey(tenant, module, entityType, localID)] = id
		c.mu.Unlock()
	}
	return id, true, nil
}

// GetLocal resolves the local id for a remote record by ERP model name.
func (m *Map) GetLocal(ctx context.Context, tenant, remoteModel string, remoteID int64) (int64, bool, error) {
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		id, hit := c.byRemote[remoteKey(tenant, remoteModel, remoteID)]
		c.mu.Unlock()
		if hit {
			return id, true, nil
		}
	}
	id, ok, err := m.repo.GetLocal(ctx, tenant, remoteModel, remoteID)
	if err != nil || !ok {
		return 0, ok, err
	}
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		c.byRemote[remoteKey(tenant, remoteModel, remoteID)] = id
		c.mu.Unlock()
	}
	return id, true, nil
}

// GetMapping returns the full row, including its hash. The hash comparison
// must see the durable value, so this bypasses the id cache but still
// populates it on a hit.
func (m *Map) GetMapping(ctx context.Context, tenant, module, entityType string, localID int64) (domain.EntityMapping, bool, error) {
	row, ok, err := m.repo.GetMapping(ctx, tenant, module, entityType, localID)
	if err != nil || !ok {
		return domain.EntityMapping{}, ok, err
	}
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		c.byLocal[localKey(tenant, module, entityType, localID)] = row.RemoteID
		c.byRemote[remoteKey(tenant, row.RemoteModel, row.RemoteID)] = localID
		c.mu.Unlock()
	}
	return row, true, nil
}

// GetRemoteBatch resolves many local ids at once; the durable store answers
// misses in one query.
func (m *Map) GetRemoteBatch(ctx context.Context, tenant, module, entityType string, localIDs []int64) (map[int64]int64, error) {
	return m.repo.GetRemoteBatch(ctx, tenant, module, entityType, localIDs)
}

// GetLocalBatch resolves many remote ids at once.
func (m *Map) GetLocalBatch(ctx context.Context, tenant, remoteModel string, remoteIDs []int64) (map[int64]int64, error) {
	return m.repo.GetLocalBatch(ctx, tenant, remoteModel, remoteIDs)
}

// Save upserts the mapping and populates both directions of the cache.
func (m *Map) Save(ctx context.Context, mapping domain.EntityMapping) error {
	if err := m.repo.Save(ctx, mapping); err != nil {
		return err
	}
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		c.byLocal[localKey(mapping.Tenant, mapping.Module, mapping.EntityType, mapping.LocalID)] = mapping.RemoteID
		c.byRemote[remoteKey(mapping.Tenant, mapping.RemoteModel, mapping.RemoteID)] = mapping.LocalID
		c.mu.Unlock()
	}
	return nil
}

// Remove deletes the mapping and evicts both cache directions.
func (m *Map) Remove(ctx context.Context, tenant, module, entityType string, localID int64) error {
	var remoteID int64
	var had bool
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		remoteID, had = c.byLocal[localKey(tenant, module, entityType, localID)]
		c.mu.Unlock()
	}
	if !had {
		if id, ok, err := m.repo.GetRemote(ctx, tenant, module, entityType, localID); err == nil && ok {
			remoteID, had = id, true
		}
	}
	if err := m.repo.Remove(ctx, tenant, module, entityType, localID); err != nil {
		return err
	}
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		delete(c.byLocal, localKey(tenant, module, entityType, localID))
		if had {
			// Evict every remote-model alias pointing back at this local id.
			for k, v := range c.byRemote {
				if v == localID && remoteIDMatches(k, remoteID) {
					delete(c.byRemote, k)
				}
			}
		}
		c.mu.Unlock()
	}
	return nil
}

func remoteIDMatches(key string, remoteID int64) bool {
	suffix := fmt.Sprintf("|%d", remoteID)
	return len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix
}

// ListForModule returns every mapping of one entity type with its hash.
func (m *Map) ListForModule(ctx context.Context, tenant, module, entityType string) (map[int64]domain.MappedPair, error) {
	return m.repo.ListForModule(ctx, tenant, module, entityType)
}

// FlushCache drops the request cache contents, if one is bound.
func FlushCache(ctx context.Context) {
	if c := cacheFrom(ctx); c != nil {
		c.mu.Lock()
		c.byLocal = map[string]int64{}
		c.byRemote = map[string]int64{}
		c.mu.Unlock()
	}
}
