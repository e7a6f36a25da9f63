package entitymap

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// countingRepo is an in-memory EntityMapRepository that counts durable reads
// so tests can prove cache hits never touch it.
type countingRepo struct {
	mu    sync.Mutex
	rows  map[string]domain.EntityMapping
	reads int
}

func newCountingRepo() *countingRepo {
	return &countingRepo{rows: map[string]domain.EntityMapping{}}
}

func (r *countingRepo) key(tenant, module, entityType string, localID int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", tenant, module, entityType, localID)
}

func (r *countingRepo) GetRemote(_ context.Context, tenant, module, entityType string, localID int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	row, ok := r.rows[r.key(tenant, module, entityType, localID)]
	return row.RemoteID, ok, nil
}

func (r *countingRepo) GetLocal(_ context.Context, tenant, remoteModel string, remoteID int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	for _, row := range r.rows {
		if row.Tenant == tenant && row.RemoteModel == remoteModel && row.RemoteID == remoteID {
			return row.LocalID, true, nil
		}
	}
	return 0, false, nil
}

func (r *countingRepo) GetMapping(_ context.Context, tenant, module, entityType string, localID int64) (domain.EntityMapping, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	row, ok := r.rows[r.key(tenant, module, entityType, localID)]
	return row, ok, nil
}

func (r *countingRepo) GetRemoteBatch(_ context.Context, tenant, module, entityType string, localIDs []int64) (map[int64]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64]int64{}
	for _, id := range localIDs {
		if row, ok := r.rows[r.key(tenant, module, entityType, id)]; ok {
			out[id] = row.RemoteID
		}
	}
	return out, nil
}

func (r *countingRepo) GetLocalBatch(_ context.Context, tenant, remoteModel string, remoteIDs []int64) (map[int64]int64, error) {
	out := map[int64]int64{}
	for _, id := range remoteIDs {
		if lid, ok, _ := r.GetLocal(context.Background(), tenant, remoteModel, id); ok {
			out[id] = lid
		}
	}
	return out, nil
}

func (r *countingRepo) Save(_ context.Context, m domain.EntityMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[r.key(m.Tenant, m.Module, m.EntityType, m.LocalID)] = m
	return nil
}

func (r *countingRepo) Remove(_ context.Context, tenant, module, entityType string, localID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, r.key(tenant, module, entityType, localID))
	return nil
}

func (r *countingRepo) ListForModule(_ context.Context, tenant, module, entityType string) (map[int64]domain.MappedPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64]domain.MappedPair{}
	for _, row := range r.rows {
		if row.Tenant == tenant && row.Module == module && row.EntityType == entityType {
			out[row.LocalID] = domain.MappedPair{RemoteID: row.RemoteID, SyncHash: row.SyncHash}
		}
	}
	return out, nil
}

func (r *countingRepo) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func seedMapping(t *testing.T, repo *countingRepo) domain.EntityMapping {
	t.Helper()
	row := domain.EntityMapping{
		Tenant: "t1", Module: "crm", EntityType: "contact",
		LocalID: 7, RemoteID: 501, RemoteModel: "res.partner", SyncHash: "abc",
	}
	require.NoError(t, repo.Save(context.Background(), row))
	return row
}

func TestGetRemoteUsesRequestCache(t *testing.T) {
	t.Parallel()
	repo := newCountingRepo()
	seedMapping(t, repo)
	m := New(repo)
	ctx := WithRequestCache(context.Background())

	id, ok, err := m.GetRemote(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(501), id)
	assert.Equal(t, 1, repo.readCount())

	// Second lookup is answered from the cache.
	id, ok, err = m.GetRemote(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(501), id)
	assert.Equal(t, 1, repo.readCount())
}

func TestGetRemoteWithoutCacheHitsRepoEveryTime(t *testing.T) {
	t.Parallel()
	repo := newCountingRepo()
	seedMapping(t, repo)
	m := New(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok, err := m.GetRemote(ctx, "t1", "crm", "contact", 7)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 3, repo.readCount())
}

func TestGetRemoteMissIsNotCached(t *testing.T) {
	t.Parallel()
	repo := newCountingRepo()
	m := New(repo)
	ctx := WithRequestCache(context.Background())

	_, ok, err := m.GetRemote(ctx, "t1", "crm", "contact", 99)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.GetRemote(ctx, "t1", "crm", "contact", 99)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, repo.readCount(), "misses are re-checked durably")
}

func TestSavePopulatesBothDirections(t *testing.T) {
	t.Parallel()
	repo := newCountingRepo()
	m := New(repo)
	ctx := WithRequestCache(context.Background())

	require.NoError(t, m.Save(ctx, domain.EntityMapping{
		Tenant: "t1", Module: "crm", EntityType: "contact",
		LocalID: 7, RemoteID: 501, RemoteModel: "res.partner",
	}))

	rid, ok, err := m.GetRemote(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(501), rid)

	lid, ok, err := m.GetLocal(ctx, "t1", "res.partner", 501)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), lid)

	assert.Equal(t, 0, repo.readCount(), "save primes the cache for both directions")
}

func TestRemoveEvictsBothDirections(t *testing.T) {
	t.Parallel()
	repo := newCountingRepo()
	m := New(repo)
	ctx := WithRequestCache(context.Background())

	require.NoError(t, m.Save(ctx, domain.EntityMapping{
		Tenant: "t1", Module: "crm", EntityType: "contact",
		LocalID: 7, RemoteID: 501, RemoteModel: "res.partner",
	}))
	require.NoError(t, m.Remove(ctx, "t1", "crm", "contact", 7))

	_, ok, err := m.GetRemote(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = m.GetLocal(ctx, "t1", "res.partner", 501)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMappingBypassesCacheButPopulatesIt(t *testing.T) {
	t.Parallel()
	repo := newCountingRepo()
	row := seedMapping(t, repo)
	m := New(repo)
	ctx := WithRequestCache(context.Background())

	got, ok, err := m.GetMapping(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, row.SyncHash, got.SyncHash)
	reads := repo.readCount()

	// The hash read always goes durable, even repeated.
	_, ok, err = m.GetMapping(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, reads+1, repo.readCount())

	// But the id lookups it primed are now cache hits.
	before := repo.readCount()
	_, ok, err = m.GetRemote(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = m.GetLocal(ctx, "t1", "res.partner", 501)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, repo.readCount())
}

func TestFlushCacheDropsEntries(t *testing.T) {
	t.Parallel()
	repo := newCountingRepo()
	seedMapping(t, repo)
	m := New(repo)
	ctx := WithRequestCache(context.Background())

	_, _, err := m.GetRemote(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	require.Equal(t, 1, repo.readCount())

	FlushCache(ctx)

	_, ok, err := m.GetRemote(ctx, "t1", "crm", "contact", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, repo.readCount(), "flush forces a durable re-read")
}

func TestBatchLookupsDelegate(t *testing.T) {
	t.Parallel()
	repo := newCountingRepo()
	seedMapping(t, repo)
	m := New(repo)
	ctx := context.Background()

	remote, err := m.GetRemoteBatch(ctx, "t1", "crm", "contact", []int64{7, 99})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{7: 501}, remote)

	local, err := m.GetLocalBatch(ctx, "t1", "res.partner", []int64{501, 999})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{501: 7}, local)

	pairs, err := m.ListForModule(ctx, "t1", "crm", "contact")
	require.NoError(t, err)
	assert.Equal(t, map[int64]domain.MappedPair{7: {RemoteID: 501, SyncHash: "abc"}}, pairs)
}
