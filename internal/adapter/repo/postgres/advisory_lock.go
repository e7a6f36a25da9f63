package postgres

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// AdvisoryLock serialises the engine tick across processes using a
// session-scoped Postgres advisory lock. The lock pins one pooled connection
// between TryAcquire and Release because advisory locks belong to the
// session that took them. Distinct tenants hash to distinct keys so they may
// tick in parallel while one tenant stays single-writer.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

// NewAdvisoryLock derives the lock key from the tenant name.
func NewAdvisoryLock(pool *pgxpool.Pool, tenant string) *AdvisoryLock {
	h := fnv.New64a()
	_, _ = h.Write([]byte("sync-engine:" + tenant))
	return &AdvisoryLock{pool: pool, key: int64(h.Sum64())}
}

// TryAcquire attempts the lock without blocking. False means another
// processor holds it.
func (l *AdvisoryLock) TryAcquire(ctx domain.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, fmt.Errorf("op=lock.try_acquire: %w: lock already held by this process", domain.ErrConflict)
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&got); err != nil {
		conn.Release()
		return false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}
	if !got {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release drops the lock and returns the pinned connection to the pool.
func (l *AdvisoryLock) Release(ctx domain.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	var released bool
	err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&released)
	l.conn.Release()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}
