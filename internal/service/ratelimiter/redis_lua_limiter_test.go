package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, classes map[string]BucketConfig) (*RedisLuaLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewRedisLuaLimiter(rdb, classes)
	require.NotNil(t, l)
	return l, mr
}

func TestNilLimiterFailsOpen(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewRedisLuaLimiter(nil, nil))

	var l *RedisLuaLimiter
	allowed, retryAfter, err := l.Allow(context.Background(), "webhook", "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestAllowSpendsTokensAndDenies(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, map[string]BucketConfig{
		"webhook": {Capacity: 3, RefillRate: 0.1},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "webhook", "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d within capacity", i+1)
	}

	allowed, retryAfter, err := l.Allow(ctx, "webhook", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, allowed, "bucket exhausted")
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestAllowIsolatesCallers(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, map[string]BucketConfig{
		"webhook": {Capacity: 1, RefillRate: 0.1},
	})
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "webhook", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "webhook", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, allowed)

	// A different caller id owns its own bucket.
	allowed, _, err = l.Allow(ctx, "webhook", "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowUnknownClassFailsOpen(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, map[string]BucketConfig{})
	allowed, retryAfter, err := l.Allow(context.Background(), "unconfigured", "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestAllowRedisDownFailsOpen(t *testing.T) {
	t.Parallel()
	l, mr := newTestLimiter(t, map[string]BucketConfig{
		"webhook": {Capacity: 1, RefillRate: 1},
	})
	mr.Close()

	allowed, _, err := l.Allow(context.Background(), "webhook", "1.2.3.4")
	assert.Error(t, err)
	assert.True(t, allowed, "redis outages never block traffic")
}

func TestSetClassConfig(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	// Unconfigured class passes everything.
	allowed, _, err := l.Allow(ctx, "webhook", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, allowed)

	l.SetClassConfig("webhook", BucketConfig{Capacity: 1, RefillRate: 0.1})

	allowed, _, err = l.Allow(ctx, "webhook", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, err = l.Allow(ctx, "webhook", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	t.Parallel()
	cfg := NewBucketConfigFromPerMinute(120)
	assert.Equal(t, int64(120), cfg.Capacity)
	assert.InDelta(t, 2.0, cfg.RefillRate, 1e-9)

	assert.Zero(t, NewBucketConfigFromPerMinute(0))
	assert.Zero(t, NewBucketConfigFromPerMinute(-5))
}
