package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	cfg.Prefix = "test:"
	cfg.Registerer = prometheus.NewRegistry()

	s, err := NewRedisStore(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestNewRedisStore_ConnectionFailure(t *testing.T) {
	t.Parallel()

	cfg := DefaultRedisConfig()
	cfg.Address = "127.0.0.1:1"
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.ConnectionRetries = 1
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.MaxRetries = 0

	s, err := NewRedisStore(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	v, err := s.IncrementWithExpiry(ctx, "identify:0", 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.IncrementWithExpiry(ctx, "identify:0", 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	assert.True(t, mr.Exists("test:identify:0"), "keys carry the prefix")
	assert.Equal(t, 5*time.Second, mr.TTL("test:identify:0"))

	mr.FastForward(6 * time.Second)

	v, err = s.IncrementWithExpiry(ctx, "identify:0", 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestRedisStore_Get(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, IsKeyNotFound(err))

	_, err = s.IncrementWithExpiry(ctx, "k", 3, time.Minute)
	require.NoError(t, err)

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestRedisStore_TTL(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.TTL(ctx, "missing")
	assert.True(t, IsKeyNotFound(err))

	_, err = s.IncrementWithExpiry(ctx, "k", 1, 5*time.Second)
	require.NoError(t, err)

	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 5*time.Second)

	require.NoError(t, mr.Set("test:plain", "1"))
	ttl, err = s.TTL(ctx, "plain")
	require.NoError(t, err)
	assert.Less(t, ttl, time.Duration(0))
}

func TestRedisStore_Delete(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))
	assert.False(t, mr.Exists("test:k"))
}

func TestRedisStore_ContextCancelled(t *testing.T) {
	t.Parallel()

	s := &RedisStore{prefix: "test:"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.TTL(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Delete(ctx, "k"), context.Canceled)
}

func TestRedisStore_ServerError(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	mr.SetError("ERR server unavailable")

	_, err := s.IncrementWithExpiry(context.Background(), "k", 1, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis script error")
}

func TestRedisStore_Close_Idempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestRedisStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestRedisStore_Ping(t *testing.T) {
	t.Parallel()

	s, mr := newTestRedisStore(t)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
