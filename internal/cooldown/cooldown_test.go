package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	left, err := m.Remaining(ctx, "greenhouse")
	require.NoError(t, err)
	assert.Zero(t, left)

	require.NoError(t, m.Start(ctx, "greenhouse", 30*time.Minute))
	require.NoError(t, m.Start(ctx, "lever", 0))

	now = now.Add(10 * time.Minute)
	left, err = m.Remaining(ctx, "greenhouse")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, left)

	left, err = m.Remaining(ctx, "lever")
	require.NoError(t, err)
	assert.Zero(t, left)

	now = now.Add(time.Hour)
	left, err = m.Remaining(ctx, "greenhouse")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestRedisTracker(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)

	tracker, err := NewRedis(ctx, RedisConfig{Address: srv.Addr()})
	require.NoError(t, err)
	defer func() { require.NoError(t, tracker.Close()) }()
	require.NoError(t, tracker.Ping(ctx))

	left, err := tracker.Remaining(ctx, "greenhouse")
	require.NoError(t, err)
	assert.Zero(t, left)

	require.NoError(t, tracker.Start(ctx, "greenhouse", 15*time.Minute))
	assert.True(t, srv.Exists(defaultKeyPrefix+"greenhouse"))

	left, err = tracker.Remaining(ctx, "greenhouse")
	require.NoError(t, err)
	assert.Greater(t, left, 14*time.Minute)
	assert.LessOrEqual(t, left, 15*time.Minute)

	srv.FastForward(16 * time.Minute)
	left, err = tracker.Remaining(ctx, "greenhouse")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestRedisTrackerPrefixAndZeroTTL(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)

	tracker, err := NewRedis(ctx, RedisConfig{Address: srv.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	defer func() { _ = tracker.Close() }()

	require.NoError(t, tracker.Start(ctx, "lever", 0))
	assert.False(t, srv.Exists("test:lever"))

	require.NoError(t, tracker.Start(ctx, "lever", time.Minute))
	assert.True(t, srv.Exists("test:lever"))
}

func TestNewRedisErrors(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{})
	require.ErrorIs(t, err, ErrEmptyAddress)

	srv, err := miniredis.Run()
	require.NoError(t, err)
	addr := srv.Addr()
	srv.Close()
	_, err = NewRedis(context.Background(), RedisConfig{Address: addr})
	require.Error(t, err)
}
