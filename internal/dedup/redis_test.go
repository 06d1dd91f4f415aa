package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisSuppressor(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, Config{
		Window:         2 * time.Second,
		BurstWindow:    30 * time.Second,
		BurstThreshold: 3,
	})
}

func TestRedisSuppressesWithinWindow(t *testing.T) {
	mr, s := newRedisSuppressor(t)
	ctx := context.Background()
	now := time.Now()

	first, err := s.Check(ctx, "04A1", "R1", now)
	require.NoError(t, err)
	assert.False(t, first.Suppressed)

	second, err := s.Check(ctx, "04A1", "R1", now)
	require.NoError(t, err)
	assert.True(t, second.Suppressed)

	mr.FastForward(2100 * time.Millisecond)
	third, err := s.Check(ctx, "04A1", "R1", now)
	require.NoError(t, err)
	assert.False(t, third.Suppressed, "window expires without re-taps")
}

func TestRedisWindowSlidesOnRetap(t *testing.T) {
	mr, s := newRedisSuppressor(t)
	ctx := context.Background()
	now := time.Now()

	first, err := s.Check(ctx, "04A1", "R1", now)
	require.NoError(t, err)
	require.False(t, first.Suppressed)

	// Suppressed re-tap at 1.9s pushes the gate out to 3.9s.
	mr.FastForward(1900 * time.Millisecond)
	retap, err := s.Check(ctx, "04A1", "R1", now)
	require.NoError(t, err)
	require.True(t, retap.Suppressed)

	// 3.8s after the first tap: still inside the refreshed window.
	mr.FastForward(1900 * time.Millisecond)
	held, err := s.Check(ctx, "04A1", "R1", now)
	require.NoError(t, err)
	assert.True(t, held.Suppressed, "each re-tap restarts the window, matching the in-memory backend")
}

func TestRedisKeysAreIndependent(t *testing.T) {
	_, s := newRedisSuppressor(t)
	ctx := context.Background()
	now := time.Now()

	first, err := s.Check(ctx, "04A1", "R1", now)
	require.NoError(t, err)
	assert.False(t, first.Suppressed)

	otherReader, err := s.Check(ctx, "04A1", "R2", now)
	require.NoError(t, err)
	assert.False(t, otherReader.Suppressed)

	otherTag, err := s.Check(ctx, "04B2", "R1", now)
	require.NoError(t, err)
	assert.False(t, otherTag.Suppressed)
}

func TestRedisBurstDetection(t *testing.T) {
	_, s := newRedisSuppressor(t)
	ctx := context.Background()
	now := time.Now()

	var last Decision
	for i := 0; i < 4; i++ {
		d, err := s.Check(ctx, "04A1", "R1", now)
		require.NoError(t, err)
		last = d
	}
	assert.True(t, last.Burst)
	assert.EqualValues(t, 4, last.CountInWindow)
}
