package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perMinute int) (*Limiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewLimiter(client, perMinute, "trust:ratelimit:")
	require.NotNil(t, l)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowDrainsBucket(t *testing.T) {
	l, _ := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within budget", i)
	}
	ok, err := l.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "budget exhausted")

	ok, err = l.Allow(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, ok, "keys are limited independently")
}

func TestAllowRefillsOverTime(t *testing.T) {
	l, now := newTestLimiter(t, 60) // one token per second
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		ok, err := l.Allow(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := l.Allow(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)

	*now = now.Add(2 * time.Second)
	for i := 0; i < 2; i++ {
		ok, err = l.Allow(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, ok, "refill %d", i)
	}
	ok, err = l.Allow(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok, "only the elapsed-time refill is available")
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	ok, err := l.Allow(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	assert.Nil(t, NewLimiter(nil, 100, "p"))
	assert.Nil(t, NewLimiter(client, 0, "p"))
}
