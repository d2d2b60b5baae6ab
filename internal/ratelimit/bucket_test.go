package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedNeverBlocks(t *testing.T) {
	b := Unlimited()
	require.NoError(t, b.Acquire(context.Background(), 1<<40))
}

func TestAcquireConsumesTokens(t *testing.T) {
	b := New(100, 100)
	require.True(t, b.TryAcquire(100))
	require.False(t, b.TryAcquire(1))
}

func TestAcquireRefillsOverTime(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(10, 10)
	b.clock = func() time.Time { return now }
	b.lastRefillNs.Store(now.UnixNano())
	require.True(t, b.TryAcquire(10))
	require.False(t, b.TryAcquire(1))

	now = now.Add(500 * time.Millisecond)
	require.True(t, b.TryAcquire(5))
	require.False(t, b.TryAcquire(1))
}

func TestAcquireBlocksUntilCancelled(t *testing.T) {
	b := New(1, 1)
	require.True(t, b.TryAcquire(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx, 1000)
	require.Error(t, err)
}
