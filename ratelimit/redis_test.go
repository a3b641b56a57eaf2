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

func newTestRedisGate(t *testing.T) (*RedisGate, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	g := NewRedisGate(client)
	g.maxWait = 200 * time.Millisecond
	return g, srv
}

func TestRedisGateClaimReleaseSerialization(t *testing.T) {
	g, _ := newTestRedisGate(t)
	ctx := context.Background()

	require.NoError(t, g.Claim(ctx, "bucket-a"))

	done := make(chan struct{})
	go func() {
		require.NoError(t, g.Claim(ctx, "bucket-a"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second claim succeeded before release")
	case <-time.After(80 * time.Millisecond):
	}

	require.NoError(t, g.Release(ctx, "bucket-a", Info{}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second claim never unblocked after release")
	}
}

func TestRedisGateTimeoutRefill(t *testing.T) {
	g, _ := newTestRedisGate(t)
	ctx := context.Background()

	require.NoError(t, g.Claim(ctx, "bucket-b"))

	resetsIn := 120 * time.Millisecond
	require.NoError(t, g.Release(ctx, "bucket-b", Info{ResetsIn: &resetsIn}))

	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, g.Claim(claimCtx, "bucket-b"))
	assert.GreaterOrEqual(t, time.Since(start), resetsIn-30*time.Millisecond)
}

func TestRedisGateCapacityIncrease(t *testing.T) {
	g, _ := newTestRedisGate(t)
	ctx := context.Background()

	require.NoError(t, g.Claim(ctx, "bucket-c"))
	limit := 3
	require.NoError(t, g.Release(ctx, "bucket-c", Info{Limit: &limit}))

	for i := 0; i < 3; i++ {
		claimCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		err := g.Claim(claimCtx, "bucket-c")
		cancel()
		require.NoError(t, err, "claim %d should succeed immediately", i)
	}

	claimCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := g.Claim(claimCtx, "bucket-c")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisGateReleaseWithoutClaim(t *testing.T) {
	g, _ := newTestRedisGate(t)
	err := g.Release(context.Background(), "never-claimed", Info{})
	assert.ErrorIs(t, err, ErrReleaseWithoutClaim)
}

func TestRedisGateDoubleReleaseErrors(t *testing.T) {
	g, _ := newTestRedisGate(t)
	ctx := context.Background()

	require.NoError(t, g.Claim(ctx, "bucket-d"))
	require.NoError(t, g.Release(ctx, "bucket-d", Info{}))

	err := g.Release(ctx, "bucket-d", Info{})
	assert.ErrorIs(t, err, ErrReleaseWithoutClaim)
}

func TestRedisGateSecondReleaseDuringArmedWindowDoesNotGrantExtra(t *testing.T) {
	g, _ := newTestRedisGate(t)
	ctx := context.Background()

	// Grow capacity to 2 first so two claims can be outstanding at once.
	require.NoError(t, g.Claim(ctx, "bucket-e"))
	limit := 2
	require.NoError(t, g.Release(ctx, "bucket-e", Info{Limit: &limit}))

	require.NoError(t, g.Claim(ctx, "bucket-e"))
	require.NoError(t, g.Claim(ctx, "bucket-e"))

	resetsIn := 300 * time.Millisecond
	require.NoError(t, g.Release(ctx, "bucket-e", Info{ResetsIn: &resetsIn}))
	require.NoError(t, g.Release(ctx, "bucket-e", Info{ResetsIn: &resetsIn}))

	// Neither release granted an immediate permit (the stored reset
	// deadline owns the window), so a claim attempted before that deadline
	// passes must block.
	claimCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	err := g.Claim(claimCtx, "bucket-e")
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
