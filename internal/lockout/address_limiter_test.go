package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediconnect-auth/internal/client"
)

func newTestLimiter(t *testing.T, ceiling int, window time.Duration) (*AddressLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })

	return NewAddressLimiter(rc, ceiling, window), mr
}

func TestAddressLimiterAllowsUnderCeiling(t *testing.T) {
	l, _ := newTestLimiter(t, 3, 15*time.Minute)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "10.0.0.1"))

	l.RecordFailure(ctx, "10.0.0.1")
	l.RecordFailure(ctx, "10.0.0.1")
	assert.True(t, l.Allow(ctx, "10.0.0.1"))

	l.RecordFailure(ctx, "10.0.0.1")
	assert.False(t, l.Allow(ctx, "10.0.0.1"))
}

func TestAddressLimiterIsolatesAddresses(t *testing.T) {
	l, _ := newTestLimiter(t, 2, 15*time.Minute)
	ctx := context.Background()

	l.RecordFailure(ctx, "10.0.0.1")
	l.RecordFailure(ctx, "10.0.0.1")

	assert.False(t, l.Allow(ctx, "10.0.0.1"))
	assert.True(t, l.Allow(ctx, "10.0.0.2"))
}

func TestAddressLimiterWindowExpiry(t *testing.T) {
	l, mr := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	l.RecordFailure(ctx, "10.0.0.1")
	l.RecordFailure(ctx, "10.0.0.1")
	require.False(t, l.Allow(ctx, "10.0.0.1"))

	// A full quiet window resets the counter.
	mr.FastForward(61 * time.Second)
	assert.True(t, l.Allow(ctx, "10.0.0.1"))
}

func TestAddressLimiterFailureRefreshesWindow(t *testing.T) {
	l, mr := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	l.RecordFailure(ctx, "10.0.0.1")
	mr.FastForward(40 * time.Second)
	// Activity inside the window restarts it; the counter keeps growing.
	count := l.RecordFailure(ctx, "10.0.0.1")
	assert.Equal(t, int64(2), count)

	mr.FastForward(40 * time.Second)
	assert.True(t, mr.Exists(addressThrottlePrefix+"10.0.0.1"))
}

func TestAddressLimiterRetryAfter(t *testing.T) {
	l, mr := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	// No counter, nothing to wait out.
	assert.Zero(t, l.RetryAfter(ctx, "10.0.0.1"))

	l.RecordFailure(ctx, "10.0.0.1")
	assert.Equal(t, time.Minute, l.RetryAfter(ctx, "10.0.0.1"))

	mr.FastForward(20 * time.Second)
	assert.Equal(t, 40*time.Second, l.RetryAfter(ctx, "10.0.0.1"))
}

func TestAddressLimiterResetOnSuccess(t *testing.T) {
	l, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	l.RecordFailure(ctx, "10.0.0.1")
	l.RecordFailure(ctx, "10.0.0.1")
	require.False(t, l.Allow(ctx, "10.0.0.1"))

	l.Reset(ctx, "10.0.0.1")
	assert.True(t, l.Allow(ctx, "10.0.0.1"))
}

func TestAddressLimiterDegradesOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	l := NewAddressLimiter(rc, 2, time.Minute)

	mr.Close()

	// Redis down: attempts are allowed rather than rejected.
	assert.True(t, l.Allow(context.Background(), "10.0.0.1"))
	assert.Equal(t, int64(0), l.RecordFailure(context.Background(), "10.0.0.1"))
}
