package lockout

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mediconnect-auth/internal/client"
	"mediconnect-auth/internal/util"
)

const addressThrottlePrefix = "login_throttle:"

// AddressLimiter throttles login attempts per source address using an
// atomic Redis counter. Each failure refreshes the sliding expiry, so
// the counter only resets after a full quiet window. When Redis is
// unreachable the limiter degrades open: availability of login beats
// throttle precision.
type AddressLimiter struct {
	redis   *client.RedisClient
	ceiling int
	window  time.Duration
}

func NewAddressLimiter(redis *client.RedisClient, ceiling int, window time.Duration) *AddressLimiter {
	return &AddressLimiter{
		redis:   redis,
		ceiling: ceiling,
		window:  window,
	}
}

// Allow reports whether the address is still under the attempt ceiling.
func (l *AddressLimiter) Allow(ctx context.Context, address string) bool {
	if address == "" {
		return true
	}

	countStr, err := l.redis.Get(ctx, addressThrottlePrefix+address)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return true
		}
		util.Warn("address throttle check failed, allowing attempt",
			zap.String("address", address),
			zap.Error(err))
		return true
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		util.Warn("address throttle counter malformed, allowing attempt",
			zap.String("address", address),
			zap.String("raw", countStr))
		return true
	}

	return count < l.ceiling
}

// RecordFailure bumps the address counter and refreshes its expiry.
// Returns the running count; 0 with a logged warning when Redis is down.
func (l *AddressLimiter) RecordFailure(ctx context.Context, address string) int64 {
	if address == "" {
		return 0
	}

	count, err := l.redis.IncrWithExpire(ctx, addressThrottlePrefix+address, l.window)
	if err != nil {
		util.Warn("failed to record address failure",
			zap.String("address", address),
			zap.Error(err))
		return 0
	}
	return count
}

// RetryAfter reports how long until the address counter expires, i.e.
// when a throttled caller may try again. Zero when the counter is gone
// or Redis is unreachable.
func (l *AddressLimiter) RetryAfter(ctx context.Context, address string) time.Duration {
	if address == "" {
		return 0
	}
	ttl, err := l.redis.TTL(ctx, addressThrottlePrefix+address)
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// Reset drops the counter for an address (successful login).
func (l *AddressLimiter) Reset(ctx context.Context, address string) {
	if address == "" {
		return
	}
	if err := l.redis.Del(ctx, addressThrottlePrefix+address); err != nil {
		util.Warn("failed to reset address throttle",
			zap.String("address", address),
			zap.Error(err))
	}
}
