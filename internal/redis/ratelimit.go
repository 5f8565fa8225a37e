package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RateLimitConfig defines fixed-window rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum calls allowed per window
	Window time.Duration // Window length
}

// RateLimitResult contains the result of a consume call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration // time until the current window expires
}

// RateLimiter bounds call volume per (key, function) within discrete fixed
// windows. Fixed windows are deliberately simpler than sliding ones: a burst
// straddling a window boundary can briefly double the nominal rate, an
// accepted trade-off at the generous limits involved. The counter increment
// is a single atomic INCR, so concurrent callers cannot exceed the limit.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Consume counts one call against (key, fn) and reports whether it fits in
// the current window. The call that creates the key starts the window; the
// window then runs to its fixed expiry regardless of further traffic.
func (r *RateLimiter) Consume(ctx context.Context, key, fn string) (*RateLimitResult, error) {
	redisKey := fmt.Sprintf("ratelimit:%s:%s", fn, key)

	pipe := r.client.rdb.Pipeline()
	countCmd := pipe.Incr(ctx, redisKey)
	// NX preserves the window's original expiry: only the INCR that created
	// the key sets the clock.
	pipe.ExpireNX(ctx, redisKey, r.config.Window)
	ttlCmd := pipe.TTL(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	resetIn := ttlCmd.Val()
	if resetIn < 0 {
		resetIn = r.config.Window
	}

	if count > r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.String("fn", fn),
			zap.Int("count", count),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetIn:   resetIn,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Limit - count,
		ResetIn:   resetIn,
	}, nil
}
