package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH RATE LIMITER
// Global per-minute ceiling on outbound dispatches, shared across workers.
// Fixed-window INCR + EXPIRE: coarse but cheap, and the dispatch volume is
// low enough that window-boundary bursts do not matter.
// ══════════════════════════════════════════════════════════════════════════════

const dispatchScope = "dispatch"

// RateLimiter enforces a global ceiling on outbound dispatches per minute.
type RateLimiter struct {
	cache *Cache
	limit int64
}

// NewRateLimiter creates a rate limiter with the given per-minute limit.
// A non-positive limit disables the ceiling.
func NewRateLimiter(cache *Cache, perMinute int) *RateLimiter {
	return &RateLimiter{cache: cache, limit: int64(perMinute)}
}

// Allow reserves one dispatch slot in the current minute window.
// Returns shared.ErrRateLimited when the ceiling is reached; the caller
// treats that as a retryable failure class.
func (rl *RateLimiter) Allow(ctx context.Context, now time.Time) error {
	if rl.limit <= 0 {
		return nil
	}

	window := now.UTC().Format("200601021504") // minute resolution
	key := RateLimitKey(dispatchScope, window)

	count, err := rl.cache.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limiter incr: %w", err)
	}

	// First hit in the window sets the expiry. The extra minute covers
	// clock skew between workers.
	if count == 1 {
		if err := rl.cache.Expire(ctx, key, 2*time.Minute); err != nil {
			return fmt.Errorf("rate limiter expire: %w", err)
		}
	}

	if count > rl.limit {
		return shared.ErrRateLimited
	}

	return nil
}
