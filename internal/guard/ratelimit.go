package guard

import (
	"context"
	"time"
)

// Config bounds one route class: at most Max requests per Window.
type Config struct {
	Window time.Duration
	Max    int64
}

// RateLimiter is a fixed-window counter keyed by (route class, identity).
// Each protected route class supplies its own Config, so signup, login,
// keypass generation and payment routes throttle independently.
type RateLimiter struct {
	store CounterStore
}

// NewRateLimiter builds a limiter on the given counter store.
func NewRateLimiter(store CounterStore) *RateLimiter {
	return &RateLimiter{store: store}
}

// Allow records one request for (class, identity) and reports whether it is
// inside the configured ceiling. When refused, retryAfter indicates how long
// until the window resets, measured on the counter store's clock.
func (l *RateLimiter) Allow(ctx context.Context, class, identity string, cfg Config) (ok bool, retryAfter time.Duration, err error) {
	if cfg.Max <= 0 || cfg.Window <= 0 {
		return true, 0, nil
	}
	count, remaining, err := l.store.Incr(ctx, "rl:"+class+":"+identity, cfg.Window)
	if err != nil {
		return false, 0, err
	}
	if count > cfg.Max {
		if remaining < 0 {
			remaining = 0
		}
		return false, remaining, nil
	}
	return true, 0, nil
}
