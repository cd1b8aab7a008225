package guard

import (
	"context"
	"strings"
	"time"
)

const (
	// DefaultLockoutThreshold is the failed-attempt count that locks an account.
	DefaultLockoutThreshold = 5
	// DefaultLockoutWindow is how long failures accumulate and the lock holds.
	DefaultLockoutWindow = 15 * time.Minute
)

// LockoutGuard tracks failed authentication attempts per account and refuses
// further attempts once the threshold is reached inside the window. Callers
// collapse the locked outcome into the generic invalid-credentials error so
// the lock state is not observable from the outside.
type LockoutGuard struct {
	store     CounterStore
	threshold int64
	window    time.Duration
}

// NewLockoutGuard builds a guard with the given threshold and window;
// non-positive values fall back to the defaults.
func NewLockoutGuard(store CounterStore, threshold int64, window time.Duration) *LockoutGuard {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if window <= 0 {
		window = DefaultLockoutWindow
	}
	return &LockoutGuard{store: store, threshold: threshold, window: window}
}

// AccountKey normalizes a submitted account identifier. Lockout counters are
// keyed by lower-cased trimmed email so "Bob@X.com" and "bob@x.com" share a
// counter.
func AccountKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RecordFailure increments the failure counter; the first failure starts the
// window. It reports whether this failure crossed the lockout threshold.
func (g *LockoutGuard) RecordFailure(ctx context.Context, accountKey string) (locked bool, err error) {
	count, _, err := g.store.Incr(ctx, "lockout:"+accountKey, g.window)
	if err != nil {
		return false, err
	}
	return count == g.threshold, nil
}

// IsLocked reports whether the account has reached the threshold within the
// current window.
func (g *LockoutGuard) IsLocked(ctx context.Context, accountKey string) (bool, error) {
	count, _, err := g.store.Peek(ctx, "lockout:"+accountKey)
	if err != nil {
		return false, err
	}
	return count >= g.threshold, nil
}

// Clear resets the counter, e.g. after a successful password reset.
func (g *LockoutGuard) Clear(ctx context.Context, accountKey string) error {
	return g.store.Reset(ctx, "lockout:"+accountKey)
}
