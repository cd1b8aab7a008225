// Package guard implements best-effort request throttling: a fixed-window
// rate limiter keyed by (route class, identity) and a per-account lockout
// counter. Both sit on a shared CounterStore so the same logic runs against
// an in-memory map in tests and Redis in production.
package guard

import (
	"context"
	"sync"
	"time"
)

// CounterStore is a window-scoped counter with atomic increment-and-compare
// semantics. Counters are best-effort: they may be lost on restart.
type CounterStore interface {
	// Incr bumps the counter for key, starting a new window of the given
	// length if none is active, and returns the count inside the current
	// window together with how long until the window resets. The remaining
	// duration is measured on the store's own clock, so callers never mix
	// it with wall time.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
	// Peek returns the current count without incrementing. A missing or
	// expired counter reads as zero with no remaining time.
	Peek(ctx context.Context, key string) (count int64, remaining time.Duration, err error)
	// Reset removes the counter for key.
	Reset(ctx context.Context, key string) error
}

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounterStore is a process-local CounterStore.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test use only.
func (s *MemoryCounterStore) WithClock(fn func() time.Time) *MemoryCounterStore {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *MemoryCounterStore) Incr(ctx context.Context, key string, windowLen time.Duration) (int64, time.Duration, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(windowLen)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

func (s *MemoryCounterStore) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		return 0, 0, nil
	}
	return w.count, w.resetAt.Sub(now), nil
}

func (s *MemoryCounterStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// Sweep removes expired windows and returns the number reclaimed.
// Resource hygiene only; correctness never depends on it.
func (s *MemoryCounterStore) Sweep(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
			removed++
		}
	}
	return removed
}
