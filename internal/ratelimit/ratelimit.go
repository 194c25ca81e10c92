// Package ratelimit implements admission control for sandbox executions:
// a per-user token bucket and a process-wide cap on concurrent jails.
// Thread-safe. No background goroutines.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrBusy is returned when every execution slot is taken and the caller
// chose not to wait.
var ErrBusy = errors.New("sandbox at capacity")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-user token bucket rate limiter.
// Each user gets an independent bucket; one user cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		users: make(map[string]*rate.Limiter),
		limit: rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst: burst,
	}
}

// Allow consumes one token from the user's bucket. Returns ErrRateLimited
// if the bucket is empty.
func (l *Limiter) Allow(userID string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	if !l.bucket(userID).Allow() {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) bucket(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.users[userID]
	if !ok {
		// First request: start with a full bucket.
		b = rate.NewLimiter(l.limit, l.burst)
		l.users[userID] = b
	}
	return b
}

// Slots caps how many jails run at once.
type Slots struct {
	sem *semaphore.Weighted
	max int64
}

// NewSlots returns a cap of n concurrent executions. n <= 0 means unlimited
// and a nil *Slots is returned; its methods are no-ops.
func NewSlots(n int) *Slots {
	if n <= 0 {
		return nil
	}
	return &Slots{sem: semaphore.NewWeighted(int64(n)), max: int64(n)}
}

// Acquire takes a slot. With wait=false it fails fast with ErrBusy;
// otherwise it blocks until a slot frees up or ctx is done. The returned
// release function must be called exactly once.
func (s *Slots) Acquire(ctx context.Context, wait bool) (func(), error) {
	if s == nil {
		return func() {}, nil
	}
	if !wait {
		if !s.sem.TryAcquire(1) {
			return nil, ErrBusy
		}
	} else if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { s.sem.Release(1) }) }, nil
}

// Capacity returns the configured cap, 0 when unlimited.
func (s *Slots) Capacity() int {
	if s == nil {
		return 0
	}
	return int(s.max)
}
