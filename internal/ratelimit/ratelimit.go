package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	minFloor   = time.Second
	maxMinimum = 60 * time.Second
	maxMaximum = 120 * time.Second
)

type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(minDelay, maxDelay time.Duration)
}

var (
	_ RateLimiter = (*SimpleRateLimiter)(nil)
	_ RateLimiter = (*AdaptiveRateLimiter)(nil)
)

// SimpleRateLimiter spaces actions by a random delay in [min, max).
type SimpleRateLimiter struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	jitter     bool
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

// Wait blocks until the delay since the previous action has passed. The
// first call returns immediately.
func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	wait := time.Duration(0)
	if !r.lastAction.IsZero() {
		if delay, elapsed := r.calculateDelay(), time.Since(r.lastAction); elapsed < delay {
			wait = delay - elapsed
		}
	}
	r.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	r.mu.Lock()
	r.lastAction = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *SimpleRateLimiter) SetDelay(minDelay, maxDelay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.minDelay = minDelay
	r.maxDelay = maxDelay
}

// Delays returns the current bounds.
func (r *SimpleRateLimiter) Delays() (minDelay, maxDelay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay, r.maxDelay
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.maxDelay <= r.minDelay {
		return r.minDelay
	}
	return r.minDelay + time.Duration(rand.Int63n(int64(r.maxDelay-r.minDelay)))
}

// AdaptiveRateLimiter slows down after consecutive failures and speeds up
// slowly after a run of successes. A degraded page counts as a failure.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		maxErrorCount:     3,
		backoffFactor:     1.5,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < minFloor {
			newMin = minFloor
		}
		a.minDelay = newMin
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		a.minDelay = min(time.Duration(float64(a.minDelay)*a.backoffFactor), maxMinimum)
		a.maxDelay = min(time.Duration(float64(a.maxDelay)*a.backoffFactor), maxMaximum)
		a.errorCount = 0
	}
}
