// Package admission implements the gates a task instance passes before
// execution: token-bucket rate limiting, circuit breaking, adaptive
// backpressure, bounded queues, and bounded concurrency. The Chain composes
// them in order.
package admission

import (
	"sync"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
	"golang.org/x/time/rate"
)

// RateConfig is a per-scope token bucket: capacity Burst, refilled at Rate
// tokens per second.
type RateConfig struct {
	Rate  float64 `json:"rate" yaml:"rate"`
	Burst int     `json:"burst" yaml:"burst"`
}

// RateLimiter keeps one token bucket per scope key. Scopes without a
// configured bucket admit unconditionally, so granularities compose: a
// request must pass the global, per-agent, and per-task-type buckets that
// exist for it.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	configs map[string]RateConfig
}

// NewRateLimiter constructs an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		configs: make(map[string]RateConfig),
	}
}

// Configure installs or replaces the bucket for a scope.
func (r *RateLimiter) Configure(scope string, cfg RateConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.Rate <= 0 && cfg.Burst <= 0 {
		delete(r.buckets, scope)
		delete(r.configs, scope)
		return
	}
	r.configs[scope] = cfg
	r.buckets[scope] = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
}

// Acquire takes n tokens from every configured bucket among scopes, or none.
// On denial it refunds partial reservations and reports the longest wait as
// the retry hint.
func (r *RateLimiter) Acquire(scopes []string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reservations := make([]*rate.Reservation, 0, len(scopes))
	now := time.Now()
	for _, scope := range scopes {
		bucket, ok := r.buckets[scope]
		if !ok {
			continue
		}
		res := bucket.ReserveN(now, n)
		if !res.OK() {
			// n exceeds burst capacity, no wait will ever satisfy it
			cancelAll(reservations, now)
			return orchestra.FlowControlError(orchestra.ErrRateLimited, scope, 0)
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			cancelAll(reservations, now)
			return orchestra.FlowControlError(orchestra.ErrRateLimited, scope, delay)
		}
		reservations = append(reservations, res)
	}
	return nil
}

func cancelAll(reservations []*rate.Reservation, now time.Time) {
	for _, res := range reservations {
		res.CancelAt(now)
	}
}
