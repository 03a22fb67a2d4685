// Package policy implements Carapace's three-stage policy engine: rate
// limiting, allow/deny matching, and content filtering (spec.md §4.4).
package policy

import (
	"sync"
	"time"
)

// sweepCeiling bounds how far back the rate limiter ever needs to
// remember timestamps, regardless of configured window sizes, so the
// per-channel timestamp slice cannot grow without bound (spec.md §4.4).
const sweepCeiling = time.Hour

// RateLimiter implements the sliding-window attempt counter described in
// spec.md §4.4 and §9: it counts attempts, not successes, and the
// timestamp is appended *before* the threshold check so that probing
// consumes budget.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time // channel -> attempt timestamps, oldest first
	limits  func(channel string) (requests int, window time.Duration, ok bool)
	now     func() time.Time
}

// NewRateLimiter builds a RateLimiter. limits resolves a channel's
// {requests, window_seconds} (with "default" fallback already applied by
// the caller).
func NewRateLimiter(limits func(channel string) (int, time.Duration, bool)) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string][]time.Time),
		limits:  limits,
		now:     time.Now,
	}
}

// Allow records an attempt on channel and reports whether it is within
// the configured limit. If no limit is configured for channel, the
// attempt is always allowed (and not recorded, since there is nothing to
// sweep).
func (r *RateLimiter) Allow(channel string) bool {
	requests, window, ok := r.limits(channel)
	if !ok {
		return true
	}
	if requests <= 0 {
		// requests=0 denies all attempts (spec.md §8 boundary behavior),
		// but the attempt must still be recorded so probing has a cost.
		r.record(channel)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ts := append(r.windows[channel], now)
	cutoff := now.Add(-window)
	ts = dropOlderThan(ts, cutoff)
	r.windows[channel] = ts

	return len(ts) <= requests
}

func (r *RateLimiter) record(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.windows[channel] = dropOlderThan(append(r.windows[channel], now), now.Add(-sweepCeiling))
}

// Sweep removes timestamps older than sweepCeiling across all channels.
// Intended to run on the background cleanup task's schedule
// (advanced.sweep_schedule).
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-sweepCeiling)
	for ch, ts := range r.windows {
		swept := dropOlderThan(ts, cutoff)
		if len(swept) == 0 {
			delete(r.windows, ch)
		} else {
			r.windows[ch] = swept
		}
	}
}

func dropOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
