// Package ratelimit implements the fixed-window and sliding-window limiter
// primitives of spec §4.H against internal/kv, guarded by a circuit breaker
// so a degraded key-value service fails open rather than blocking every
// caller (spec §4.H, §7 Transient I/O).
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// Degraded is true when the decision fail-opened because the guarded
	// key-value service is unavailable (spec §4.H "fail-open").
	Degraded bool
}

// FixedWindow implements the increment+expire protocol of spec §4.H: the
// first request in a window creates the key with TTL=window.
type FixedWindow struct {
	kv GuardedKV
}

// NewFixedWindow builds a FixedWindow limiter over a guarded KV service.
func NewFixedWindow(guarded GuardedKV) FixedWindow {
	return FixedWindow{kv: guarded}
}

// Allow checks and records one request against key, admitting up to limit
// requests per window.
func (f FixedWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	n, degraded, err := f.kv.Incr(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("incrementing rate-limit key %s: %w", key, err)
	}
	if degraded {
		return Decision{Allowed: true, Degraded: true}, nil
	}

	if n == 1 {
		if _, err := f.kv.Expire(ctx, key, window); err != nil {
			return Decision{}, fmt.Errorf("setting expiry for rate-limit key %s: %w", key, err)
		}
	}

	ttl, _, _ := f.kv.TTL(ctx, key)
	resetAt := time.Now().Add(ttl)

	remaining := limit - int(n)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   int(n) <= limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// SlidingWindow stores a JSON-encoded list of request timestamps per key,
// trimmed to [now-window, now] on every check (spec §4.H).
type SlidingWindow struct {
	kv GuardedKV
}

// NewSlidingWindow builds a SlidingWindow limiter over a guarded KV service.
func NewSlidingWindow(guarded GuardedKV) SlidingWindow {
	return SlidingWindow{kv: guarded}
}

func (s SlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := time.Now()
	raw, degraded, err := s.kv.Get(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("reading sliding window key %s: %w", key, err)
	}
	if degraded {
		return Decision{Allowed: true, Degraded: true}, nil
	}

	var timestamps []int64
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &timestamps); err != nil {
			timestamps = nil
		}
	}

	cutoff := now.Add(-window).UnixMilli()
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}

	allowed := len(kept) < limit
	if allowed {
		kept = append(kept, now.UnixMilli())
	}

	encoded, err := json.Marshal(kept)
	if err != nil {
		return Decision{}, fmt.Errorf("encoding sliding window: %w", err)
	}

	if _, err := s.kv.SetEX(ctx, key, string(encoded), window); err != nil {
		return Decision{}, fmt.Errorf("writing sliding window key %s: %w", key, err)
	}

	remaining := limit - len(kept)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}, nil
}
