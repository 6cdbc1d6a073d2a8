package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
	"github.com/riclipi/dmca-deepagent-sub002/internal/telemetry"
)

// GuardedKV wraps internal/kv.Service with a circuit breaker so the limiters
// in this package fail open instead of blocking admission when the backing
// key-value service is unavailable (spec §4.H): Closed -> Open after 5
// consecutive failures, Open -> HalfOpen after 60s, HalfOpen -> Closed after
// 3 consecutive successes in HalfOpen.
type GuardedKV struct {
	svc kv.Service
	cb  *gobreaker.CircuitBreaker
}

// slowCallThreshold marks a call "degraded" for observability even when it
// succeeds; per spec §4.H this never trips the breaker on its own.
const slowCallThreshold = time.Second

// NewGuardedKV builds a GuardedKV over svc.
func NewGuardedKV(svc kv.Service) GuardedKV {
	settings := gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 3,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			telemetry.CircuitBreakerState.Set(stateValue(to))
		},
	}
	return GuardedKV{svc: svc, cb: gobreaker.NewCircuitBreaker(settings)}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func isOpenState(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

type getResult struct {
	value string
	ok    bool
}

// Get reads key through the breaker. degraded is true when the breaker is
// open (or rejecting half-open probes) or the call exceeded the latency
// budget; in the open case value is "" and the caller should fail open.
func (g GuardedKV) Get(ctx context.Context, key string) (value string, degraded bool, err error) {
	start := time.Now()
	out, cbErr := g.cb.Execute(func() (interface{}, error) {
		v, ok, err := g.svc.Get(ctx, key)
		return getResult{value: v, ok: ok}, err
	})
	if cbErr != nil {
		if isOpenState(cbErr) {
			return "", true, nil
		}
		return "", false, cbErr
	}
	res := out.(getResult)
	return res.value, slow(start), nil
}

// SetEX writes key through the breaker.
func (g GuardedKV) SetEX(ctx context.Context, key, value string, ttl time.Duration) (degraded bool, err error) {
	start := time.Now()
	_, cbErr := g.cb.Execute(func() (interface{}, error) {
		return nil, g.svc.SetEX(ctx, key, value, ttl)
	})
	if cbErr != nil {
		if isOpenState(cbErr) {
			return true, nil
		}
		return false, cbErr
	}
	return slow(start), nil
}

// Incr increments key through the breaker.
func (g GuardedKV) Incr(ctx context.Context, key string) (n int64, degraded bool, err error) {
	start := time.Now()
	out, cbErr := g.cb.Execute(func() (interface{}, error) {
		return g.svc.Incr(ctx, key)
	})
	if cbErr != nil {
		if isOpenState(cbErr) {
			return 0, true, nil
		}
		return 0, false, cbErr
	}
	return out.(int64), slow(start), nil
}

// Expire sets a TTL on key through the breaker.
func (g GuardedKV) Expire(ctx context.Context, key string, ttl time.Duration) (degraded bool, err error) {
	start := time.Now()
	_, cbErr := g.cb.Execute(func() (interface{}, error) {
		return nil, g.svc.Expire(ctx, key, ttl)
	})
	if cbErr != nil {
		if isOpenState(cbErr) {
			return true, nil
		}
		return false, cbErr
	}
	return slow(start), nil
}

// TTL reads the remaining TTL for key through the breaker.
func (g GuardedKV) TTL(ctx context.Context, key string) (ttl time.Duration, degraded bool, err error) {
	start := time.Now()
	out, cbErr := g.cb.Execute(func() (interface{}, error) {
		return g.svc.TTL(ctx, key)
	})
	if cbErr != nil {
		if isOpenState(cbErr) {
			return 0, true, nil
		}
		return 0, false, cbErr
	}
	return out.(time.Duration), slow(start), nil
}

func slow(start time.Time) bool {
	return time.Since(start) > slowCallThreshold
}
