// Package kv implements the key-value service protocol of spec §6: opaque
// text values with GET, SET EX, INCR, EXPIRE, TTL, DEL, and KEYS pattern
// operations. A Redis-backed implementation is the production path; an
// in-process mock satisfies the "if absent in non-production" clause so the
// rest of the module (pkg/ratelimit, pkg/queue, pkg/contentcache,
// pkg/violationcache) can run against a single interface regardless of
// deployment.
package kv

import (
	"context"
	"time"
)

// Service is the key-value protocol every component depends on. Every
// method is a single round trip; callers compose higher-level behavior
// (single-flight leases, sliding windows) on top of it.
type Service interface {
	// Get returns the value for key, or ("", false, nil) if it does not
	// exist or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// SetEX sets key to value with the given TTL.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets key to value with the given TTL only if it does not
	// already exist. Returns true if the value was set. Used for
	// single-flight lease acquisition (spec §4.D).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments key by 1, creating it at 1 if absent, and
	// returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on an existing key. A no-op if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time-to-live for key, or 0 if it has none
	// or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Del removes key. A no-op if the key is absent.
	Del(ctx context.Context, key string) error

	// Keys returns all keys matching a glob-style pattern (as accepted by
	// the underlying backend — `*` and `?` wildcards).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies connectivity to the backing service.
	Ping(ctx context.Context) error
}
