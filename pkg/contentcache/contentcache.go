// Package contentcache implements the Content Cache Entry of spec §3/§4.D:
// a TTL-bounded, write-through memoization of fetched pages keyed by
// (siteId, dayBucket), with single-flight fetch coordination so concurrent
// workers targeting the same site on the same day share one network call.
package contentcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

// ttl matches spec §4.D: "Content cache key ... TTL = 24h".
const ttl = 24 * time.Hour

// leaseTTL bounds how long a single-flight lock may be held before another
// reader gives up waiting and retries the fetch itself (spec §4.D: "readers
// block up to the lease TTL then retry").
const leaseTTL = 30 * time.Second

const pollInterval = 200 * time.Millisecond

const keyPrefix = "content:"
const lockPrefix = "content:lock:"

// Key builds the cache key for a (siteId, dayBucket) pair (spec §4.D).
func Key(siteID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, siteID, day.UTC().Format("20060102"))
}

// Fetcher performs the actual network fetch on a cache miss.
type Fetcher func(ctx context.Context) (body []byte, metadata map[string]string, err error)

// Cache is the content cache's hot (internal/kv) path over a durable
// write-through store, grounded on the teacher's Redis-hot/DB-fallback
// deduplication shape (pkg/alert/dedup.go).
type Cache struct {
	kv     kv.Service
	repo   store.ContentCacheRepository
	logger *slog.Logger
}

// New builds a Cache.
func New(kvSvc kv.Service, repo store.ContentCacheRepository, logger *slog.Logger) *Cache {
	return &Cache{kv: kvSvc, repo: repo, logger: logger}
}

// Get looks up a (siteId, dayBucket) entry without fetching on a miss.
func (c *Cache) Get(ctx context.Context, siteID uuid.UUID, day time.Time) (store.ContentCacheEntry, bool, error) {
	return c.get(ctx, Key(siteID, day))
}

func (c *Cache) get(ctx context.Context, key string) (store.ContentCacheEntry, bool, error) {
	if raw, ok, err := c.kv.Get(ctx, key); err != nil {
		c.logger.Warn("content cache hot-path lookup failed, falling back to store", "key", key, "error", err)
	} else if ok {
		var e store.ContentCacheEntry
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			return e, true, nil
		}
		c.logger.Warn("invalid content cache entry, evicting", "key", key)
		_ = c.kv.Del(ctx, key)
	}

	entry, found, err := c.repo.Get(ctx, key)
	if err != nil {
		return store.ContentCacheEntry{}, false, fmt.Errorf("content cache store fallback: %w", err)
	}
	if !found {
		return store.ContentCacheEntry{}, false, nil
	}
	c.warm(ctx, key, entry)
	return entry, true, nil
}

// Fetch returns the cached entry for (siteId, dayBucket) spec §4.B step 1,
// or runs fetch exactly once across concurrent callers (spec §4.D
// single-flight) and populates the cache (spec §4.B step 4).
func (c *Cache) Fetch(ctx context.Context, siteID uuid.UUID, day time.Time, fetch Fetcher) (store.ContentCacheEntry, error) {
	key := Key(siteID, day)

	if entry, found, err := c.get(ctx, key); err != nil {
		return store.ContentCacheEntry{}, err
	} else if found {
		return entry, nil
	}

	lockKey := lockPrefix + key
	token := uuid.New().String()
	acquired, err := c.kv.SetNX(ctx, lockKey, token, leaseTTL)
	if err != nil {
		c.logger.Warn("content cache lock acquisition failed, fetching anyway", "key", key, "error", err)
		acquired = true
	}

	if !acquired {
		return c.awaitFetchOrRetry(ctx, siteID, day, fetch)
	}
	defer func() { _ = c.kv.Del(ctx, lockKey) }()

	body, metadata, err := fetch(ctx)
	if err != nil {
		return store.ContentCacheEntry{}, err
	}

	entry := store.ContentCacheEntry{
		Key:       key,
		SiteID:    siteID,
		Body:      body,
		Metadata:  metadata,
		FetchedAt: time.Now(),
	}
	if err := c.repo.Upsert(ctx, entry); err != nil {
		return store.ContentCacheEntry{}, fmt.Errorf("persisting content cache entry: %w", err)
	}
	c.warm(ctx, key, entry)
	return entry, nil
}

// awaitFetchOrRetry polls for the in-flight fetch to land a cache entry,
// giving up and fetching itself after leaseTTL elapses.
func (c *Cache) awaitFetchOrRetry(ctx context.Context, siteID uuid.UUID, day time.Time, fetch Fetcher) (store.ContentCacheEntry, error) {
	key := Key(siteID, day)
	deadline := time.Now().Add(leaseTTL)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return store.ContentCacheEntry{}, ctx.Err()
		case <-ticker.C:
			if entry, found, err := c.get(ctx, key); err == nil && found {
				return entry, nil
			}
		}
	}
	return c.Fetch(ctx, siteID, day, fetch)
}

func (c *Cache) warm(ctx context.Context, key string, entry store.ContentCacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("marshaling content cache entry", "key", key, "error", err)
		return
	}
	if err := c.kv.SetEX(ctx, key, string(data), ttl); err != nil {
		c.logger.Warn("warming content cache", "key", key, "error", err)
	}
}
