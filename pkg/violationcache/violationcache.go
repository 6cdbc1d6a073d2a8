// Package violationcache implements the Violation Cache Entry of
// spec §3/§4.D: a TTL-bounded memoization of classification results keyed
// by (urlFingerprint, keywordSetFingerprint), used to dedupe AI
// classification calls (spec §4.B step 5).
package violationcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

// ttl matches spec §4.D: "Violation cache key ... TTL = 7 days".
const ttl = 7 * 24 * time.Hour

const leaseTTL = 30 * time.Second
const pollInterval = 200 * time.Millisecond

const lockPrefix = "viol:lock:"

// URLFingerprint hashes a URL for use in a cache key (spec §4.D
// "viol:{sha256(url)}:...").
func URLFingerprint(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// KeywordSetFingerprint hashes a sorted keyword set (spec §4.D
// "...{sha256(sortedKeywords)}").
func KeywordSetFingerprint(keywords []string) string {
	sorted := append([]string(nil), keywords...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Key builds the cache key for a (urlFingerprint, keywordSetFingerprint) pair.
func Key(urlFingerprint, keywordSetFingerprint string) string {
	return "viol:" + urlFingerprint + ":" + keywordSetFingerprint
}

// Classifier performs the actual keyword/AI classification on a cache miss.
type Classifier func(ctx context.Context) (store.Classification, error)

// Cache is the violation cache's hot (internal/kv) path over a durable
// write-through store, grounded on the same Redis-hot/DB-fallback shape as
// pkg/contentcache (both trace to pkg/alert/dedup.go in the teacher).
type Cache struct {
	kv     kv.Service
	repo   store.ViolationCacheRepository
	logger *slog.Logger
}

// New builds a Cache.
func New(kvSvc kv.Service, repo store.ViolationCacheRepository, logger *slog.Logger) *Cache {
	return &Cache{kv: kvSvc, repo: repo, logger: logger}
}

// Get looks up a classification without running the classifier on a miss.
func (c *Cache) Get(ctx context.Context, urlFingerprint, keywordSetFingerprint string) (store.Classification, bool, error) {
	entry, found, err := c.get(ctx, Key(urlFingerprint, keywordSetFingerprint))
	return entry.Classification, found, err
}

func (c *Cache) get(ctx context.Context, key string) (store.ViolationCacheEntry, bool, error) {
	if raw, ok, err := c.kv.Get(ctx, key); err != nil {
		c.logger.Warn("violation cache hot-path lookup failed, falling back to store", "key", key, "error", err)
	} else if ok {
		var e store.ViolationCacheEntry
		if err := json.Unmarshal([]byte(raw), &e); err == nil {
			return e, true, nil
		}
		c.logger.Warn("invalid violation cache entry, evicting", "key", key)
		_ = c.kv.Del(ctx, key)
	}

	entry, found, err := c.repo.Get(ctx, key)
	if err != nil {
		return store.ViolationCacheEntry{}, false, fmt.Errorf("violation cache store fallback: %w", err)
	}
	if !found {
		return store.ViolationCacheEntry{}, false, nil
	}
	c.warm(ctx, key, entry)
	return entry, true, nil
}

// Classify returns the cached classification for (urlFingerprint,
// keywordSetFingerprint), or runs classify exactly once across concurrent
// callers and caches the result (spec §4.D single-flight).
func (c *Cache) Classify(ctx context.Context, urlFingerprint, keywordSetFingerprint string, classify Classifier) (store.Classification, error) {
	key := Key(urlFingerprint, keywordSetFingerprint)

	if entry, found, err := c.get(ctx, key); err != nil {
		return store.Classification{}, err
	} else if found {
		return entry.Classification, nil
	}

	lockKey := lockPrefix + key
	token := uuid.New().String()
	acquired, err := c.kv.SetNX(ctx, lockKey, token, leaseTTL)
	if err != nil {
		c.logger.Warn("violation cache lock acquisition failed, classifying anyway", "key", key, "error", err)
		acquired = true
	}

	if !acquired {
		return c.awaitClassifyOrRetry(ctx, urlFingerprint, keywordSetFingerprint, classify)
	}
	defer func() { _ = c.kv.Del(ctx, lockKey) }()

	classification, err := classify(ctx)
	if err != nil {
		return store.Classification{}, err
	}

	entry := store.ViolationCacheEntry{Key: key, Classification: classification, CachedAt: time.Now()}
	if err := c.repo.Upsert(ctx, entry); err != nil {
		return store.Classification{}, fmt.Errorf("persisting violation cache entry: %w", err)
	}
	c.warm(ctx, key, entry)
	return classification, nil
}

func (c *Cache) awaitClassifyOrRetry(ctx context.Context, urlFingerprint, keywordSetFingerprint string, classify Classifier) (store.Classification, error) {
	key := Key(urlFingerprint, keywordSetFingerprint)
	deadline := time.Now().Add(leaseTTL)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return store.Classification{}, ctx.Err()
		case <-ticker.C:
			if entry, found, err := c.get(ctx, key); err == nil && found {
				return entry.Classification, nil
			}
		}
	}
	return c.Classify(ctx, urlFingerprint, keywordSetFingerprint, classify)
}

func (c *Cache) warm(ctx context.Context, key string, entry store.ViolationCacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("marshaling violation cache entry", "key", key, "error", err)
		return
	}
	if err := c.kv.SetEX(ctx, key, string(data), ttl); err != nil {
		c.logger.Warn("warming violation cache", "key", key, "error", err)
	}
}
