package contentcache

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memRepo struct {
	entries map[string]store.ContentCacheEntry
}

func newMemRepo() *memRepo { return &memRepo{entries: make(map[string]store.ContentCacheEntry)} }

func (r *memRepo) Get(_ context.Context, key string) (store.ContentCacheEntry, bool, error) {
	e, ok := r.entries[key]
	return e, ok, nil
}

func (r *memRepo) Upsert(_ context.Context, e store.ContentCacheEntry) error {
	r.entries[e.Key] = e
	return nil
}

func TestFetch_CallsFetcherOnceOnMiss(t *testing.T) {
	c := New(kv.NewMockService(), newMemRepo(), noopLogger())
	ctx := context.Background()
	siteID := uuid.New()
	day := time.Now()

	var calls int32
	fetch := func(context.Context) ([]byte, map[string]string, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("hello"), map[string]string{"status": "200"}, nil
	}

	entry, err := c.Fetch(ctx, siteID, day, fetch)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(entry.Body) != "hello" {
		t.Fatalf("unexpected body: %q", entry.Body)
	}

	entry2, err := c.Fetch(ctx, siteID, day, fetch)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if string(entry2.Body) != "hello" {
		t.Fatalf("unexpected body on cache hit: %q", entry2.Body)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected fetcher called once, got %d", calls)
	}
}

func TestGet_MissReturnsFalse(t *testing.T) {
	c := New(kv.NewMockService(), newMemRepo(), noopLogger())
	_, found, err := c.Get(context.Background(), uuid.New(), time.Now())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected miss on empty cache")
	}
}

func TestGet_FallsBackToStoreAndWarmsCache(t *testing.T) {
	repo := newMemRepo()
	siteID := uuid.New()
	day := time.Now()
	key := Key(siteID, day)
	repo.entries[key] = store.ContentCacheEntry{Key: key, SiteID: siteID, Body: []byte("from-store"), FetchedAt: time.Now()}

	kvSvc := kv.NewMockService()
	c := New(kvSvc, repo, noopLogger())

	entry, found, err := c.Get(context.Background(), siteID, day)
	if err != nil || !found {
		t.Fatalf("expected store fallback hit: found=%v err=%v", found, err)
	}
	if string(entry.Body) != "from-store" {
		t.Fatalf("unexpected body: %q", entry.Body)
	}

	raw, ok, err := kvSvc.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected hot cache warmed after store fallback: ok=%v err=%v", ok, err)
	}
	if raw == "" {
		t.Fatal("expected non-empty warmed cache value")
	}
}
