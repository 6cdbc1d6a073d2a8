package scanagent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/classifier"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/contentcache"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/sitescheduler"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/violationcache"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSites struct {
	mu    sync.Mutex
	sites map[uuid.UUID]store.KnownSite
}

func newFakeSites(sites ...store.KnownSite) *fakeSites {
	m := make(map[uuid.UUID]store.KnownSite, len(sites))
	for _, s := range sites {
		m[s.ID] = s
	}
	return &fakeSites{sites: m}
}

func (f *fakeSites) Get(_ context.Context, id uuid.UUID) (store.KnownSite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sites[id], nil
}
func (f *fakeSites) Upsert(_ context.Context, s store.KnownSite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sites[s.ID] = s
	return nil
}
func (f *fakeSites) ListByIDs(_ context.Context, ids []uuid.UUID) ([]store.KnownSite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.KnownSite, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.sites[id])
	}
	return out, nil
}

type fakeSessions struct {
	mu   sync.Mutex
	rows map[uuid.UUID]store.ScanSession
}

func newFakeSessions() *fakeSessions { return &fakeSessions{rows: make(map[uuid.UUID]store.ScanSession)} }

func (f *fakeSessions) Create(_ context.Context, s store.ScanSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.ID] = s
	return nil
}
func (f *fakeSessions) Get(_ context.Context, id uuid.UUID) (store.ScanSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}
func (f *fakeSessions) Update(_ context.Context, s store.ScanSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.ID] = s
	return nil
}
func (f *fakeSessions) ActiveForPair(_ context.Context, _, _ uuid.UUID) (store.ScanSession, bool, error) {
	return store.ScanSession{}, false, nil
}
func (f *fakeSessions) CountActiveForTenant(_ context.Context, _ uuid.UUID) (int, error) { return 0, nil }
func (f *fakeSessions) CountActiveGlobal(_ context.Context) (int, error)                 { return 0, nil }

func (f *fakeSessions) snapshot(id uuid.UUID) store.ScanSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

type fakeViolations struct {
	mu      sync.Mutex
	records []store.ViolationRecord
}

func (f *fakeViolations) Create(_ context.Context, v store.ViolationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, v)
	return nil
}
func (f *fakeViolations) ListBySession(_ context.Context, _ uuid.UUID) ([]store.ViolationRecord, error) {
	return nil, nil
}

type fakeContentCacheRepo struct {
	mu      sync.Mutex
	entries map[string]store.ContentCacheEntry
}

func newFakeContentCacheRepo() *fakeContentCacheRepo {
	return &fakeContentCacheRepo{entries: make(map[string]store.ContentCacheEntry)}
}
func (r *fakeContentCacheRepo) Get(_ context.Context, key string) (store.ContentCacheEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok, nil
}
func (r *fakeContentCacheRepo) Upsert(_ context.Context, e store.ContentCacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Key] = e
	return nil
}

type fakeViolationCacheRepo struct {
	mu      sync.Mutex
	entries map[string]store.ViolationCacheEntry
}

func newFakeViolationCacheRepo() *fakeViolationCacheRepo {
	return &fakeViolationCacheRepo{entries: make(map[string]store.ViolationCacheEntry)}
}
func (r *fakeViolationCacheRepo) Get(_ context.Context, key string) (store.ViolationCacheEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok, nil
}
func (r *fakeViolationCacheRepo) Upsert(_ context.Context, e store.ViolationCacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Key] = e
	return nil
}

type fakeRepo struct {
	sites          *fakeSites
	sessions       *fakeSessions
	violations     *fakeViolations
	contentCache   *fakeContentCacheRepo
	violationCache *fakeViolationCacheRepo
}

func (r *fakeRepo) Tenants() store.TenantRepository                { return nil }
func (r *fakeRepo) BrandProfiles() store.BrandProfileRepository    { return nil }
func (r *fakeRepo) ScanRequests() store.ScanRequestRepository      { return nil }
func (r *fakeRepo) ScanSessions() store.ScanSessionRepository      { return r.sessions }
func (r *fakeRepo) KnownSites() store.KnownSiteRepository          { return r.sites }
func (r *fakeRepo) Violations() store.ViolationRepository          { return r.violations }
func (r *fakeRepo) Ownership() store.OwnershipRepository           { return nil }
func (r *fakeRepo) ContentCache() store.ContentCacheRepository     { return r.contentCache }
func (r *fakeRepo) ViolationCache() store.ViolationCacheRepository { return r.violationCache }

type stubFetcher struct {
	body  []byte
	err   error
	delay time.Duration
}

func (f stubFetcher) FetchPage(_ context.Context, _, _ string, _ time.Duration) ([]byte, map[string]string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.body, map[string]string{"status": "200"}, nil
}

func site(id uuid.UUID) store.KnownSite {
	return store.KnownSite{ID: id, BaseURL: "https://example.com", PerHostCrawlDelay: time.Millisecond}
}

func newTestDeps(sites *fakeSites, sessions *fakeSessions, fetcher PageFetcher) Deps {
	repo := &fakeRepo{
		sites:          sites,
		sessions:       sessions,
		violations:     &fakeViolations{},
		contentCache:   newFakeContentCacheRepo(),
		violationCache: newFakeViolationCacheRepo(),
	}
	return Deps{
		Repo:           repo,
		Scheduler:      sitescheduler.New(2, "test-agent", nil, false),
		ContentCache:   contentcache.New(kv.NewMockService(), repo.contentCache, noopLogger()),
		ViolationCache: violationcache.New(kv.NewMockService(), repo.violationCache, noopLogger()),
		Classifier:     classifier.New(nil),
		Fetcher:        fetcher,
		Logger:         noopLogger(),
		RetryBaseDelay: time.Millisecond,
	}
}

func TestRun_CompletesCleanSession(t *testing.T) {
	s1, s2 := uuid.New(), uuid.New()
	sites := newFakeSites(site(s1), site(s2))
	sessions := newFakeSessions()
	deps := newTestDeps(sites, sessions, stubFetcher{body: []byte("welcome to our store, nothing to see here")})

	sessionID := uuid.New()
	req := store.ScanRequest{ID: uuid.New(), SiteIDs: []uuid.UUID{s1, s2}, Options: store.ScanOptions{MaxConcurrency: 2, Timeout: time.Second}}
	row := store.ScanSession{ID: sessionID, State: store.SessionIdle}

	sess := New(deps, req, store.BrandProfile{}, row)
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := sessions.snapshot(sessionID)
	if final.State != store.SessionCompleted {
		t.Fatalf("expected Completed, got %v", final.State)
	}
	if final.SitesScanned != 2 {
		t.Fatalf("expected 2 sites scanned, got %d", final.SitesScanned)
	}
}

func TestRun_RecordsViolationOnDangerousKeywordHit(t *testing.T) {
	s1 := uuid.New()
	sites := newFakeSites(site(s1))
	sessions := newFakeSessions()
	deps := newTestDeps(sites, sessions, stubFetcher{body: []byte("buy counterfeit goods here")})

	sessionID := uuid.New()
	req := store.ScanRequest{ID: uuid.New(), SiteIDs: []uuid.UUID{s1}, Options: store.ScanOptions{MaxConcurrency: 1, Timeout: time.Second}}
	brand := store.BrandProfile{DangerousKeywords: []string{"counterfeit"}}
	row := store.ScanSession{ID: sessionID, State: store.SessionIdle}

	sess := New(deps, req, brand, row)
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := sessions.snapshot(sessionID)
	if final.ViolationsFound != 1 {
		t.Fatalf("expected 1 violation found, got %d", final.ViolationsFound)
	}
	if final.State != store.SessionCompleted {
		t.Fatalf("expected Completed, got %v", final.State)
	}
}

func TestRun_FailsOnExcessiveErrorRate(t *testing.T) {
	ids := make([]uuid.UUID, 5)
	knownSites := make([]store.KnownSite, 5)
	for i := range ids {
		ids[i] = uuid.New()
		knownSites[i] = site(ids[i])
	}
	sites := newFakeSites(knownSites...)
	sessions := newFakeSessions()
	deps := newTestDeps(sites, sessions, stubFetcher{err: errors.New("connection refused")})
	deps.Scheduler = sitescheduler.New(1, "test-agent", nil, false) // serialize for determinism

	sessionID := uuid.New()
	req := store.ScanRequest{ID: uuid.New(), SiteIDs: ids, Options: store.ScanOptions{MaxConcurrency: 1, Timeout: time.Second}}
	row := store.ScanSession{ID: sessionID, State: store.SessionIdle}

	sess := New(deps, req, store.BrandProfile{}, row)
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := sessions.snapshot(sessionID)
	if final.State != store.SessionFailed {
		t.Fatalf("expected Failed, got %v", final.State)
	}
	if final.FailureReason != "excessive_errors" {
		t.Fatalf("expected excessive_errors reason, got %q", final.FailureReason)
	}
}

func TestSkipRecent_SkipsSiteWithinThreshold(t *testing.T) {
	s1 := uuid.New()
	recent := site(s1)
	recent.LastChecked = time.Now().Add(-time.Minute)
	sites := newFakeSites(recent)
	sessions := newFakeSessions()
	deps := newTestDeps(sites, sessions, stubFetcher{body: []byte("irrelevant, should not be fetched")})

	sessionID := uuid.New()
	req := store.ScanRequest{
		ID:      uuid.New(),
		SiteIDs: []uuid.UUID{s1},
		Options: store.ScanOptions{MaxConcurrency: 1, Timeout: time.Second, SkipRecentlyScanned: true, RecentThreshold: time.Hour},
	}
	row := store.ScanSession{ID: sessionID, State: store.SessionIdle}

	sess := New(deps, req, store.BrandProfile{}, row)
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := sessions.snapshot(sessionID)
	if final.SitesScanned != 1 {
		t.Fatalf("expected skipped-recent site still counted as scanned, got %d", final.SitesScanned)
	}
	if final.State != store.SessionCompleted {
		t.Fatalf("expected Completed, got %v", final.State)
	}
}

func TestPauseResume_BlocksAndReleasesDispatch(t *testing.T) {
	s1, s2 := uuid.New(), uuid.New()
	sites := newFakeSites(site(s1), site(s2))
	sessions := newFakeSessions()
	deps := newTestDeps(sites, sessions, stubFetcher{body: []byte("clean content"), delay: 40 * time.Millisecond})
	deps.Scheduler = sitescheduler.New(1, "test-agent", nil, false) // serialize: site2 waits on the pause gate

	sessionID := uuid.New()
	req := store.ScanRequest{ID: uuid.New(), SiteIDs: []uuid.UUID{s1, s2}, Options: store.ScanOptions{MaxConcurrency: 1, Timeout: time.Second}}
	row := store.ScanSession{ID: sessionID, State: store.SessionIdle}
	sess := New(deps, req, store.BrandProfile{}, row)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	// Pause while the first site is still fetching, before the second is
	// dispatched, so the second site's handleSite blocks on the gate.
	time.Sleep(10 * time.Millisecond)
	if err := sess.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if got := sess.Snapshot().State; got != store.SessionPaused {
		t.Fatalf("expected session still Paused with site2 blocked, got %v", got)
	}

	if err := sess.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete after resume")
	}

	if got := sess.Snapshot().SitesScanned; got != 2 {
		t.Fatalf("expected both sites eventually scanned, got %d", got)
	}
}

// fakePublisher records every event published through it, in order, for
// asserting progress delivery semantics (spec §4.G).
type fakePublisher struct {
	mu     sync.Mutex
	events []struct {
		name    string
		payload map[string]any
	}
}

func (f *fakePublisher) Publish(_ context.Context, _, _, event string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, struct {
		name    string
		payload map[string]any
	}{event, payload})
}

func (f *fakePublisher) sitesScannedSequence() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, e := range f.events {
		if e.name != EventSessionProgress {
			continue
		}
		if n, ok := e.payload["sitesScanned"].(int); ok {
			out = append(out, n)
		}
	}
	return out
}

func TestRun_EmitsNonDecreasingSessionProgress(t *testing.T) {
	ids := make([]uuid.UUID, 3)
	knownSites := make([]store.KnownSite, 3)
	for i := range ids {
		ids[i] = uuid.New()
		knownSites[i] = site(ids[i])
	}
	sites := newFakeSites(knownSites...)
	sessions := newFakeSessions()
	deps := newTestDeps(sites, sessions, stubFetcher{body: []byte("clean content")})
	deps.Scheduler = sitescheduler.New(1, "test-agent", nil, false) // serialize for a deterministic sequence
	pub := &fakePublisher{}
	deps.Publisher = pub

	sessionID := uuid.New()
	req := store.ScanRequest{ID: uuid.New(), SiteIDs: ids, Options: store.ScanOptions{MaxConcurrency: 1, Timeout: time.Second}}
	row := store.ScanSession{ID: sessionID, State: store.SessionIdle, TotalSites: len(ids)}

	sess := New(deps, req, store.BrandProfile{}, row)
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seq := pub.sitesScannedSequence()
	if len(seq) != 3 {
		t.Fatalf("expected 3 session:progress events, got %d: %v", len(seq), seq)
	}
	for i := 1; i < len(seq); i++ {
		if seq[i] < seq[i-1] {
			t.Fatalf("sitesScanned sequence not non-decreasing: %v", seq)
		}
	}
	if seq[len(seq)-1] != 3 {
		t.Fatalf("expected final sitesScanned=3, got %d", seq[len(seq)-1])
	}
}
