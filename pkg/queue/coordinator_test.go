package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/errs"
	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/progress"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRepositories implements store.Repositories with plain in-memory maps,
// sufficient for exercising pkg/queue in isolation.
type fakeRepositories struct {
	tenants      map[uuid.UUID]tenant.Tenant
	requests     map[uuid.UUID]store.ScanRequest
	sessions     map[uuid.UUID]store.ScanSession
	activeByPair map[[2]uuid.UUID]store.ScanSession
}

func newFakeRepositories() *fakeRepositories {
	return &fakeRepositories{
		tenants:      make(map[uuid.UUID]tenant.Tenant),
		requests:     make(map[uuid.UUID]store.ScanRequest),
		sessions:     make(map[uuid.UUID]store.ScanSession),
		activeByPair: make(map[[2]uuid.UUID]store.ScanSession),
	}
}

func (f *fakeRepositories) Tenants() store.TenantRepository           { return fakeTenants{f} }
func (f *fakeRepositories) BrandProfiles() store.BrandProfileRepository { return nil }
func (f *fakeRepositories) ScanRequests() store.ScanRequestRepository { return fakeScanRequests{f} }
func (f *fakeRepositories) ScanSessions() store.ScanSessionRepository { return fakeScanSessions{f} }
func (f *fakeRepositories) KnownSites() store.KnownSiteRepository     { return nil }
func (f *fakeRepositories) Violations() store.ViolationRepository     { return nil }
func (f *fakeRepositories) Ownership() store.OwnershipRepository      { return nil }
func (f *fakeRepositories) ContentCache() store.ContentCacheRepository     { return nil }
func (f *fakeRepositories) ViolationCache() store.ViolationCacheRepository { return nil }

type fakeTenants struct{ f *fakeRepositories }

func (t fakeTenants) Get(_ context.Context, id uuid.UUID) (tenant.Tenant, error) {
	return t.f.tenants[id], nil
}
func (t fakeTenants) Create(_ context.Context, tn tenant.Tenant) error {
	t.f.tenants[tn.ID] = tn
	return nil
}
func (t fakeTenants) UpdateAbuse(_ context.Context, id uuid.UUID, score float64, state tenant.AbuseState, lastEventAt time.Time) error {
	tn := t.f.tenants[id]
	tn.AbuseScore, tn.AbuseState, tn.LastActivity = score, state, lastEventAt
	t.f.tenants[id] = tn
	return nil
}
func (t fakeTenants) ListByAbuseState(_ context.Context, states []tenant.AbuseState, staleSince time.Time) ([]tenant.Tenant, error) {
	return nil, nil
}

type fakeScanRequests struct{ f *fakeRepositories }

func (r fakeScanRequests) Create(_ context.Context, req store.ScanRequest) error {
	r.f.requests[req.ID] = req
	return nil
}
func (r fakeScanRequests) Get(_ context.Context, id uuid.UUID) (store.ScanRequest, error) {
	return r.f.requests[id], nil
}
func (r fakeScanRequests) FindByOptionsHash(_ context.Context, tenantID, brandProfileID uuid.UUID, optionsHash string, within time.Duration) (store.ScanRequest, bool, error) {
	return store.ScanRequest{}, false, nil
}

type fakeScanSessions struct{ f *fakeRepositories }

func (s fakeScanSessions) Create(_ context.Context, sess store.ScanSession) error {
	s.f.sessions[sess.ID] = sess
	return nil
}
func (s fakeScanSessions) Get(_ context.Context, id uuid.UUID) (store.ScanSession, error) {
	return s.f.sessions[id], nil
}
func (s fakeScanSessions) Update(_ context.Context, sess store.ScanSession) error {
	s.f.sessions[sess.ID] = sess
	return nil
}
func (s fakeScanSessions) ActiveForPair(_ context.Context, tenantID, brandProfileID uuid.UUID) (store.ScanSession, bool, error) {
	sess, ok := s.f.activeByPair[[2]uuid.UUID{tenantID, brandProfileID}]
	return sess, ok, nil
}
func (s fakeScanSessions) CountActiveForTenant(_ context.Context, tenantID uuid.UUID) (int, error) {
	return 0, nil
}
func (s fakeScanSessions) CountActiveGlobal(_ context.Context) (int, error) { return 0, nil }

func validOptions() store.ScanOptions {
	return store.ScanOptions{MaxConcurrency: 5, Timeout: 30 * time.Second}
}

func newTestCoordinator(globalCap int) (*Coordinator, *fakeRepositories) {
	repo := newFakeRepositories()
	c := NewCoordinator(repo, kv.NewMockService(), globalCap, noopLogger())
	return c, repo
}

func freeTenant(id uuid.UUID, plan tenant.Plan) tenant.Tenant {
	return tenant.Tenant{ID: id, Plan: plan, AbuseState: tenant.AbuseStateClean}
}

func TestEnqueue_AdmitsImmediatelyUnderCapacity(t *testing.T) {
	c, repo := newTestCoordinator(10)
	ctx := context.Background()
	tn := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[tn.ID] = tn

	req := store.ScanRequest{ID: uuid.New(), TenantID: tn.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	decision, err := c.Enqueue(ctx, tn, req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if decision.Status != StatusProcessing {
		t.Fatalf("expected StatusProcessing, got %v", decision.Status)
	}
}

func TestEnqueue_QueuesOverPerTenantCap(t *testing.T) {
	c, repo := newTestCoordinator(100)
	ctx := context.Background()
	tn := freeTenant(uuid.New(), tenant.PlanFree) // cap 1
	repo.tenants[tn.ID] = tn

	first := store.ScanRequest{ID: uuid.New(), TenantID: tn.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	if d, err := c.Enqueue(ctx, tn, first); err != nil || d.Status != StatusProcessing {
		t.Fatalf("first enqueue should admit immediately: %v %v", d, err)
	}

	second := store.ScanRequest{ID: uuid.New(), TenantID: tn.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	d, err := c.Enqueue(ctx, tn, second)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if d.Status != StatusQueued {
		t.Fatalf("expected StatusQueued, got %v", d.Status)
	}
	if d.Position != 1 {
		t.Fatalf("expected position 1, got %d", d.Position)
	}
}

func TestEnqueue_RejectsBlockedTenant(t *testing.T) {
	c, _ := newTestCoordinator(10)
	ctx := context.Background()
	tn := freeTenant(uuid.New(), tenant.PlanBasic)
	tn.AbuseState = tenant.AbuseStateBlocked

	req := store.ScanRequest{ID: uuid.New(), TenantID: tn.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	_, err := c.Enqueue(ctx, tn, req)
	if !errs.Is(err, errs.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestEnqueue_RejectsDuplicateActivePair(t *testing.T) {
	c, repo := newTestCoordinator(10)
	ctx := context.Background()
	tn := freeTenant(uuid.New(), tenant.PlanBasic)
	brandID := uuid.New()
	repo.activeByPair[[2]uuid.UUID{tn.ID, brandID}] = store.ScanSession{State: store.SessionRunning}

	req := store.ScanRequest{ID: uuid.New(), TenantID: tn.ID, BrandProfileID: brandID, Options: validOptions()}
	_, err := c.Enqueue(ctx, tn, req)
	if errs.Code(err) != errs.CodeDuplicateActive {
		t.Fatalf("expected duplicate_active, got %v", err)
	}
}

func TestEnqueue_RejectsInvalidOptions(t *testing.T) {
	c, _ := newTestCoordinator(10)
	ctx := context.Background()
	tn := freeTenant(uuid.New(), tenant.PlanBasic)

	req := store.ScanRequest{ID: uuid.New(), TenantID: tn.ID, BrandProfileID: uuid.New(), Options: store.ScanOptions{MaxConcurrency: 99}}
	_, err := c.Enqueue(ctx, tn, req)
	if errs.Code(err) != errs.CodeInvalidOptions {
		t.Fatalf("expected invalid_options, got %v", err)
	}
}

func TestEnqueue_HigherPlanWeightQueuesAheadDespiteLaterArrival(t *testing.T) {
	c, repo := newTestCoordinator(1) // global cap of 1, force queueing
	ctx := context.Background()

	occupant := freeTenant(uuid.New(), tenant.PlanFree)
	repo.tenants[occupant.ID] = occupant
	occReq := store.ScanRequest{ID: uuid.New(), TenantID: occupant.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	if _, err := c.Enqueue(ctx, occupant, occReq); err != nil {
		t.Fatalf("occupant enqueue: %v", err)
	}

	free := freeTenant(uuid.New(), tenant.PlanFree)
	repo.tenants[free.ID] = free
	freeReq := store.ScanRequest{ID: uuid.New(), TenantID: free.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	freeDecision, err := c.Enqueue(ctx, free, freeReq)
	if err != nil {
		t.Fatalf("free enqueue: %v", err)
	}

	enterprise := freeTenant(uuid.New(), tenant.PlanEnterprise)
	repo.tenants[enterprise.ID] = enterprise
	entReq := store.ScanRequest{ID: uuid.New(), TenantID: enterprise.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	entDecision, err := c.Enqueue(ctx, enterprise, entReq)
	if err != nil {
		t.Fatalf("enterprise enqueue: %v", err)
	}

	freePos := c.StatusFor(free.ID).Position
	if entDecision.Position >= freePos {
		t.Fatalf("expected enterprise waiter ahead of free waiter, got enterprise=%d free=%d (free was %d on arrival)", entDecision.Position, freePos, freeDecision.Position)
	}
}

func TestRelease_AdmitsNextQueuedWaiter(t *testing.T) {
	c, repo := newTestCoordinator(1)
	ctx := context.Background()

	occupant := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[occupant.ID] = occupant
	occReq := store.ScanRequest{ID: uuid.New(), TenantID: occupant.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	if _, err := c.Enqueue(ctx, occupant, occReq); err != nil {
		t.Fatalf("occupant enqueue: %v", err)
	}

	waiting := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[waiting.ID] = waiting
	waitReq := store.ScanRequest{ID: uuid.New(), TenantID: waiting.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	decision, err := c.Enqueue(ctx, waiting, waitReq)
	if err != nil || decision.Status != StatusQueued {
		t.Fatalf("expected waiting tenant to be queued: %v %v", decision, err)
	}

	c.Release(ctx, occupant.ID, occupant.Plan, 5*time.Second, store.SessionCompleted)

	status := c.StatusFor(waiting.ID)
	if status.Active != 1 || status.Queued != 0 {
		t.Fatalf("expected waiting tenant admitted after release, got %+v", status)
	}
}

func TestCancel_RemovesQueuedWaiter(t *testing.T) {
	c, repo := newTestCoordinator(1)
	ctx := context.Background()

	occupant := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[occupant.ID] = occupant
	occReq := store.ScanRequest{ID: uuid.New(), TenantID: occupant.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	if _, err := c.Enqueue(ctx, occupant, occReq); err != nil {
		t.Fatalf("occupant enqueue: %v", err)
	}

	waiting := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[waiting.ID] = waiting
	waitReq := store.ScanRequest{ID: uuid.New(), TenantID: waiting.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	decision, err := c.Enqueue(ctx, waiting, waitReq)
	if err != nil {
		t.Fatalf("waiting enqueue: %v", err)
	}

	if ok := c.Cancel(ctx, waiting.ID, decision.QueueID); !ok {
		t.Fatal("expected cancel to succeed")
	}
	status := c.StatusFor(waiting.ID)
	if status.Queued != 0 {
		t.Fatalf("expected no queued entries after cancel, got %+v", status)
	}
}

func TestCancel_RefusesWrongTenant(t *testing.T) {
	c, repo := newTestCoordinator(1)
	ctx := context.Background()

	occupant := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[occupant.ID] = occupant
	occReq := store.ScanRequest{ID: uuid.New(), TenantID: occupant.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	if _, err := c.Enqueue(ctx, occupant, occReq); err != nil {
		t.Fatalf("occupant enqueue: %v", err)
	}

	waiting := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[waiting.ID] = waiting
	waitReq := store.ScanRequest{ID: uuid.New(), TenantID: waiting.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	decision, err := c.Enqueue(ctx, waiting, waitReq)
	if err != nil {
		t.Fatalf("waiting enqueue: %v", err)
	}

	if ok := c.Cancel(ctx, uuid.New(), decision.QueueID); ok {
		t.Fatal("expected cancel by wrong tenant to fail")
	}
}

// fakePublisher records every event published through it, for asserting the
// admission coordinator emits queue:update on the catalog's transition
// points (spec §4.G).
type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) Publish(_ context.Context, namespace, room, event string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakePublisher) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestEnqueue_PublishesQueueUpdate(t *testing.T) {
	c, repo := newTestCoordinator(10)
	pub := &fakePublisher{}
	c.SetPublisher(pub)
	ctx := context.Background()

	tn := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[tn.ID] = tn
	req := store.ScanRequest{ID: uuid.New(), TenantID: tn.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	if _, err := c.Enqueue(ctx, tn, req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if got := pub.count(progress.EventQueueUpdate); got == 0 {
		t.Fatal("expected at least one queue:update event on immediate admission")
	}
	if got := pub.count(progress.EventQueueStats); got == 0 {
		t.Fatal("expected at least one queue:stats event on immediate admission")
	}
}

func TestRelease_PublishesQueueUpdateWithOutcome(t *testing.T) {
	c, repo := newTestCoordinator(1)
	pub := &fakePublisher{}
	c.SetPublisher(pub)
	ctx := context.Background()

	occupant := freeTenant(uuid.New(), tenant.PlanBasic)
	repo.tenants[occupant.ID] = occupant
	occReq := store.ScanRequest{ID: uuid.New(), TenantID: occupant.ID, BrandProfileID: uuid.New(), Options: validOptions()}
	if _, err := c.Enqueue(ctx, occupant, occReq); err != nil {
		t.Fatalf("occupant enqueue: %v", err)
	}

	before := pub.count(progress.EventQueueUpdate)
	c.Release(ctx, occupant.ID, occupant.Plan, time.Second, store.SessionCompleted)
	if got := pub.count(progress.EventQueueUpdate); got <= before {
		t.Fatal("expected Release to publish an additional queue:update event")
	}
	if c.completed != 1 || c.failed != 0 {
		t.Fatalf("expected completed=1 failed=0, got completed=%d failed=%d", c.completed, c.failed)
	}
}
