package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/errs"
	"github.com/riclipi/dmca-deepagent-sub002/internal/httpserver"
	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/internal/telemetry"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/abuse"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

// dedupeWindow bounds how long an identical (tenant, brandProfile,
// optionsHash) submission is treated as a repeat of an in-flight request
// (spec §4.A "idempotent ... within a short dedupe window").
const dedupeWindow = 10 * time.Second

// mirrorTTL bounds how long a waiter's key-value mirror survives, well past
// any plausible coordinator restart window (spec §4.A recovery).
const mirrorTTL = 24 * time.Hour

const mirrorKeyPrefix = "queue:waiter:"

// Coordinator is the single in-process admission coordinator of spec §4.A.
// It holds waiter state in memory and mirrors every transition to the
// key-value service so a restarted process can reconstruct waiter order.
type Coordinator struct {
	mu              sync.Mutex
	waiters         waiterHeap
	runningByTenant map[uuid.UUID]int
	runningGlobal   int
	globalCap       int

	completed int
	failed    int

	repo      store.Repositories
	kvSvc     kv.Service
	eta       *etaTracker
	logger    *slog.Logger
	onAdmit   func(ctx context.Context, req store.ScanRequest)
	publisher Publisher
}

// NewCoordinator builds a Coordinator with the given global concurrency cap
// (spec §4.A: "Global cap: configured (default 50)").
func NewCoordinator(repo store.Repositories, kvSvc kv.Service, globalCap int, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		waiters:         waiterHeap{},
		runningByTenant: make(map[uuid.UUID]int),
		globalCap:       globalCap,
		repo:            repo,
		kvSvc:           kvSvc,
		eta:             newETATracker(),
		logger:          logger,
	}
}

// SetOnAdmit registers a callback invoked every time a request transitions
// into the Processing state, whether immediately at Enqueue or later via
// admitReady. internal/app wires this to start the Scan Agent Runtime
// (Component B) for the admitted request.
func (c *Coordinator) SetOnAdmit(fn func(ctx context.Context, req store.ScanRequest)) {
	c.onAdmit = fn
}

// SetPublisher wires p as the destination for the coordinator's queue:update
// and queue:stats progress events (spec §4.G catalog). A nil p (the default)
// leaves publishing as a no-op.
func (c *Coordinator) SetPublisher(p Publisher) {
	c.publisher = p
}

type waiterSnapshot struct {
	QueueID        uuid.UUID `json:"queue_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	BrandProfileID uuid.UUID `json:"brand_profile_id"`
	Plan           string    `json:"plan"`
	RequestID      uuid.UUID `json:"request_id"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Demerit        int       `json:"demerit"`
}

// Enqueue implements spec §4.A's public contract: admits immediately when
// capacity allows, otherwise enqueues as a priority waiter.
func (c *Coordinator) Enqueue(ctx context.Context, t tenant.Tenant, req store.ScanRequest) (Decision, error) {
	if t.IsBlocked() {
		telemetry.AdmissionOutcomesTotal.WithLabelValues("tenant_blocked").Inc()
		return Decision{}, errs.New(errs.KindAuthorization, errs.CodeTenantBlocked, "tenant is blocked by abuse control")
	}

	if err := req.Options.Validate(); err != nil {
		telemetry.AdmissionOutcomesTotal.WithLabelValues("invalid_options").Inc()
		return Decision{}, errs.Wrap(errs.KindValidation, errs.CodeInvalidOptions, err.Error(), err)
	}
	if fieldErrs := httpserver.Validate(req.Options); len(fieldErrs) > 0 {
		telemetry.AdmissionOutcomesTotal.WithLabelValues("invalid_options").Inc()
		return Decision{}, errs.New(errs.KindValidation, errs.CodeInvalidOptions, fieldErrs[0].Field+": "+fieldErrs[0].Message)
	}

	if _, active, err := c.repo.ScanSessions().ActiveForPair(ctx, t.ID, req.BrandProfileID); err != nil {
		return Decision{}, fmt.Errorf("checking active session for pair: %w", err)
	} else if active {
		telemetry.AdmissionOutcomesTotal.WithLabelValues("duplicate_active").Inc()
		return Decision{}, errs.New(errs.KindConflict, errs.CodeDuplicateActive, "a scan for this brand profile is already active")
	}

	if existing, found, err := c.repo.ScanRequests().FindByOptionsHash(ctx, t.ID, req.BrandProfileID, req.OptionsHash, dedupeWindow); err != nil {
		return Decision{}, fmt.Errorf("checking idempotent dedupe window: %w", err)
	} else if found {
		return c.statusForExistingRequest(ctx, existing)
	}

	c.mu.Lock()
	if c.isQueuedForPairLocked(t.ID, req.BrandProfileID) {
		c.mu.Unlock()
		telemetry.AdmissionOutcomesTotal.WithLabelValues("duplicate_active").Inc()
		return Decision{}, errs.New(errs.KindConflict, errs.CodeDuplicateActive, "a scan for this brand profile is already queued")
	}
	c.mu.Unlock()

	if err := c.repo.ScanRequests().Create(ctx, req); err != nil {
		return Decision{}, fmt.Errorf("persisting scan request: %w", err)
	}

	demerit := abuse.PriorityDemerit(t.AbuseState)
	now := time.Now()

	c.mu.Lock()
	if c.canAdmitLocked(t.ID, t.Plan) {
		c.admitLocked(t.ID, t.Plan)
		c.mu.Unlock()
		telemetry.AdmissionOutcomesTotal.WithLabelValues("processing").Inc()
		c.publishQueueState(ctx)
		if c.onAdmit != nil {
			c.onAdmit(ctx, req)
		}
		return Decision{Status: StatusProcessing, QueueID: req.ID}, nil
	}

	w := &waiter{
		queueID:        req.ID,
		tenantID:       t.ID,
		brandProfileID: req.BrandProfileID,
		plan:           t.Plan,
		request:        req,
		enqueuedAt:     now,
		demerit:        demerit,
	}
	c.waiters.push(w)
	position := c.waiters.positionOf(now, w.queueID)
	effectiveParallelism := c.globalCap
	c.mu.Unlock()

	c.mirror(ctx, w)
	telemetry.AdmissionOutcomesTotal.WithLabelValues("queued").Inc()
	telemetry.QueueDepth.WithLabelValues(string(t.Plan)).Inc()
	c.publishQueueState(ctx)

	eta := c.eta.Estimate(t.Plan, position, effectiveParallelism)
	return Decision{
		Status:           StatusQueued,
		QueueID:          w.queueID,
		Position:         position,
		EstimatedStartAt: now.Add(eta),
	}, nil
}

func (c *Coordinator) statusForExistingRequest(ctx context.Context, existing store.ScanRequest) (Decision, error) {
	if _, active, err := c.repo.ScanSessions().ActiveForPair(ctx, existing.TenantID, existing.BrandProfileID); err == nil && active {
		return Decision{Status: StatusProcessing, QueueID: existing.ID}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	position := c.waiters.positionOf(time.Now(), existing.ID)
	if position > 0 {
		return Decision{Status: StatusQueued, QueueID: existing.ID, Position: position}, nil
	}
	return Decision{Status: StatusProcessing, QueueID: existing.ID}, nil
}

// isQueuedForPairLocked reports whether a waiter for (tenantID,
// brandProfileID) is already in the heap. Caller must hold c.mu.
func (c *Coordinator) isQueuedForPairLocked(tenantID, brandProfileID uuid.UUID) bool {
	for _, w := range c.waiters.items {
		if w.tenantID == tenantID && w.brandProfileID == brandProfileID {
			return true
		}
	}
	return false
}

// canAdmitLocked reports whether tenantID on plan can be admitted given
// current occupancy. Caller must hold c.mu.
func (c *Coordinator) canAdmitLocked(tenantID uuid.UUID, plan tenant.Plan) bool {
	if c.runningGlobal >= c.globalCap {
		return false
	}
	limit := tenant.PerTenantCap(plan)
	if limit == tenant.Unbounded {
		return true
	}
	return c.runningByTenant[tenantID] < limit
}

// admitLocked increments occupancy counters for an admitted tenant. Caller
// must hold c.mu.
func (c *Coordinator) admitLocked(tenantID uuid.UUID, plan tenant.Plan) {
	c.runningGlobal++
	c.runningByTenant[tenantID]++
	telemetry.ActiveScans.WithLabelValues(string(plan)).Inc()
}

// Release is called by the scan agent when a session reaches a terminal
// state, freeing one slot for tenantID and admitting the next eligible
// waiter(s) (spec §4.A: "Each time a slot frees ... it selects the
// highest-priority waiter"). outcome feeds the completed/failed counters of
// the queue:update event (spec §4.G catalog); any non-Completed terminal
// state counts as failed.
func (c *Coordinator) Release(ctx context.Context, tenantID uuid.UUID, plan tenant.Plan, duration time.Duration, outcome store.SessionState) {
	c.eta.Observe(plan, duration)

	c.mu.Lock()
	if c.runningGlobal > 0 {
		c.runningGlobal--
	}
	if c.runningByTenant[tenantID] > 0 {
		c.runningByTenant[tenantID]--
	}
	if outcome == store.SessionCompleted {
		c.completed++
	} else {
		c.failed++
	}
	telemetry.ActiveScans.WithLabelValues(string(plan)).Dec()
	c.mu.Unlock()

	c.publishQueueState(ctx)
	c.admitReady(ctx)
}

// admitReady pops and admits eligible waiters while capacity allows. A
// waiter whose tenant has become Blocked since enqueueing (spec §4.A:
// "not Blocked") is dropped rather than admitted or requeued.
func (c *Coordinator) admitReady(ctx context.Context) {
	for {
		c.mu.Lock()
		now := time.Now()
		w := c.waiters.popBest(now, func(w *waiter) bool {
			return c.canAdmitLocked(w.tenantID, w.plan)
		})
		c.mu.Unlock()
		if w == nil {
			return
		}

		t, err := c.repo.Tenants().Get(ctx, w.tenantID)
		if err == nil && abuse.Refused(t.AbuseState) {
			telemetry.QueueDepth.WithLabelValues(string(w.plan)).Dec()
			c.unmirror(ctx, w.queueID)
			continue
		}
		if err != nil {
			c.logger.Error("loading tenant for admission", "tenant_id", w.tenantID, "error", err)
		}

		c.mu.Lock()
		c.admitLocked(w.tenantID, w.plan)
		c.mu.Unlock()

		telemetry.QueueDepth.WithLabelValues(string(w.plan)).Dec()
		telemetry.AdmissionOutcomesTotal.WithLabelValues("processing").Inc()
		c.unmirror(ctx, w.queueID)
		c.publishQueueState(ctx)
		if c.onAdmit != nil {
			c.onAdmit(ctx, w.request)
		}
	}
}

// Cancel removes a queued waiter for tenantID. Returns false if no such
// waiter exists (already admitted, already cancelled, or unknown).
func (c *Coordinator) Cancel(ctx context.Context, tenantID, queueID uuid.UUID) bool {
	c.mu.Lock()
	w := c.waiters.removeByID(queueID)
	if w == nil || w.tenantID != tenantID {
		if w != nil {
			// Belongs to a different tenant; put it back and report failure.
			c.waiters.push(w)
		}
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	telemetry.QueueDepth.WithLabelValues(string(w.plan)).Dec()
	c.unmirror(ctx, queueID)
	c.publishQueueState(ctx)
	return true
}

// StatusFor implements spec §4.A's StatusFor(tenantId) query.
func (c *Coordinator) StatusFor(tenantID uuid.UUID) StatusFor {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := c.runningByTenant[tenantID]
	queued := 0
	position := 0
	var plan tenant.Plan
	now := time.Now()
	for i, w := range c.waiters.ranked(now) {
		if w.tenantID == tenantID {
			queued++
			if position == 0 {
				position = i + 1
				plan = w.plan
			}
		}
	}

	var waitMs int64
	if position > 0 {
		waitMs = c.eta.Estimate(plan, position, c.globalCap).Milliseconds()
	}

	return StatusFor{Active: active, Queued: queued, Position: position, EstimatedWaitMs: waitMs}
}

func (c *Coordinator) mirror(ctx context.Context, w *waiter) {
	snap := waiterSnapshot{
		QueueID:        w.queueID,
		TenantID:       w.tenantID,
		BrandProfileID: w.brandProfileID,
		Plan:           string(w.plan),
		RequestID:      w.request.ID,
		EnqueuedAt:     w.enqueuedAt,
		Demerit:        w.demerit,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("marshaling queue waiter snapshot", "queue_id", w.queueID, "error", err)
		return
	}
	if err := c.kvSvc.SetEX(ctx, mirrorKeyPrefix+w.queueID.String(), string(data), mirrorTTL); err != nil {
		c.logger.Error("mirroring queue waiter to key-value store", "queue_id", w.queueID, "error", err)
	}
}

func (c *Coordinator) unmirror(ctx context.Context, queueID uuid.UUID) {
	if err := c.kvSvc.Del(ctx, mirrorKeyPrefix+queueID.String()); err != nil {
		c.logger.Error("removing queue waiter mirror", "queue_id", queueID, "error", err)
	}
}

// Restore reconstructs waiter order from the key-value mirror, for use on
// coordinator startup after a restart (spec §4.A "recovery reconstructs
// waiter order from the store"). Occupancy counters (runningByTenant,
// runningGlobal) are rebuilt separately from internal/store's active
// sessions, since those reflect ground truth more durably than the mirror.
func (c *Coordinator) Restore(ctx context.Context) error {
	keys, err := c.kvSvc.Keys(ctx, mirrorKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("listing queue waiter mirrors: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		raw, ok, err := c.kvSvc.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var snap waiterSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			c.logger.Error("decoding queue waiter mirror", "key", key, "error", err)
			continue
		}
		req, err := c.repo.ScanRequests().Get(ctx, snap.RequestID)
		if err != nil {
			c.logger.Error("reloading scan request for restored waiter", "request_id", snap.RequestID, "error", err)
			continue
		}
		c.waiters.push(&waiter{
			queueID:        snap.QueueID,
			tenantID:       snap.TenantID,
			brandProfileID: snap.BrandProfileID,
			plan:           tenant.Plan(snap.Plan),
			request:        req,
			enqueuedAt:     snap.EnqueuedAt,
			demerit:        snap.Demerit,
		})
	}
	return nil
}
