// Package scanagent implements the Scan Agent Runtime of spec §4.B: a
// session state machine that drives a per-site pipeline across the sites
// of an admitted Scan Request, farming concurrency and host politeness out
// to pkg/sitescheduler.
package scanagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/errs"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/internal/telemetry"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/classifier"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/contentcache"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/sitescheduler"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/violationcache"
)

// excessiveErrorRate is the error-to-sites-scanned ratio above which a
// session is auto-failed (spec §4.B "Failure semantics").
const excessiveErrorRate = 0.2

// violationConfidenceThreshold is the default τ below which a classified
// violation is not recorded (spec §4.B step 6).
const violationConfidenceThreshold = 0.6

// Deps bundles the collaborators a Session needs. All fields are required
// except Publisher, which degrades to a no-op when nil.
type Deps struct {
	Repo           store.Repositories
	Scheduler      *sitescheduler.Scheduler
	ContentCache   *contentcache.Cache
	ViolationCache *violationcache.Cache
	Classifier     *classifier.Pipeline
	Fetcher        PageFetcher
	Publisher      Publisher
	Logger         *slog.Logger

	// RetryBaseDelay overrides DefaultRetryBaseDelay. Zero keeps the
	// spec-mandated default; tests shrink it to keep runs fast.
	RetryBaseDelay time.Duration
}

// Session drives one Scan Session through the state machine of spec §4.B:
// Idle → Running ↔ Paused → Completed | Failed | Cancelled.
type Session struct {
	deps Deps

	req   store.ScanRequest
	brand store.BrandProfile

	mu  sync.Mutex
	row store.ScanSession

	cancel    context.CancelFunc
	pauseGate chan struct{} // closed while running; unclosed while paused
}

// New builds a Session for an already-persisted, Idle ScanSession row.
func New(deps Deps, req store.ScanRequest, brand store.BrandProfile, row store.ScanSession) *Session {
	gate := make(chan struct{})
	close(gate) // open: not paused
	return &Session{deps: deps, req: req, brand: brand, row: row, pauseGate: gate}
}

// Run drives the session to a terminal state and always returns nil. A
// failure to load the sites fails the session with that reason; per-site
// failures never propagate as a returned error either; they're reflected
// in the session's error counters and FailureReason instead.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.transition(ctx, store.SessionRunning, func(row *store.ScanSession) {
		row.StartedAt = time.Now()
	})

	sites, err := s.deps.Repo.KnownSites().ListByIDs(ctx, s.req.SiteIDs)
	if err != nil {
		s.fail(ctx, fmt.Sprintf("loading known sites: %v", err))
		return nil
	}

	s.mutate(ctx, func(row *store.ScanSession) {
		row.TotalSites = len(sites)
	})

	for _, site := range sites {
		if s.skipRecent(site) {
			s.handleSkippedRecent(ctx, site)
			continue
		}
		s.deps.Scheduler.Add(site)
	}

	runErr := s.deps.Scheduler.Run(ctx, s.handleSite)

	s.finalize(ctx, runErr)
	return nil
}

// Pause transitions a Running session to Paused, blocking further site
// dispatch until Resume is called. On any other state it returns a conflict
// error and changes nothing.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.row.State != store.SessionRunning {
		s.mu.Unlock()
		return errs.New(errs.KindConflict, errs.CodeSessionNotFound, "session is not running")
	}
	s.row.State = store.SessionPaused
	s.row.PausedAt = time.Now()
	s.pauseGate = make(chan struct{}) // new, unclosed gate blocks workers
	snapshot := s.row
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	publish(ctx, s.deps.Publisher, snapshot.ID.String(), EventSessionState, map[string]any{"state": string(snapshot.State)})
	return nil
}

// Resume transitions a Paused session back to Running, releasing blocked
// workers. On any other state it returns a conflict error and changes
// nothing.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.row.State != store.SessionPaused {
		s.mu.Unlock()
		return errs.New(errs.KindConflict, errs.CodeSessionNotFound, "session is not paused")
	}
	s.row.State = store.SessionRunning
	s.row.ResumedAt = time.Now()
	gate := s.pauseGate
	snapshot := s.row
	s.mu.Unlock()

	close(gate)
	s.persist(ctx, snapshot)
	publish(ctx, s.deps.Publisher, snapshot.ID.String(), EventSessionState, map[string]any{"state": string(snapshot.State)})
	return nil
}

// Cancel requests cancellation of an in-flight session. Sites already
// dispatched see the cancelled context; no new sites are dispatched.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current state of the underlying ScanSession row.
func (s *Session) Snapshot() store.ScanSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.row
}

func (s *Session) skipRecent(site store.KnownSite) bool {
	if !s.req.Options.SkipRecentlyScanned || site.LastChecked.IsZero() {
		return false
	}
	return time.Since(site.LastChecked) < s.req.Options.RecentThreshold
}

func (s *Session) handleSkippedRecent(ctx context.Context, site store.KnownSite) {
	s.mutate(ctx, func(row *store.ScanSession) {
		row.SitesScanned++
	})
	publish(ctx, s.deps.Publisher, s.row.ID.String(), EventSiteSkippedRecent, map[string]any{
		"site_id": site.ID.String(),
	})
}

// handleSite is the per-site pipeline of spec §4.B, invoked by the
// sitescheduler as a sitescheduler.Handler.
func (s *Session) handleSite(ctx context.Context, site store.KnownSite) error {
	if err := s.waitWhilePaused(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.row.CurrentSite = site.ID
	s.mu.Unlock()

	if site.BlockedByRobots {
		s.finishSite(ctx, nil)
		if err := s.deps.Repo.KnownSites().Upsert(ctx, site); err != nil {
			s.deps.Logger.Warn("persisting robots-blocked site", "site_id", site.ID, "error", err)
		}
		publish(ctx, s.deps.Publisher, s.row.ID.String(), EventSiteBlockedByRobots, map[string]any{"site_id": site.ID.String()})
		return nil
	}

	day := time.Now()
	entry, err := s.deps.ContentCache.Fetch(ctx, site.ID, day, func(ctx context.Context) ([]byte, map[string]string, error) {
		var body []byte
		var meta map[string]string
		fetchErr := withRetry(ctx, s.deps.RetryBaseDelay, func(ctx context.Context) error {
			var innerErr error
			body, meta, innerErr = s.deps.Fetcher.FetchPage(ctx, site.BaseURL, s.deps.Scheduler.UserAgent(), s.req.Options.Timeout)
			return innerErr
		})
		return body, meta, fetchErr
	})
	if err != nil {
		telemetry.FetchErrorsTotal.WithLabelValues("fetch_failed").Inc()
		s.finishSite(ctx, err)
		return nil
	}

	classifyErr := s.classifyAndRecord(ctx, site, entry)
	s.finishSite(ctx, classifyErr)
	return nil
}

// finishSite records the single sitesScanned increment for one pipeline
// pass, attributing an error if one occurred, and halts the session if the
// error rate crosses the excessive-errors threshold (spec §4.B).
func (s *Session) finishSite(ctx context.Context, siteErr error) {
	s.mutate(ctx, func(row *store.ScanSession) {
		row.SitesScanned++
		if siteErr != nil {
			row.ErrorCount++
			row.LastError = siteErr.Error()
		}
	})

	s.mu.Lock()
	errorCount := s.row.ErrorCount
	sitesScanned := s.row.SitesScanned
	totalSites := s.row.TotalSites
	violationsFound := s.row.ViolationsFound
	currentSite := s.row.CurrentSite
	sessionID := s.row.ID
	s.mu.Unlock()

	percent := 0.0
	if totalSites > 0 {
		percent = float64(sitesScanned) / float64(totalSites) * 100
	}
	publish(ctx, s.deps.Publisher, sessionID.String(), EventSessionProgress, map[string]any{
		"sessionId":       sessionID.String(),
		"sitesScanned":    sitesScanned,
		"totalSites":      totalSites,
		"violationsFound": violationsFound,
		"currentSite":     currentSite.String(),
		"percent":         percent,
	})

	if sitesScanned > 0 && float64(errorCount)/float64(sitesScanned) > excessiveErrorRate {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (s *Session) classifyAndRecord(ctx context.Context, site store.KnownSite, entry store.ContentCacheEntry) error {
	urlFP := violationcache.URLFingerprint(site.BaseURL)
	kwFP := violationcache.KeywordSetFingerprint(append(append([]string{}, s.brand.SafeKeywords...), append(s.brand.ModerateKeywords, s.brand.DangerousKeywords...)...))

	result, err := s.deps.ViolationCache.Classify(ctx, urlFP, kwFP, func(ctx context.Context) (store.Classification, error) {
		return s.deps.Classifier.Classify(ctx, classifier.Input{
			URL:     site.BaseURL,
			Body:    string(entry.Body),
			Profile: s.brand,
		})
	})
	if err != nil {
		return err
	}

	observation := 0.0
	if result.IsViolation && result.Confidence >= violationConfidenceThreshold {
		observation = 1.0
		s.recordViolation(ctx, site, result)
	}

	site.RiskScore = sitescheduler.UpdateRiskScore(site.RiskScore, observation)
	site.LastChecked = time.Now()
	if observation == 1.0 {
		site.TotalViolations++
	}
	if err := s.deps.Repo.KnownSites().Upsert(ctx, site); err != nil {
		s.deps.Logger.Warn("updating known site after classification", "site_id", site.ID, "error", err)
	}
	return nil
}

func (s *Session) recordViolation(ctx context.Context, site store.KnownSite, result store.Classification) {
	record := store.ViolationRecord{
		ID:         uuid.New(),
		SessionID:  s.row.ID,
		SiteID:     site.ID,
		URL:        site.BaseURL,
		Method:     result.Method,
		RiskLevel:  result.RiskLevel,
		Confidence: result.Confidence,
		DetectedAt: time.Now(),
	}
	if err := s.deps.Repo.Violations().Create(ctx, record); err != nil {
		s.deps.Logger.Error("persisting violation record", "site_id", site.ID, "error", err)
		return
	}

	telemetry.ViolationsFoundTotal.WithLabelValues(string(result.RiskLevel)).Inc()
	s.mutate(ctx, func(row *store.ScanSession) { row.ViolationsFound++ })
	publish(ctx, s.deps.Publisher, s.row.ID.String(), EventViolationDetected, map[string]any{
		"site_id":    site.ID.String(),
		"risk_level": string(result.RiskLevel),
		"confidence": result.Confidence,
	})
}

func (s *Session) waitWhilePaused(ctx context.Context) error {
	s.mu.Lock()
	gate := s.pauseGate
	s.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalize determines the terminal state once the scheduler drains, and
// persists it.
func (s *Session) finalize(ctx context.Context, runErr error) {
	s.mu.Lock()
	if s.row.State.Terminal() {
		s.mu.Unlock()
		return
	}
	errorCount, sitesScanned := s.row.ErrorCount, s.row.SitesScanned
	s.mu.Unlock()

	switch {
	case sitesScanned > 0 && float64(errorCount)/float64(sitesScanned) > excessiveErrorRate:
		s.fail(ctx, "excessive_errors")
	case runErr != nil:
		s.transition(ctx, store.SessionCancelled, func(row *store.ScanSession) {
			row.CompletedAt = time.Now()
		})
	default:
		s.transition(ctx, store.SessionCompleted, func(row *store.ScanSession) {
			row.CompletedAt = time.Now()
		})
	}

	s.mu.Lock()
	startedAt, completedAt, state := s.row.StartedAt, s.row.CompletedAt, s.row.State
	s.mu.Unlock()
	if !startedAt.IsZero() && !completedAt.IsZero() {
		telemetry.ScanSessionDuration.WithLabelValues(string(state)).Observe(completedAt.Sub(startedAt).Seconds())
	}
}

func (s *Session) fail(ctx context.Context, reason string) {
	s.transition(ctx, store.SessionFailed, func(row *store.ScanSession) {
		row.FailureReason = reason
		row.CompletedAt = time.Now()
	})
}

// transition applies mutate (which must include the new State) only if
// the session is not already terminal, then persists and publishes.
func (s *Session) transition(ctx context.Context, newState store.SessionState, mutate func(*store.ScanSession)) {
	s.mu.Lock()
	if s.row.State.Terminal() {
		s.mu.Unlock()
		return
	}
	s.row.State = newState
	mutate(&s.row)
	snapshot := s.row
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	publish(ctx, s.deps.Publisher, snapshot.ID.String(), EventSessionState, map[string]any{"state": string(snapshot.State)})
}

// mutate applies fn to the session row under lock, then persists the
// resulting snapshot outside the lock.
func (s *Session) mutate(ctx context.Context, fn func(*store.ScanSession)) {
	s.mu.Lock()
	if s.row.State.Terminal() {
		s.mu.Unlock()
		return
	}
	fn(&s.row)
	snapshot := s.row
	s.mu.Unlock()

	s.persist(ctx, snapshot)
}

func (s *Session) persist(ctx context.Context, snapshot store.ScanSession) {
	if err := s.deps.Repo.ScanSessions().Update(ctx, snapshot); err != nil {
		s.deps.Logger.Error("persisting scan session", "session_id", snapshot.ID, "error", err)
	}
}
