// Package store defines the durable entities of spec §3 and the repository
// interfaces the domain packages depend on. internal/store/postgres.go
// provides the pgx-backed production implementation; tests substitute
// in-memory fakes built directly against these interfaces.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

// BrandProfile is a monitored identity belonging to a tenant (spec §3).
type BrandProfile struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	Name              string
	Description       string
	OfficialURLs      []string
	SafeKeywords      []string
	ModerateKeywords  []string
	DangerousKeywords []string
	CreatedAt         time.Time
}

// DisjointKeywords reports whether the three keyword sets are pairwise
// disjoint (spec §3 invariant, spec §8 property 6).
func (b BrandProfile) DisjointKeywords() bool {
	seen := make(map[string]string, len(b.SafeKeywords)+len(b.ModerateKeywords)+len(b.DangerousKeywords))
	sets := map[string][]string{"safe": b.SafeKeywords, "moderate": b.ModerateKeywords, "dangerous": b.DangerousKeywords}
	for set, words := range sets {
		for _, w := range words {
			if prior, ok := seen[w]; ok && prior != set {
				return false
			}
			seen[w] = set
		}
	}
	return true
}

// ScanOptions bounds the admission-time request options (spec §3 "Scan
// Request", spec §6 invalid_options). MaxConcurrency and Timeout are
// unconditional bounds enforced declaratively at the HTTP boundary via
// internal/httpserver.DecodeAndValidate's duration_range tag; RecentThreshold
// is conditional on SkipRecentlyScanned and so is checked by Validate below,
// which a struct tag cannot express.
type ScanOptions struct {
	RespectRobots         bool
	MaxConcurrency        int           `validate:"gte=1,lte=10"`
	Timeout               time.Duration `validate:"duration_range=5s-60s"`
	ScreenshotOnViolation bool
	SkipRecentlyScanned   bool
	RecentThreshold       time.Duration
}

// Validate enforces the cross-field bound of spec §3 that struct tags can't
// express: RecentThreshold only matters, and is only bounded, when
// SkipRecentlyScanned is set.
func (o ScanOptions) Validate() error {
	if o.SkipRecentlyScanned && (o.RecentThreshold < time.Hour || o.RecentThreshold > 168*time.Hour) {
		return errOption("recent_threshold must be in [1h,168h]")
	}
	return nil
}

type optionError string

func (e optionError) Error() string { return string(e) }
func errOption(msg string) error    { return optionError(msg) }

// ScanRequest is an intent to scan (spec §3).
type ScanRequest struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	BrandProfileID uuid.UUID
	SiteIDs        []uuid.UUID
	Options        ScanOptions
	OptionsHash    string
	CreatedAt      time.Time
}

// SessionState is a Scan Session's lifecycle state (spec §3, §4.B).
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRunning   SessionState = "running"
	SessionPaused    SessionState = "paused"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
	SessionCancelled SessionState = "cancelled"
)

// Terminal reports whether s is a sticky terminal state (spec §3, §8 prop 2).
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// ScanSession is an admitted scan (spec §3).
type ScanSession struct {
	ID                  uuid.UUID
	RequestID           uuid.UUID
	TenantID            uuid.UUID
	BrandProfileID      uuid.UUID
	State               SessionState
	TotalSites          int
	SitesScanned        int
	ViolationsFound     int
	ErrorCount          int
	CurrentSite         uuid.UUID
	LastError           string
	FailureReason       string
	StartedAt           time.Time
	PausedAt            time.Time
	ResumedAt           time.Time
	CompletedAt         time.Time
	EstimatedCompletion time.Time
}

// KnownSite is a crawl target with accumulated reputation (spec §3).
type KnownSite struct {
	ID                 uuid.UUID
	BaseURL            string
	CanonicalDomain    string
	Category           string
	TotalViolations    int
	RiskScore          float64
	LastChecked        time.Time
	PerHostCrawlDelay  time.Duration
	BlockedByRobots    bool
}

// DetectionMethod is how a Violation Record was classified (spec §3).
type DetectionMethod string

const (
	DetectionKeywordMatch   DetectionMethod = "keyword-match"
	DetectionAIClassify     DetectionMethod = "ai-classification"
	DetectionHybrid         DetectionMethod = "hybrid"
)

// RiskLevel is a Violation Record's severity classification (spec §3).
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ViolationRecord is a detected infringement, immutable once written (spec §3).
type ViolationRecord struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	SiteID     uuid.UUID
	URL        string
	Title      string
	Method     DetectionMethod
	RiskLevel  RiskLevel
	Confidence float64
	Evidence   map[string]any
	DetectedAt time.Time
}

// OwnershipMethod is a proof-of-ownership mechanism (spec §3, §4.F).
type OwnershipMethod string

const (
	OwnershipDNSTXT      OwnershipMethod = "dns-txt"
	OwnershipMetaTag     OwnershipMethod = "meta-tag"
	OwnershipSocialMedia OwnershipMethod = "social-media"
	OwnershipManual      OwnershipMethod = "manual"
)

// OwnershipStatus is a single method's verification state (spec §3).
type OwnershipStatus string

const (
	OwnershipPending              OwnershipStatus = "pending"
	OwnershipVerified             OwnershipStatus = "verified"
	OwnershipFailed               OwnershipStatus = "failed"
	OwnershipManualReviewRequired OwnershipStatus = "manual_review_required"
)

// OwnershipValidation is a per-(brand, method) verification record (spec §3).
type OwnershipValidation struct {
	ID                 uuid.UUID
	BrandProfileID     uuid.UUID
	Method             OwnershipMethod
	Status             OwnershipStatus
	VerificationToken  string
	Score              float64
	ExpiresAt          time.Time
	UpdatedAt          time.Time
}

// ContentCacheEntry is a fingerprinted fetch result, keyed by
// (siteId, dayBucket) (spec §3 "Content Cache Entry", §4.D).
type ContentCacheEntry struct {
	Key       string
	SiteID    uuid.UUID
	Body      []byte
	Metadata  map[string]string
	FetchedAt time.Time
}

// Classification is the outcome of the keyword/AI classification pipeline
// (spec §4.B step 5), cached to dedupe AI calls.
type Classification struct {
	Method      DetectionMethod
	RiskLevel   RiskLevel
	Confidence  float64
	IsViolation bool
}

// ViolationCacheEntry memoizes a classification by
// (urlFingerprint, keywordSetFingerprint) (spec §3 "Violation Cache Entry").
type ViolationCacheEntry struct {
	Key            string
	Classification Classification
	CachedAt       time.Time
}

// ContentCacheRepository is the durable write-through backing for
// pkg/contentcache (spec §4.D).
type ContentCacheRepository interface {
	Get(ctx context.Context, key string) (ContentCacheEntry, bool, error)
	Upsert(ctx context.Context, e ContentCacheEntry) error
}

// ViolationCacheRepository is the durable write-through backing for
// pkg/violationcache (spec §4.D).
type ViolationCacheRepository interface {
	Get(ctx context.Context, key string) (ViolationCacheEntry, bool, error)
	Upsert(ctx context.Context, e ViolationCacheEntry) error
}

// Repositories aggregates every repository interface the domain packages
// need. internal/app wires a concrete *PostgresStore satisfying this.
type Repositories interface {
	Tenants() TenantRepository
	BrandProfiles() BrandProfileRepository
	ScanRequests() ScanRequestRepository
	ScanSessions() ScanSessionRepository
	KnownSites() KnownSiteRepository
	Violations() ViolationRepository
	Ownership() OwnershipRepository
	ContentCache() ContentCacheRepository
	ViolationCache() ViolationCacheRepository
}

type TenantRepository interface {
	Get(ctx context.Context, id uuid.UUID) (tenant.Tenant, error)
	Create(ctx context.Context, t tenant.Tenant) error
	UpdateAbuse(ctx context.Context, id uuid.UUID, score float64, state tenant.AbuseState, lastEventAt time.Time) error
	ListByAbuseState(ctx context.Context, states []tenant.AbuseState, staleSince time.Time) ([]tenant.Tenant, error)
}

type BrandProfileRepository interface {
	Get(ctx context.Context, id uuid.UUID) (BrandProfile, error)
	Create(ctx context.Context, b BrandProfile) error
}

type ScanRequestRepository interface {
	Create(ctx context.Context, r ScanRequest) error
	Get(ctx context.Context, id uuid.UUID) (ScanRequest, error)
	FindByOptionsHash(ctx context.Context, tenantID, brandProfileID uuid.UUID, optionsHash string, within time.Duration) (ScanRequest, bool, error)
}

type ScanSessionRepository interface {
	Create(ctx context.Context, s ScanSession) error
	Get(ctx context.Context, id uuid.UUID) (ScanSession, error)
	Update(ctx context.Context, s ScanSession) error
	ActiveForPair(ctx context.Context, tenantID, brandProfileID uuid.UUID) (ScanSession, bool, error)
	CountActiveForTenant(ctx context.Context, tenantID uuid.UUID) (int, error)
	CountActiveGlobal(ctx context.Context) (int, error)
}

type KnownSiteRepository interface {
	Get(ctx context.Context, id uuid.UUID) (KnownSite, error)
	Upsert(ctx context.Context, s KnownSite) error
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]KnownSite, error)
}

type ViolationRepository interface {
	Create(ctx context.Context, v ViolationRecord) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]ViolationRecord, error)
}

type OwnershipRepository interface {
	Get(ctx context.Context, brandProfileID uuid.UUID, method OwnershipMethod) (OwnershipValidation, bool, error)
	Upsert(ctx context.Context, v OwnershipValidation) error
	ListByBrand(ctx context.Context, brandProfileID uuid.UUID) ([]OwnershipValidation, error)
}
