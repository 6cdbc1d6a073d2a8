package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

// PostgresStore is the pgx-backed implementation of Repositories, grounded
// on the teacher's repository query shapes (pkg/alert/store.go,
// pkg/escalation/store.go) but against a single schema (see DESIGN.md Open
// Question 1) rather than per-tenant search_path switching.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Tenants() TenantRepository             { return tenantRepo{s.pool} }
func (s *PostgresStore) BrandProfiles() BrandProfileRepository { return brandRepo{s.pool} }
func (s *PostgresStore) ScanRequests() ScanRequestRepository   { return scanRequestRepo{s.pool} }
func (s *PostgresStore) ScanSessions() ScanSessionRepository   { return scanSessionRepo{s.pool} }
func (s *PostgresStore) KnownSites() KnownSiteRepository       { return knownSiteRepo{s.pool} }
func (s *PostgresStore) Violations() ViolationRepository       { return violationRepo{s.pool} }
func (s *PostgresStore) Ownership() OwnershipRepository        { return ownershipRepo{s.pool} }
func (s *PostgresStore) ContentCache() ContentCacheRepository  { return contentCacheRepo{s.pool} }
func (s *PostgresStore) ViolationCache() ViolationCacheRepository {
	return violationCacheRepo{s.pool}
}

type tenantRepo struct{ pool *pgxpool.Pool }

func (r tenantRepo) Get(ctx context.Context, id uuid.UUID) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT id, plan, abuse_score, abuse_state, last_activity, created_at
		FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Plan, &t.AbuseScore, &t.AbuseState, &t.LastActivity, &t.CreatedAt)
	if err != nil {
		return tenant.Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

func (r tenantRepo) Create(ctx context.Context, t tenant.Tenant) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenants (id, plan, abuse_score, abuse_state, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Plan, t.AbuseScore, t.AbuseState, t.LastActivity, t.CreatedAt)
	return err
}

func (r tenantRepo) UpdateAbuse(ctx context.Context, id uuid.UUID, score float64, state tenant.AbuseState, lastEventAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tenants SET abuse_score = $2, abuse_state = $3, last_activity = $4
		WHERE id = $1`, id, score, state, lastEventAt)
	return err
}

func (r tenantRepo) ListByAbuseState(ctx context.Context, states []tenant.AbuseState, staleSince time.Time) ([]tenant.Tenant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, plan, abuse_score, abuse_state, last_activity, created_at
		FROM tenants WHERE abuse_state = ANY($1) AND last_activity <= $2`, states, staleSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.Plan, &t.AbuseScore, &t.AbuseState, &t.LastActivity, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type brandRepo struct{ pool *pgxpool.Pool }

func (r brandRepo) Get(ctx context.Context, id uuid.UUID) (BrandProfile, error) {
	var b BrandProfile
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, official_urls, safe_keywords,
		       moderate_keywords, dangerous_keywords, created_at
		FROM brand_profiles WHERE id = $1`, id,
	).Scan(&b.ID, &b.TenantID, &b.Name, &b.Description, &b.OfficialURLs,
		&b.SafeKeywords, &b.ModerateKeywords, &b.DangerousKeywords, &b.CreatedAt)
	if err != nil {
		return BrandProfile{}, fmt.Errorf("get brand profile %s: %w", id, err)
	}
	return b, nil
}

func (r brandRepo) Create(ctx context.Context, b BrandProfile) error {
	if !b.DisjointKeywords() {
		return errors.New("keyword sets must be pairwise disjoint")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO brand_profiles (id, tenant_id, name, description, official_urls,
		       safe_keywords, moderate_keywords, dangerous_keywords, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.TenantID, b.Name, b.Description, b.OfficialURLs,
		b.SafeKeywords, b.ModerateKeywords, b.DangerousKeywords, b.CreatedAt)
	return err
}

type scanRequestRepo struct{ pool *pgxpool.Pool }

func (r scanRequestRepo) Create(ctx context.Context, req ScanRequest) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scan_requests (id, tenant_id, brand_profile_id, site_ids,
		       options_hash, respect_robots, max_concurrency, timeout_ms,
		       screenshot_on_violation, skip_recently_scanned, recent_threshold_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		req.ID, req.TenantID, req.BrandProfileID, req.SiteIDs, req.OptionsHash,
		req.Options.RespectRobots, req.Options.MaxConcurrency, req.Options.Timeout.Milliseconds(),
		req.Options.ScreenshotOnViolation, req.Options.SkipRecentlyScanned,
		req.Options.RecentThreshold.Milliseconds(), req.CreatedAt)
	return err
}

func (r scanRequestRepo) Get(ctx context.Context, id uuid.UUID) (ScanRequest, error) {
	var req ScanRequest
	var timeoutMs, recentMs int64
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, brand_profile_id, site_ids, options_hash,
		       respect_robots, max_concurrency, timeout_ms, screenshot_on_violation,
		       skip_recently_scanned, recent_threshold_ms, created_at
		FROM scan_requests WHERE id = $1`, id,
	).Scan(&req.ID, &req.TenantID, &req.BrandProfileID, &req.SiteIDs, &req.OptionsHash,
		&req.Options.RespectRobots, &req.Options.MaxConcurrency, &timeoutMs,
		&req.Options.ScreenshotOnViolation, &req.Options.SkipRecentlyScanned, &recentMs, &req.CreatedAt)
	if err != nil {
		return ScanRequest{}, fmt.Errorf("get scan request %s: %w", id, err)
	}
	req.Options.Timeout = time.Duration(timeoutMs) * time.Millisecond
	req.Options.RecentThreshold = time.Duration(recentMs) * time.Millisecond
	return req, nil
}

func (r scanRequestRepo) FindByOptionsHash(ctx context.Context, tenantID, brandProfileID uuid.UUID, optionsHash string, within time.Duration) (ScanRequest, bool, error) {
	cutoff := time.Now().Add(-within)
	var req ScanRequest
	var timeoutMs, recentMs int64
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, brand_profile_id, site_ids, options_hash,
		       respect_robots, max_concurrency, timeout_ms, screenshot_on_violation,
		       skip_recently_scanned, recent_threshold_ms, created_at
		FROM scan_requests
		WHERE tenant_id = $1 AND brand_profile_id = $2 AND options_hash = $3 AND created_at >= $4
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, brandProfileID, optionsHash, cutoff,
	).Scan(&req.ID, &req.TenantID, &req.BrandProfileID, &req.SiteIDs, &req.OptionsHash,
		&req.Options.RespectRobots, &req.Options.MaxConcurrency, &timeoutMs,
		&req.Options.ScreenshotOnViolation, &req.Options.SkipRecentlyScanned, &recentMs, &req.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScanRequest{}, false, nil
	}
	if err != nil {
		return ScanRequest{}, false, err
	}
	req.Options.Timeout = time.Duration(timeoutMs) * time.Millisecond
	req.Options.RecentThreshold = time.Duration(recentMs) * time.Millisecond
	return req, true, nil
}

type scanSessionRepo struct{ pool *pgxpool.Pool }

func (r scanSessionRepo) Create(ctx context.Context, s ScanSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scan_sessions (id, request_id, tenant_id, brand_profile_id, state,
		       total_sites, sites_scanned, violations_found, error_count, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.RequestID, s.TenantID, s.BrandProfileID, s.State,
		s.TotalSites, s.SitesScanned, s.ViolationsFound, s.ErrorCount, s.StartedAt)
	return err
}

func (r scanSessionRepo) Get(ctx context.Context, id uuid.UUID) (ScanSession, error) {
	var s ScanSession
	err := r.pool.QueryRow(ctx, `
		SELECT id, request_id, tenant_id, brand_profile_id, state, total_sites,
		       sites_scanned, violations_found, error_count, current_site,
		       COALESCE(last_error, ''), COALESCE(failure_reason, ''),
		       started_at, paused_at, resumed_at, completed_at, estimated_completion
		FROM scan_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.RequestID, &s.TenantID, &s.BrandProfileID, &s.State, &s.TotalSites,
		&s.SitesScanned, &s.ViolationsFound, &s.ErrorCount, &s.CurrentSite,
		&s.LastError, &s.FailureReason,
		&s.StartedAt, &s.PausedAt, &s.ResumedAt, &s.CompletedAt, &s.EstimatedCompletion)
	if err != nil {
		return ScanSession{}, fmt.Errorf("get scan session %s: %w", id, err)
	}
	return s, nil
}

// Update persists the full session record. Counter-regression and
// terminal-state-reentry checks belong to pkg/scanagent (spec §7
// "Invariant Breach"); this repository performs a plain write.
func (r scanSessionRepo) Update(ctx context.Context, s ScanSession) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scan_sessions SET state=$2, total_sites=$3, sites_scanned=$4,
		       violations_found=$5, error_count=$6, current_site=$7, last_error=$8,
		       failure_reason=$9, paused_at=$10, resumed_at=$11, completed_at=$12,
		       estimated_completion=$13
		WHERE id = $1`,
		s.ID, s.State, s.TotalSites, s.SitesScanned, s.ViolationsFound, s.ErrorCount,
		s.CurrentSite, nullableString(s.LastError), nullableString(s.FailureReason),
		nullableTime(s.PausedAt), nullableTime(s.ResumedAt), nullableTime(s.CompletedAt),
		nullableTime(s.EstimatedCompletion))
	return err
}

func (r scanSessionRepo) ActiveForPair(ctx context.Context, tenantID, brandProfileID uuid.UUID) (ScanSession, bool, error) {
	var s ScanSession
	err := r.pool.QueryRow(ctx, `
		SELECT id, request_id, tenant_id, brand_profile_id, state, total_sites,
		       sites_scanned, violations_found, error_count
		FROM scan_sessions
		WHERE tenant_id = $1 AND brand_profile_id = $2
		  AND state NOT IN ('completed','failed','cancelled')
		LIMIT 1`, tenantID, brandProfileID,
	).Scan(&s.ID, &s.RequestID, &s.TenantID, &s.BrandProfileID, &s.State,
		&s.TotalSites, &s.SitesScanned, &s.ViolationsFound, &s.ErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScanSession{}, false, nil
	}
	if err != nil {
		return ScanSession{}, false, err
	}
	return s, true, nil
}

func (r scanSessionRepo) CountActiveForTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM scan_sessions
		WHERE tenant_id = $1 AND state = 'running'`, tenantID).Scan(&n)
	return n, err
}

func (r scanSessionRepo) CountActiveGlobal(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM scan_sessions WHERE state = 'running'`).Scan(&n)
	return n, err
}

type knownSiteRepo struct{ pool *pgxpool.Pool }

func (r knownSiteRepo) Get(ctx context.Context, id uuid.UUID) (KnownSite, error) {
	var s KnownSite
	var delayMs int64
	err := r.pool.QueryRow(ctx, `
		SELECT id, base_url, canonical_domain, category, total_violations,
		       risk_score, last_checked, per_host_crawl_delay_ms, blocked_by_robots
		FROM known_sites WHERE id = $1`, id,
	).Scan(&s.ID, &s.BaseURL, &s.CanonicalDomain, &s.Category, &s.TotalViolations,
		&s.RiskScore, &s.LastChecked, &delayMs, &s.BlockedByRobots)
	if err != nil {
		return KnownSite{}, fmt.Errorf("get known site %s: %w", id, err)
	}
	s.PerHostCrawlDelay = time.Duration(delayMs) * time.Millisecond
	return s, nil
}

func (r knownSiteRepo) Upsert(ctx context.Context, s KnownSite) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO known_sites (id, base_url, canonical_domain, category, total_violations,
		       risk_score, last_checked, per_host_crawl_delay_ms, blocked_by_robots)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
		       total_violations = EXCLUDED.total_violations,
		       risk_score = EXCLUDED.risk_score,
		       last_checked = EXCLUDED.last_checked,
		       blocked_by_robots = EXCLUDED.blocked_by_robots`,
		s.ID, s.BaseURL, s.CanonicalDomain, s.Category, s.TotalViolations,
		s.RiskScore, s.LastChecked, s.PerHostCrawlDelay.Milliseconds(), s.BlockedByRobots)
	return err
}

func (r knownSiteRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]KnownSite, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, base_url, canonical_domain, category, total_violations,
		       risk_score, last_checked, per_host_crawl_delay_ms, blocked_by_robots
		FROM known_sites WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnownSite
	for rows.Next() {
		var s KnownSite
		var delayMs int64
		if err := rows.Scan(&s.ID, &s.BaseURL, &s.CanonicalDomain, &s.Category,
			&s.TotalViolations, &s.RiskScore, &s.LastChecked, &delayMs, &s.BlockedByRobots); err != nil {
			return nil, err
		}
		s.PerHostCrawlDelay = time.Duration(delayMs) * time.Millisecond
		out = append(out, s)
	}
	return out, rows.Err()
}

type violationRepo struct{ pool *pgxpool.Pool }

func (r violationRepo) Create(ctx context.Context, v ViolationRecord) error {
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return fmt.Errorf("marshalling evidence: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO violation_records (id, session_id, site_id, url, title, method,
		       risk_level, confidence, evidence, detected_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		v.ID, v.SessionID, v.SiteID, v.URL, v.Title, v.Method, v.RiskLevel,
		v.Confidence, evidence, v.DetectedAt)
	return err
}

func (r violationRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]ViolationRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, site_id, url, title, method, risk_level, confidence,
		       evidence, detected_at
		FROM violation_records WHERE session_id = $1 ORDER BY detected_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ViolationRecord
	for rows.Next() {
		var v ViolationRecord
		var evidence []byte
		if err := rows.Scan(&v.ID, &v.SessionID, &v.SiteID, &v.URL, &v.Title,
			&v.Method, &v.RiskLevel, &v.Confidence, &evidence, &v.DetectedAt); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &v.Evidence); err != nil {
				return nil, err
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type ownershipRepo struct{ pool *pgxpool.Pool }

func (r ownershipRepo) Get(ctx context.Context, brandProfileID uuid.UUID, method OwnershipMethod) (OwnershipValidation, bool, error) {
	var v OwnershipValidation
	err := r.pool.QueryRow(ctx, `
		SELECT id, brand_profile_id, method, status, verification_token, score,
		       expires_at, updated_at
		FROM ownership_validations WHERE brand_profile_id = $1 AND method = $2`,
		brandProfileID, method,
	).Scan(&v.ID, &v.BrandProfileID, &v.Method, &v.Status, &v.VerificationToken,
		&v.Score, &v.ExpiresAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return OwnershipValidation{}, false, nil
	}
	if err != nil {
		return OwnershipValidation{}, false, err
	}
	return v, true, nil
}

func (r ownershipRepo) Upsert(ctx context.Context, v OwnershipValidation) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ownership_validations (id, brand_profile_id, method, status,
		       verification_token, score, expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (brand_profile_id, method) DO UPDATE SET
		       status = EXCLUDED.status,
		       verification_token = EXCLUDED.verification_token,
		       score = EXCLUDED.score,
		       expires_at = EXCLUDED.expires_at,
		       updated_at = EXCLUDED.updated_at`,
		v.ID, v.BrandProfileID, v.Method, v.Status, v.VerificationToken,
		v.Score, v.ExpiresAt, v.UpdatedAt)
	return err
}

func (r ownershipRepo) ListByBrand(ctx context.Context, brandProfileID uuid.UUID) ([]OwnershipValidation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, brand_profile_id, method, status, verification_token, score,
		       expires_at, updated_at
		FROM ownership_validations WHERE brand_profile_id = $1`, brandProfileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OwnershipValidation
	for rows.Next() {
		var v OwnershipValidation
		if err := rows.Scan(&v.ID, &v.BrandProfileID, &v.Method, &v.Status,
			&v.VerificationToken, &v.Score, &v.ExpiresAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type contentCacheRepo struct{ pool *pgxpool.Pool }

func (r contentCacheRepo) Get(ctx context.Context, key string) (ContentCacheEntry, bool, error) {
	var e ContentCacheEntry
	var metadata []byte
	err := r.pool.QueryRow(ctx, `
		SELECT key, site_id, body, metadata, fetched_at
		FROM content_cache_entries WHERE key = $1`, key,
	).Scan(&e.Key, &e.SiteID, &e.Body, &metadata, &e.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ContentCacheEntry{}, false, nil
	}
	if err != nil {
		return ContentCacheEntry{}, false, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return ContentCacheEntry{}, false, err
		}
	}
	return e, true, nil
}

func (r contentCacheRepo) Upsert(ctx context.Context, e ContentCacheEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling content cache metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO content_cache_entries (key, site_id, body, metadata, fetched_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (key) DO UPDATE SET
		       body = EXCLUDED.body, metadata = EXCLUDED.metadata, fetched_at = EXCLUDED.fetched_at`,
		e.Key, e.SiteID, e.Body, metadata, e.FetchedAt)
	return err
}

type violationCacheRepo struct{ pool *pgxpool.Pool }

func (r violationCacheRepo) Get(ctx context.Context, key string) (ViolationCacheEntry, bool, error) {
	var e ViolationCacheEntry
	err := r.pool.QueryRow(ctx, `
		SELECT key, method, risk_level, confidence, is_violation, cached_at
		FROM violation_cache_entries WHERE key = $1`, key,
	).Scan(&e.Key, &e.Classification.Method, &e.Classification.RiskLevel,
		&e.Classification.Confidence, &e.Classification.IsViolation, &e.CachedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ViolationCacheEntry{}, false, nil
	}
	if err != nil {
		return ViolationCacheEntry{}, false, err
	}
	return e, true, nil
}

func (r violationCacheRepo) Upsert(ctx context.Context, e ViolationCacheEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO violation_cache_entries (key, method, risk_level, confidence, is_violation, cached_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (key) DO UPDATE SET
		       method = EXCLUDED.method, risk_level = EXCLUDED.risk_level,
		       confidence = EXCLUDED.confidence, is_violation = EXCLUDED.is_violation,
		       cached_at = EXCLUDED.cached_at`,
		e.Key, e.Classification.Method, e.Classification.RiskLevel,
		e.Classification.Confidence, e.Classification.IsViolation, e.CachedAt)
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
