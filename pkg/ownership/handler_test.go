package ownership

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

// fakeRepositories implements store.Repositories with plain in-memory maps,
// sufficient for exercising the ownership handler in isolation.
type fakeRepositories struct {
	brands     map[uuid.UUID]store.BrandProfile
	tenants    map[uuid.UUID]tenant.Tenant
	ownerships map[uuid.UUID][]store.OwnershipValidation
}

func newFakeRepositories() *fakeRepositories {
	return &fakeRepositories{
		brands:     make(map[uuid.UUID]store.BrandProfile),
		tenants:    make(map[uuid.UUID]tenant.Tenant),
		ownerships: make(map[uuid.UUID][]store.OwnershipValidation),
	}
}

func (f *fakeRepositories) Tenants() store.TenantRepository             { return fakeTenants{f} }
func (f *fakeRepositories) BrandProfiles() store.BrandProfileRepository { return fakeBrands{f} }
func (f *fakeRepositories) ScanRequests() store.ScanRequestRepository   { return nil }
func (f *fakeRepositories) ScanSessions() store.ScanSessionRepository   { return nil }
func (f *fakeRepositories) KnownSites() store.KnownSiteRepository       { return nil }
func (f *fakeRepositories) Violations() store.ViolationRepository       { return nil }
func (f *fakeRepositories) Ownership() store.OwnershipRepository        { return fakeOwnership{f} }
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

type fakeBrands struct{ f *fakeRepositories }

func (b fakeBrands) Get(_ context.Context, id uuid.UUID) (store.BrandProfile, error) {
	brand, ok := b.f.brands[id]
	if !ok {
		return store.BrandProfile{}, errBrandNotFound{}
	}
	return brand, nil
}
func (b fakeBrands) Create(_ context.Context, brand store.BrandProfile) error {
	b.f.brands[brand.ID] = brand
	return nil
}

type fakeOwnership struct{ f *fakeRepositories }

func (o fakeOwnership) Get(_ context.Context, brandProfileID uuid.UUID, method store.OwnershipMethod) (store.OwnershipValidation, bool, error) {
	for _, v := range o.f.ownerships[brandProfileID] {
		if v.Method == method {
			return v, true, nil
		}
	}
	return store.OwnershipValidation{}, false, nil
}
func (o fakeOwnership) Upsert(_ context.Context, v store.OwnershipValidation) error {
	o.f.ownerships[v.BrandProfileID] = append(o.f.ownerships[v.BrandProfileID], v)
	return nil
}
func (o fakeOwnership) ListByBrand(_ context.Context, brandProfileID uuid.UUID) ([]store.OwnershipValidation, error) {
	return o.f.ownerships[brandProfileID], nil
}

type errBrandNotFound struct{}

func (errBrandNotFound) Error() string { return "brand not found" }

func newRequest(t *testing.T, brandID uuid.UUID, body verifyRequest) *http.Request {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/"+brandID.String()+"/ownership/verify", bytes.NewReader(buf))
	rc := chi.NewRouteContext()
	rc.URLParams.Add("brandProfileId", brandID.String())
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rc))
}

func TestHandleVerify_DNSTXTSuccessRecordsValidation(t *testing.T) {
	repo := newFakeRepositories()
	brandID := uuid.New()
	tenantID := uuid.New()
	repo.brands[brandID] = store.BrandProfile{ID: brandID, TenantID: tenantID}
	repo.tenants[tenantID] = tenant.Tenant{ID: tenantID, AbuseState: tenant.AbuseStateClean}

	lookup := func(context.Context, string) ([]string, error) {
		return []string{"scancore-verify=tok-1"}, nil
	}
	validator := NewValidator(nil, lookup, "scancore")
	h := NewHandler(validator, repo)

	req := newRequest(t, brandID, verifyRequest{Method: store.OwnershipDNSTXT, Token: "scancore-verify=tok-1", Domain: "example.com"})
	w := httptest.NewRecorder()
	h.handleVerify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp verifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != store.OwnershipVerified {
		t.Fatalf("status = %q, want verified", resp.Status)
	}
	if resp.Score != WeightDNSTXT {
		t.Fatalf("score = %v, want %v", resp.Score, WeightDNSTXT)
	}

	stored := repo.ownerships[brandID]
	if len(stored) != 1 || stored[0].Status != store.OwnershipVerified || stored[0].ExpiresAt.IsZero() {
		t.Fatalf("unexpected stored validation: %+v", stored)
	}
}

func TestHandleVerify_FailureBelowThresholdRaisesAbuseEvent(t *testing.T) {
	repo := newFakeRepositories()
	brandID := uuid.New()
	tenantID := uuid.New()
	repo.brands[brandID] = store.BrandProfile{ID: brandID, TenantID: tenantID}
	repo.tenants[tenantID] = tenant.Tenant{ID: tenantID, AbuseState: tenant.AbuseStateClean, LastActivity: time.Now().Add(-time.Hour)}

	lookup := func(context.Context, string) ([]string, error) { return nil, nil }
	validator := NewValidator(nil, lookup, "scancore")
	h := NewHandler(validator, repo)

	req := newRequest(t, brandID, verifyRequest{Method: store.OwnershipDNSTXT, Token: "scancore-verify=tok-1", Domain: "example.com"})
	w := httptest.NewRecorder()
	h.handleVerify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp verifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != store.OwnershipFailed {
		t.Fatalf("status = %q, want failed", resp.Status)
	}

	updated := repo.tenants[tenantID]
	if updated.AbuseScore <= 0 {
		t.Fatalf("expected a fake-ownership event to raise the abuse score, got %v", updated.AbuseScore)
	}
}

func TestHandleVerify_UnsupportedMethodReturnsBadRequest(t *testing.T) {
	repo := newFakeRepositories()
	brandID := uuid.New()
	repo.brands[brandID] = store.BrandProfile{ID: brandID, TenantID: uuid.New()}

	h := NewHandler(NewValidator(nil, nil, "scancore"), repo)
	req := newRequest(t, brandID, verifyRequest{Method: "social_media"})
	w := httptest.NewRecorder()
	h.handleVerify(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
