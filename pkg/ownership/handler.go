package ownership

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/errs"
	"github.com/riclipi/dmca-deepagent-sub002/internal/httpserver"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/abuse"
)

// Handler exposes DNS-TXT and meta-tag ownership verification (spec §4.F),
// the two automatable methods; social-media and manual review are scored
// by CompositeScore but recorded through other operator tooling.
type Handler struct {
	validator *Validator
	repo      store.Repositories
}

// NewHandler builds a Handler.
func NewHandler(validator *Validator, repo store.Repositories) *Handler {
	return &Handler{validator: validator, repo: repo}
}

// Routes mounts the verification endpoint relative to a /brands prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{brandProfileId}/ownership/verify", h.handleVerify)
	return r
}

type verifyRequest struct {
	Method store.OwnershipMethod `json:"method"`
	Token  string                `json:"token"`
	Domain string                `json:"domain,omitempty"`
	URL    string                `json:"url,omitempty"`
}

type verifyResponse struct {
	Status store.OwnershipStatus `json:"status"`
	Score  float64               `json:"score"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	brandID, err := uuid.Parse(chi.URLParam(r, "brandProfileId"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errs.CodeInvalidOptions, "invalid brand profile id")
		return
	}

	var body verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errs.CodeInvalidOptions, "malformed request body")
		return
	}

	brand, err := h.repo.BrandProfiles().Get(ctx, brandID)
	if err != nil {
		httpserver.RespondErr(w, errs.Wrap(errs.KindValidation, errs.CodeBrandMissing, "brand profile not found", err))
		return
	}

	var verified bool
	var weight float64
	switch body.Method {
	case store.OwnershipDNSTXT:
		weight = WeightDNSTXT
		verified, err = h.validator.VerifyDNS(ctx, body.Domain, body.Token)
	case store.OwnershipMetaTag:
		weight = WeightMetaTag
		verified, err = h.validator.VerifyMetaTag(ctx, body.URL, body.Token)
	default:
		httpserver.RespondError(w, http.StatusBadRequest, errs.CodeInvalidOptions, "unsupported ownership method: "+string(body.Method))
		return
	}

	status := store.OwnershipFailed
	score := 0.0
	if err == nil && verified {
		status = store.OwnershipVerified
		score = weight
	}

	validation := store.OwnershipValidation{
		ID:             uuid.New(),
		BrandProfileID: brandID,
		Method:         body.Method,
		Status:         status,
		Score:          score,
		UpdatedAt:      time.Now(),
	}
	if status == store.OwnershipVerified {
		validation.ExpiresAt = time.Now().Add(DefaultValidityPeriod)
	}
	if err := h.repo.Ownership().Upsert(ctx, validation); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	fakeOwnership := false
	if status == store.OwnershipFailed {
		validations, lErr := h.repo.Ownership().ListByBrand(ctx, brandID)
		fakeOwnership = lErr == nil && CompositeScore(validations) < FakeOwnershipThreshold
	}
	if fakeOwnership {
		t, tErr := h.repo.Tenants().Get(ctx, brand.TenantID)
		if tErr == nil {
			newScore := abuse.ApplyEvent(t.AbuseScore, t.LastActivity, time.Now(), abuse.EventFakeOwnership)
			newState := abuse.Transition(t.AbuseState, newScore, time.Since(t.LastActivity))
			_ = h.repo.Tenants().UpdateAbuse(ctx, t.ID, newScore, newState, time.Now())
		}
	}

	httpserver.Respond(w, http.StatusOK, verifyResponse{Status: status, Score: score})
}
