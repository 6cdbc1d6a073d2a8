package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/errs"
	"github.com/riclipi/dmca-deepagent-sub002/internal/httpserver"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/internal/tenantctx"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/ownership"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/ratelimit"
)

// submitWindow and submitLimit bound how often a tenant may call the scan
// submission endpoint (Component H guarding Component A, spec §2's data
// flow "H → (F, E) → A").
const (
	submitWindow = time.Minute
	submitLimit  = 10
)

// Handler exposes the admission coordinator's public contract over HTTP
// (spec §6): scan submission, queue status, global stats, and cancellation.
type Handler struct {
	coord   *Coordinator
	repo    store.Repositories
	limiter ratelimit.FixedWindow
	logger  *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(coord *Coordinator, repo store.Repositories, limiter ratelimit.FixedWindow, logger *slog.Logger) *Handler {
	return &Handler{coord: coord, repo: repo, limiter: limiter, logger: logger}
}

// Routes mounts the component's endpoints relative to an /agents prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/known-sites/scan", h.HandleSubmit)
	return r
}

// QueueRoutes mounts the component's endpoints relative to a /queue prefix.
func (h *Handler) QueueRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.HandleStatus)
	r.Get("/stats", h.HandleStats)
	r.Post("/cancel", h.HandleCancel)
	return r
}

type submitRequest struct {
	BrandProfileID uuid.UUID          `json:"brandProfileId" validate:"required"`
	Options        *store.ScanOptions `json:"options,omitempty"`
}

type submitResponse struct {
	Status           Status     `json:"status"`
	QueueID          uuid.UUID  `json:"queueId,omitempty"`
	Position         int        `json:"position,omitempty"`
	EstimatedStartAt *time.Time `json:"estimatedStartAt,omitempty"`
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := tenantctx.FromContext(ctx)

	var body submitRequest
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	decision, err := h.limiter.Allow(ctx, "submit:"+tenantID.String(), submitLimit, submitWindow)
	if err != nil {
		h.logger.Error("rate-limit check failed", "error", err)
	} else if !decision.Allowed {
		httpserver.RespondErr(w, errs.New(errs.KindTransientIO, errs.CodeRateLimited, "scan submission rate limit exceeded"))
		return
	}

	t, err := h.repo.Tenants().Get(ctx, tenantID)
	if err != nil {
		httpserver.RespondErr(w, errs.Wrap(errs.KindValidation, errs.CodeUnauthenticated, "tenant not found", err))
		return
	}

	brand, err := h.repo.BrandProfiles().Get(ctx, body.BrandProfileID)
	if err != nil {
		httpserver.RespondErr(w, errs.Wrap(errs.KindValidation, errs.CodeBrandMissing, "brand profile not found", err))
		return
	}

	validations, err := h.repo.Ownership().ListByBrand(ctx, brand.ID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if ownership.CompositeScore(validations) < ownership.MinScoreToScan {
		httpserver.RespondErr(w, errs.New(errs.KindAuthorization, errs.CodeOwnershipTooLow, "brand ownership is not sufficiently verified"))
		return
	}

	opts := store.ScanOptions{
		RespectRobots:  true,
		MaxConcurrency: 5,
		Timeout:        30 * time.Second,
	}
	if body.Options != nil {
		opts = *body.Options
	}

	req := store.ScanRequest{
		ID:             uuid.New(),
		TenantID:       tenantID,
		BrandProfileID: brand.ID,
		Options:        opts,
		OptionsHash:    optionsHash(opts),
		CreatedAt:      time.Now(),
	}

	decisionOut, err := h.coord.Enqueue(ctx, t, req)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	resp := submitResponse{Status: decisionOut.Status, QueueID: decisionOut.QueueID, Position: decisionOut.Position}
	if !decisionOut.EstimatedStartAt.IsZero() {
		resp.EstimatedStartAt = &decisionOut.EstimatedStartAt
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantctx.FromContext(r.Context())
	httpserver.Respond(w, http.StatusOK, h.coord.StatusFor(tenantID))
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	c := h.coord
	c.mu.Lock()
	snap := counts{Pending: len(c.waiters.items), Processing: c.runningGlobal, Completed: c.completed, Failed: c.failed}
	c.mu.Unlock()
	httpserver.Respond(w, http.StatusOK, snap)
}

type cancelRequest struct {
	QueueID uuid.UUID `json:"queueId"`
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantctx.FromContext(r.Context())

	var body cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errs.CodeInvalidOptions, "malformed request body")
		return
	}

	if !h.coord.Cancel(r.Context(), tenantID, body.QueueID) {
		httpserver.RespondErr(w, errs.New(errs.KindValidation, errs.CodeQueueEntryGone, "queue entry not found"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// optionsHash fingerprints a ScanOptions value for the idempotent-dedupe
// window check (spec §4.A).
func optionsHash(o store.ScanOptions) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", o)))
	return hex.EncodeToString(sum[:])
}
