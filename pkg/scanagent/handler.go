package scanagent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/errs"
	"github.com/riclipi/dmca-deepagent-sub002/internal/httpserver"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
)

// Handler exposes a scan session's control surface over HTTP (spec §6):
// a snapshot query and pause/resume/cancel actions.
type Handler struct {
	registry *Registry
	repo     store.Repositories
}

// NewHandler builds a Handler.
func NewHandler(registry *Registry, repo store.Repositories) *Handler {
	return &Handler{registry: registry, repo: repo}
}

// Routes mounts the discovery endpoints relative to an /agents prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/discovery/{sessionId}", h.HandleSnapshot)
	r.Post("/discovery/{sessionId}", h.HandleAction)
	return r
}

func (h *Handler) sessionID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "sessionId"))
}

func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessionID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errs.CodeInvalidOptions, "invalid session id")
		return
	}

	if sess, ok := h.registry.Get(id); ok {
		httpserver.Respond(w, http.StatusOK, sess.Snapshot())
		return
	}

	row, err := h.repo.ScanSessions().Get(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, errs.Wrap(errs.KindValidation, errs.CodeSessionNotFound, "session not found", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, row)
}

type actionRequest struct {
	Action string `json:"action"`
}

func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessionID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errs.CodeInvalidOptions, "invalid session id")
		return
	}

	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, errs.CodeInvalidOptions, "malformed request body")
		return
	}

	sess, ok := h.registry.Get(id)
	if !ok {
		httpserver.RespondErr(w, errs.New(errs.KindValidation, errs.CodeSessionNotFound, "session is not running"))
		return
	}

	switch body.Action {
	case "pause":
		err = sess.Pause(r.Context())
	case "resume":
		err = sess.Resume(r.Context())
	case "cancel":
		sess.Cancel()
	default:
		httpserver.RespondError(w, http.StatusBadRequest, errs.CodeInvalidOptions, "unknown action: "+body.Action)
		return
	}
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, sess.Snapshot())
}
