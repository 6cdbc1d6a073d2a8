package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riclipi/dmca-deepagent-sub002/internal/httpserver"
	"github.com/riclipi/dmca-deepagent-sub002/internal/tenantctx"
)

// entryView is the JSON projection of an audit_log row.
type entryView struct {
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID uuid.UUID `json:"resource_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize, offset := 50, 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be an integer in [1,100]")
			return
		}
		pageSize = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	tenantID := tenantctx.FromContext(r.Context())

	rows, err := h.pool.Query(r.Context(), `
		SELECT action, resource, COALESCE(resource_id, '00000000-0000-0000-0000-000000000000'), created_at
		FROM audit_log WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, pageSize, offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	var entries []entryView
	for rows.Next() {
		var e entryView
		if err := rows.Scan(&e.Action, &e.Resource, &e.ResourceID, &e.CreatedAt); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
			return
		}
		entries = append(entries, e)
	}

	httpserver.Respond(w, http.StatusOK, entries)
}
