// Package tenantctx carries the authenticated tenant's identifier through a
// request context. Full authentication (OIDC, sessions, API keys) is out of
// scope (spec §1); this package implements only the minimal contract the
// HTTP edge needs to resolve a tenant id per request, grounded on the
// teacher's tenant-context-carrying pattern but without schema-per-tenant
// connection scoping, since this repo uses a single schema (see DESIGN.md
// Open Question 1).
package tenantctx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// NewContext returns a context carrying the given tenant id.
func NewContext(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// FromContext extracts the tenant id stored by Middleware. The zero UUID is
// returned when no tenant was resolved.
func FromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(tenantIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// Resolver identifies the tenant for an inbound request. Production
// deployments supply an implementation backed by API-key or JWT
// verification; that verification is itself out of scope here (spec §1).
type Resolver interface {
	Resolve(r *http.Request) (uuid.UUID, error)
}

// HeaderResolver resolves the tenant id from a trusted header, the
// development-mode fallback used ahead of a real authentication layer.
type HeaderResolver struct {
	HeaderName string
}

// NewHeaderResolver builds a HeaderResolver defaulting to X-Tenant-ID.
func NewHeaderResolver() HeaderResolver {
	return HeaderResolver{HeaderName: "X-Tenant-ID"}
}

func (h HeaderResolver) Resolve(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(h.HeaderName)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("missing %s header", h.HeaderName)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	return id, nil
}

// Middleware resolves the tenant id via resolver and stores it in the
// request context. It does not load the Tenant entity; handlers that need
// plan/abuse-state call internal/store with the id from FromContext.
func Middleware(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r)
			if err != nil {
				logger.Debug("tenant resolution failed", "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthenticated","message":"tenant could not be resolved"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}
