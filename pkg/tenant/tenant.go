// Package tenant defines the Tenant entity and the plan-tier policy tables
// that the admission coordinator (pkg/queue) and the abuse-control engine
// (pkg/abuse) read. It owns no I/O; internal/store persists the entity.
package tenant

import (
	"time"

	"github.com/google/uuid"
)

// Plan is a tenant's service tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
	PlanAdmin      Plan = "admin"
)

// AbuseState is the tenant's current position in the abuse-control state
// machine (pkg/abuse owns all transitions; this is a read-only mirror).
type AbuseState string

const (
	AbuseStateClean    AbuseState = "clean"
	AbuseStateWarning  AbuseState = "warning"
	AbuseStateHighRisk AbuseState = "high_risk"
	AbuseStateBlocked  AbuseState = "blocked"
)

// Unbounded marks a per-tenant concurrency cap with no ceiling (Admin plan).
const Unbounded = -1

// Tenant is the owner of brands and scans (spec §3 "Tenant").
type Tenant struct {
	ID           uuid.UUID
	Plan         Plan
	AbuseScore   float64
	AbuseState   AbuseState
	LastActivity time.Time
	CreatedAt    time.Time
}

// PlanWeight returns the fairness weight used in the admission priority
// formula (spec §4.A): priority = planWeight*10_000 - ageMs/1_000 - demerit.
func PlanWeight(p Plan) int {
	switch p {
	case PlanFree:
		return 1
	case PlanBasic:
		return 2
	case PlanPremium:
		return 3
	case PlanEnterprise:
		return 5
	case PlanAdmin:
		return 5
	default:
		return 1
	}
}

// PerTenantCap returns the maximum number of concurrently running scans for
// a tenant on plan p. Unbounded (-1) means no per-tenant ceiling (spec
// §4.A admission policy).
func PerTenantCap(p Plan) int {
	switch p {
	case PlanFree:
		return 1
	case PlanBasic:
		return 3
	case PlanPremium:
		return 10
	case PlanEnterprise:
		return 25
	case PlanAdmin:
		return Unbounded
	default:
		return 1
	}
}

// IsBlocked reports whether the tenant's abuse state forbids admission.
func (t Tenant) IsBlocked() bool {
	return t.AbuseState == AbuseStateBlocked
}

// ValidPlan reports whether p is one of the recognized service tiers.
func ValidPlan(p Plan) bool {
	switch p {
	case PlanFree, PlanBasic, PlanPremium, PlanEnterprise, PlanAdmin:
		return true
	default:
		return false
	}
}
