// Package queue implements the fair multi-tenant admission coordinator of
// spec §4.A: per-tenant and global concurrency caps, a priority-ordered
// waiter list, idempotent admission, and position/ETA estimates.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

// Status is the outcome of an Enqueue call (spec §4.A public contract).
type Status string

const (
	StatusProcessing Status = "processing"
	StatusQueued     Status = "queued"
)

// Decision is returned by Enqueue.
type Decision struct {
	Status           Status
	QueueID          uuid.UUID
	Position         int
	EstimatedStartAt time.Time
}

// waiter is an entry in the priority queue: a Queue Entry per spec §3.
type waiter struct {
	queueID        uuid.UUID
	tenantID       uuid.UUID
	brandProfileID uuid.UUID
	plan           tenant.Plan
	request        store.ScanRequest
	enqueuedAt     time.Time
	demerit        int
	index          int // managed by container/heap
}

// priority computes spec §4.A's admission priority: higher wins.
// priority = planWeight*10_000 - ageMs/1_000 - abuseDemeritScore.
func priority(plan tenant.Plan, enqueuedAt, now time.Time, demerit int) int64 {
	ageMs := now.Sub(enqueuedAt).Milliseconds()
	return int64(tenant.PlanWeight(plan))*10_000 - ageMs/1_000 - int64(demerit)
}

// StatusFor is the response to a StatusFor(tenantId) query (spec §4.A).
type StatusFor struct {
	Active          int
	Queued          int
	Position        int // 0 if not queued
	EstimatedWaitMs int64
}
