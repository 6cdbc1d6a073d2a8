package queue

import (
	"sync"
	"time"

	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

// etaAlpha is the EWMA smoothing factor for completion-time tracking.
const etaAlpha = 0.3

// etaTracker maintains an EWMA of completed-scan wall-clock duration per
// plan tier (spec §4.A: "EWMA of the last N completed scans' wall-clock
// time per plan tier").
type etaTracker struct {
	mu   sync.Mutex
	ewma map[tenant.Plan]time.Duration
}

func newETATracker() *etaTracker {
	return &etaTracker{ewma: make(map[tenant.Plan]time.Duration)}
}

// Observe records a completed scan's wall-clock duration for plan.
func (t *etaTracker) Observe(plan tenant.Plan, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.ewma[plan]
	if !ok {
		t.ewma[plan] = d
		return
	}
	t.ewma[plan] = time.Duration(etaAlpha*float64(d) + (1-etaAlpha)*float64(cur))
}

// Estimate returns the estimated wait time for a waiter at the given
// position, given effectiveParallelism concurrently-running slots (spec
// §4.A: "ETA ... multiplied by position / effectiveParallelism").
func (t *etaTracker) Estimate(plan tenant.Plan, position, effectiveParallelism int) time.Duration {
	t.mu.Lock()
	avg, ok := t.ewma[plan]
	t.mu.Unlock()

	if !ok {
		avg = 2 * time.Minute // cold-start default, no history yet
	}
	if effectiveParallelism < 1 {
		effectiveParallelism = 1
	}
	factor := float64(position) / float64(effectiveParallelism)
	return time.Duration(factor * float64(avg))
}
