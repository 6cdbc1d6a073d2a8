package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/notify"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

// sweepInterval is how often the decay sweep runs (spec §4.E: "every 15 min").
const sweepInterval = 15 * time.Minute

// Engine is a background worker that periodically recomputes abuse scores
// for tenants whose last event has gone stale, demoting states whose
// hysteresis and dwell-time conditions are now satisfied (spec §4.E).
type Engine struct {
	repo     store.TenantRepository
	notifier *notify.Notifier
	logger   *slog.Logger
	interval time.Duration
	metric   *prometheus.CounterVec // abuse_state_transitions_total{from,to}
}

// NewEngine builds a decay-sweep Engine.
func NewEngine(repo store.TenantRepository, notifier *notify.Notifier, logger *slog.Logger, metric *prometheus.CounterVec) *Engine {
	return &Engine{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		interval: sweepInterval,
		metric:   metric,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("abuse decay sweep started", "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("abuse decay sweep stopped")
			return nil
		case <-ticker.C:
			if err := e.sweep(ctx); err != nil {
				e.logger.Error("abuse decay sweep", "error", err)
			}
		}
	}
}

// sweep recomputes scores for every tenant whose lastEventAt is older than
// the sweep interval and persists any resulting state transition.
func (e *Engine) sweep(ctx context.Context) error {
	staleSince := time.Now().Add(-e.interval)
	states := []tenant.AbuseState{tenant.AbuseStateWarning, tenant.AbuseStateHighRisk, tenant.AbuseStateBlocked}

	tenants, err := e.repo.ListByAbuseState(ctx, states, staleSince)
	if err != nil {
		return fmt.Errorf("listing stale abusive tenants: %w", err)
	}

	now := time.Now()
	for _, t := range tenants {
		decayed := Decay(t.AbuseScore, now.Sub(t.LastActivity))
		dwell := now.Sub(t.LastActivity)
		next := Transition(t.AbuseState, decayed, dwell)

		if next == t.AbuseState && decayed == t.AbuseScore {
			continue
		}

		if err := e.repo.UpdateAbuse(ctx, t.ID, decayed, next, t.LastActivity); err != nil {
			e.logger.Error("updating decayed abuse score", "tenant_id", t.ID, "error", err)
			continue
		}

		if next != t.AbuseState {
			e.metric.WithLabelValues(string(t.AbuseState), string(next)).Inc()
			e.logger.Info("abuse state transition", "tenant_id", t.ID, "from", t.AbuseState, "to", next, "score", decayed)
		}
	}
	return nil
}

// RecordEvent applies event to tenant t's score, persists the new score and
// any resulting state transition, and notifies operators if the tenant is
// newly Blocked (spec §4.E).
func RecordEvent(ctx context.Context, repo store.TenantRepository, notifier *notify.Notifier, logger *slog.Logger, metric *prometheus.CounterVec, t tenant.Tenant, event EventType, now time.Time) (tenant.Tenant, error) {
	newScore := ApplyEvent(t.AbuseScore, t.LastActivity, now, event)
	dwell := now.Sub(t.LastActivity)
	newState := Transition(t.AbuseState, newScore, dwell)

	if err := repo.UpdateAbuse(ctx, t.ID, newScore, newState, now); err != nil {
		return t, fmt.Errorf("persisting abuse score update: %w", err)
	}

	if newState != t.AbuseState {
		metric.WithLabelValues(string(t.AbuseState), string(newState)).Inc()
	}

	updated := t
	updated.AbuseScore = newScore
	updated.AbuseState = newState
	updated.LastActivity = now

	if newState == tenant.AbuseStateBlocked && t.AbuseState != tenant.AbuseStateBlocked {
		if err := notifier.TenantBlocked(ctx, t.ID.String(), newScore); err != nil {
			logger.Error("notifying operators of blocked tenant", "tenant_id", t.ID, "error", err)
		}
	}

	return updated, nil
}
