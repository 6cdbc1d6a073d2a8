// Package abuse implements the abuse-control state machine of spec §4.E:
// Clean <-> Warning <-> HighRisk -> Blocked, score-threshold driven, with
// exponential decay and a periodic sweep that demotes tenants whose scores
// have cooled off.
package abuse

import (
	"math"
	"time"

	"github.com/riclipi/dmca-deepagent-sub002/pkg/tenant"
)

// EventType names a scoreable abuse signal (spec §4.E).
type EventType string

const (
	EventFakeOwnership       EventType = "fake_ownership"
	EventExcessiveRequests   EventType = "excessive_requests"
	EventSpamKeywordInflation EventType = "spam_keyword_inflation"
	EventRepeatFalseTakedown EventType = "repeat_false_takedown"
)

// Severity is the score contribution of a single event (spec §4.E).
func Severity(e EventType) float64 {
	switch e {
	case EventFakeOwnership:
		return 0.7
	case EventExcessiveRequests:
		return 0.3
	case EventSpamKeywordInflation:
		return 0.5
	case EventRepeatFalseTakedown:
		return 0.6
	default:
		return 0
	}
}

// decayTau is the exponential decay time constant (spec §4.E: "τ = 24h").
const decayTau = 24 * time.Hour

// minDwell is the minimum time a tenant must remain in a state before a
// demotion is considered (spec §4.E).
const minDwell = time.Hour

// Promotion thresholds (spec §4.E): Clean < 0.25 <= Warning < 0.55 <=
// HighRisk < 0.80 <= Blocked.
const (
	warningThreshold  = 0.25
	highRiskThreshold = 0.55
	blockedThreshold  = 0.80
)

// Demotion thresholds carry a hysteresis band below the promotion
// threshold of the state being left, so a score oscillating near a
// boundary doesn't flap (spec §4.E gives the Blocked example explicitly;
// the same 0.20 band is applied uniformly — see DESIGN.md Open Question).
const (
	blockedDemoteBelow  = 0.60
	highRiskDemoteBelow = 0.35
	warningDemoteBelow  = 0.05
)

// Decay applies exponential decay to score over elapsed duration d.
func Decay(score float64, d time.Duration) float64 {
	if d <= 0 {
		return score
	}
	factor := math.Exp(-d.Seconds() / decayTau.Seconds())
	return score * factor
}

// clamp bounds v to [0, 1].
func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ApplyEvent computes the post-event score: score <- clamp(score*decay(dt) + severity, 0, 1)
// (spec §4.E).
func ApplyEvent(currentScore float64, lastEventAt, now time.Time, event EventType) float64 {
	decayed := Decay(currentScore, now.Sub(lastEventAt))
	return clamp(decayed + Severity(event))
}

// StateForScore maps a score to the state it would promote to if there were
// no hysteresis or dwell-time constraints (used on the promotion path,
// where those constraints don't apply — spec §4.E only gates demotions).
func StateForScore(score float64) tenant.AbuseState {
	switch {
	case score >= blockedThreshold:
		return tenant.AbuseStateBlocked
	case score >= highRiskThreshold:
		return tenant.AbuseStateHighRisk
	case score >= warningThreshold:
		return tenant.AbuseStateWarning
	default:
		return tenant.AbuseStateClean
	}
}

// Transition computes the next abuse state given the current state, score,
// and how long the tenant has dwelt in the current state. Promotions
// (moving toward Blocked) apply immediately once the score crosses a
// threshold. Demotions require both a lower hysteresis threshold and a
// minimum dwell time in the current state (spec §4.E).
func Transition(current tenant.AbuseState, score float64, dwell time.Duration) tenant.AbuseState {
	target := StateForScore(score)

	if rank(target) >= rank(current) {
		return target
	}

	// target is a demotion from current; gate it.
	if dwell < minDwell {
		return current
	}

	switch current {
	case tenant.AbuseStateBlocked:
		if score < blockedDemoteBelow {
			return demoteOneStep(current)
		}
		return current
	case tenant.AbuseStateHighRisk:
		if score < highRiskDemoteBelow {
			return demoteOneStep(current)
		}
		return current
	case tenant.AbuseStateWarning:
		if score < warningDemoteBelow {
			return demoteOneStep(current)
		}
		return current
	default:
		return current
	}
}

func rank(s tenant.AbuseState) int {
	switch s {
	case tenant.AbuseStateClean:
		return 0
	case tenant.AbuseStateWarning:
		return 1
	case tenant.AbuseStateHighRisk:
		return 2
	case tenant.AbuseStateBlocked:
		return 3
	default:
		return 0
	}
}

func demoteOneStep(s tenant.AbuseState) tenant.AbuseState {
	switch s {
	case tenant.AbuseStateBlocked:
		return tenant.AbuseStateHighRisk
	case tenant.AbuseStateHighRisk:
		return tenant.AbuseStateWarning
	case tenant.AbuseStateWarning:
		return tenant.AbuseStateClean
	default:
		return s
	}
}

// PriorityDemerit is the admission-priority penalty for a tenant's abuse
// state (spec §4.A, §4.E): HighRisk -2,000, Warning -500, others 0. Blocked
// tenants never reach the priority formula because they are refused
// admission outright.
func PriorityDemerit(s tenant.AbuseState) int {
	switch s {
	case tenant.AbuseStateHighRisk:
		return -2000
	case tenant.AbuseStateWarning:
		return -500
	default:
		return 0
	}
}

// Refused reports whether a tenant in state s is refused admission outright
// (spec §4.E admission hook).
func Refused(s tenant.AbuseState) bool {
	return s == tenant.AbuseStateBlocked
}
