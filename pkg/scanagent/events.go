package scanagent

import (
	"context"

	"github.com/riclipi/dmca-deepagent-sub002/pkg/progress"
)

// NamespaceAgents is the progress namespace for scan agent runtime events
// (spec §4.G).
const NamespaceAgents = "/agents"

// Event names published over NamespaceAgents. The session-lifecycle,
// progress, and violation names reuse spec §4.G's core catalog verbatim
// (pkg/progress.Event*) so a WebSocket subscriber sees the wire names the
// spec promises. site:skipped_recent and site:blocked_by_robots are
// scanagent-specific extensions beyond the core catalog, named in the same
// colon style for consistency.
const (
	EventSessionState      = progress.EventSessionState
	EventSessionProgress   = progress.EventSessionProgress
	EventViolationDetected = progress.EventViolationDetected

	EventSiteSkippedRecent   = "site:skipped_recent"
	EventSiteBlockedByRobots = "site:blocked_by_robots"
)

// Publisher emits a best-effort event into the progress pub/sub fabric
// (spec §4.G: namespace, room, event name, payload). A nil Publisher is a
// valid no-op, matching the other ambient-concern packages' posture of
// degrading gracefully when an optional dependency is absent.
type Publisher interface {
	Publish(ctx context.Context, namespace, room, event string, payload map[string]any)
}

func roomForSession(sessionID string) string {
	return "session:" + sessionID
}

func publish(ctx context.Context, p Publisher, sessionID, event string, payload map[string]any) {
	if p == nil {
		return
	}
	p.Publish(ctx, NamespaceAgents, roomForSession(sessionID), event, payload)
}
