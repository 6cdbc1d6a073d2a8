package queue

import (
	"context"

	"github.com/riclipi/dmca-deepagent-sub002/pkg/progress"
)

// NamespaceMonitoring is the progress pub/sub namespace for admission
// coordinator events (spec §4.G catalog: queue:update, queue:stats). Unlike
// the per-session rooms of pkg/scanagent, queue state has no natural room:
// subscribers register with an empty room and receive every event published
// to the namespace.
const NamespaceMonitoring = "/monitoring"

// Publisher emits a best-effort event into the progress pub/sub fabric. A
// nil Publisher is a valid no-op.
type Publisher interface {
	Publish(ctx context.Context, namespace, room, event string, payload map[string]any)
}

func publish(ctx context.Context, p Publisher, event string, payload map[string]any) {
	if p == nil {
		return
	}
	p.Publish(ctx, NamespaceMonitoring, "", event, payload)
}

// counts snapshots the coordinator's occupancy and lifetime totals for the
// queue:update and queue:stats payloads.
type counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (c *Coordinator) publishQueueState(ctx context.Context) {
	c.mu.Lock()
	snap := counts{
		Pending:    len(c.waiters.items),
		Processing: c.runningGlobal,
		Completed:  c.completed,
		Failed:     c.failed,
	}
	c.mu.Unlock()

	payload := map[string]any{
		"pending":    snap.Pending,
		"processing": snap.Processing,
		"completed":  snap.Completed,
		"failed":     snap.Failed,
	}
	publish(ctx, c.publisher, progress.EventQueueUpdate, payload)
	publish(ctx, c.publisher, progress.EventQueueStats, payload)
}
