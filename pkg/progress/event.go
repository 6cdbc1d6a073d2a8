// Package progress implements the real-time progress pub/sub fabric of
// spec §4.G: a single-process broker of namespaces and rooms that streams
// scan lifecycle, queue, and violation events to subscribed clients.
package progress

import "time"

// Event-name constants for the core catalog of spec §4.G.
const (
	EventQueueUpdate       = "queue:update"
	EventQueueStats        = "queue:stats"
	EventSessionProgress   = "session:progress"
	EventSessionState      = "session:state"
	EventViolationDetected = "violation:detected"
	EventAgentStarted      = "agent:started"
	EventAgentCompleted    = "agent:completed"
	EventAgentError        = "agent:error"

	// EventOverflow is a subscriber-local diagnostic synthesized by the
	// broker, never published by a caller.
	EventOverflow = "overflow"
)

// Event is a single message delivered to a subscriber: a (namespace, room)
// address, an event name, and an opaque payload. Events are transient —
// spec §3 is explicit that a Progress Event is never persisted.
type Event struct {
	Namespace string         `json:"namespace"`
	Room      string         `json:"room"`
	Name      string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"-"`
}
