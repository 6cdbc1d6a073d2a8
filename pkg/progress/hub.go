package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/riclipi/dmca-deepagent-sub002/internal/telemetry"
)

// Validator checks a subscription token against a namespace, delegating
// the authentication hook of spec §4.G ("namespace entry can require a
// token; the check is delegated to an external validator and performed at
// subscription time") to the caller.
type Validator func(ctx context.Context, namespace, token string) error

// Hub is the namespace/room broker of spec §4.G: subscribers register with
// (namespace, room) tuples; Publish fans an event out to every subscriber
// of a room, or of an entire namespace when room is empty. Registration is
// guarded by a small mutex; once a room's subscriber set is snapshotted,
// fan-out proceeds without holding the lock.
type Hub struct {
	bufferSize int
	validator  Validator

	mu      sync.RWMutex
	guarded map[string]bool
	rooms   map[string]map[string]map[*Subscriber]struct{}
	allSubs map[string]*Subscriber
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithBufferSize overrides DefaultBufferSize for every subscriber this hub
// creates.
func WithBufferSize(n int) Option {
	return func(h *Hub) { h.bufferSize = n }
}

// New builds a Hub. validator may be nil; namespaces are only checked
// against it once marked with RequireAuth.
func New(validator Validator, opts ...Option) *Hub {
	h := &Hub{
		bufferSize: DefaultBufferSize,
		validator:  validator,
		guarded:    make(map[string]bool),
		rooms:      make(map[string]map[string]map[*Subscriber]struct{}),
		allSubs:    make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RequireAuth marks namespace as requiring a validator pass at Subscribe
// time.
func (h *Hub) RequireAuth(namespace string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.guarded[namespace] = true
}

// Subscribe registers a new listener on (namespace, room). If namespace was
// marked with RequireAuth, token is checked against the hub's Validator
// first.
func (h *Hub) Subscribe(ctx context.Context, namespace, room, token string) (*Subscriber, error) {
	h.mu.RLock()
	guarded := h.guarded[namespace]
	h.mu.RUnlock()

	if guarded {
		if h.validator == nil {
			return nil, fmt.Errorf("progress: namespace %q requires auth but no validator is configured", namespace)
		}
		if err := h.validator(ctx, namespace, token); err != nil {
			return nil, fmt.Errorf("progress: subscribe rejected: %w", err)
		}
	}

	sub := newSubscriber(namespace, room, h.bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	byRoom, ok := h.rooms[namespace]
	if !ok {
		byRoom = make(map[string]map[*Subscriber]struct{})
		h.rooms[namespace] = byRoom
	}
	subs, ok := byRoom[room]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		byRoom[room] = subs
	}
	subs[sub] = struct{}{}
	h.allSubs[sub.ID] = sub
	telemetry.ProgressSubscribers.WithLabelValues(namespace).Inc()

	return sub, nil
}

// Unsubscribe removes sub from its room and closes it, releasing any
// blocked Next call.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if byRoom, ok := h.rooms[sub.Namespace]; ok {
		if subs, ok := byRoom[sub.Room]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(byRoom, sub.Room)
			}
		}
		if len(byRoom) == 0 {
			delete(h.rooms, sub.Namespace)
		}
	}
	delete(h.allSubs, sub.ID)
	h.mu.Unlock()

	telemetry.ProgressSubscribers.WithLabelValues(sub.Namespace).Dec()
	sub.close()
}

// Publish emits event into namespace, optionally constrained to room. An
// empty room fans out to every room currently registered in the namespace.
// Publish never blocks on a slow subscriber (spec §4.G).
func (h *Hub) Publish(ctx context.Context, namespace, room, event string, payload map[string]any) {
	e := Event{Namespace: namespace, Room: room, Name: event, Payload: payload}

	h.mu.RLock()
	var targets []*Subscriber
	byRoom, ok := h.rooms[namespace]
	if ok {
		if room != "" {
			for sub := range byRoom[room] {
				targets = append(targets, sub)
			}
		} else {
			for _, subs := range byRoom {
				for sub := range subs {
					targets = append(targets, sub)
				}
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		e.Room = sub.Room
		sub.deliver(e)
	}
}

// SubscriberCount reports how many subscribers are currently registered
// across every namespace and room, for diagnostics and tests.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allSubs)
}
