package progress

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/riclipi/dmca-deepagent-sub002/internal/telemetry"
)

// DefaultBufferSize is the per-subscriber bounded buffer size of spec §4.G's
// delivery semantics.
const DefaultBufferSize = 256

// ErrClosed is returned by Next once the subscriber has been unregistered
// and its buffered events drained.
var ErrClosed = errors.New("progress: subscriber closed")

// Subscriber is one registered listener on a (namespace, room) tuple.
// Publishers never block on a slow subscriber: deliver drops the oldest
// buffered event to make room for the newest and raises a one-shot overflow
// signal, matching spec §4.G's "oldest events are dropped" rule.
type Subscriber struct {
	ID        string
	Namespace string
	Room      string

	events   chan Event
	overflow chan struct{}
	done     chan struct{}
}

func newSubscriber(namespace, room string, bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Subscriber{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Room:      room,
		events:    make(chan Event, bufferSize),
		overflow:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// deliver enqueues e, dropping the oldest buffered event and flagging
// overflow if the buffer is full.
func (s *Subscriber) deliver(e Event) {
	select {
	case s.events <- e:
		return
	default:
	}

	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- e:
	default:
	}

	select {
	case s.overflow <- struct{}{}:
		telemetry.ProgressOverflowsTotal.WithLabelValues(s.Namespace).Inc()
	default:
	}
}

// Next blocks until an event is available, the subscriber is closed, or ctx
// is cancelled. Buffered real events are always drained before the
// synthesized overflow diagnostic, so a stalled-then-resumed subscriber
// observes its most recent buffered events followed by a single overflow
// event, never the reverse.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case e := <-s.events:
			return e, nil
		default:
		}

		select {
		case e := <-s.events:
			return e, nil
		case <-s.overflow:
			return Event{Namespace: s.Namespace, Room: s.Room, Name: EventOverflow}, nil
		case <-s.done:
			select {
			case e := <-s.events:
				return e, nil
			default:
				return Event{}, ErrClosed
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (s *Subscriber) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
