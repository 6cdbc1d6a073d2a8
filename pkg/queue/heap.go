package queue

import (
	"container/heap"
	"sort"
	"time"

	"github.com/google/uuid"
)

// waiterHeap orders waiters by descending priority (spec §4.A), breaking
// ties by earliest enqueue time. It is recomputed lazily: each waiter's
// priority decays with age, so rather than re-heapify on a clock tick,
// popBest calls touch to re-establish heap order as of now before popping.
type waiterHeap struct {
	items []*waiter
	now   time.Time // the instant priorities are evaluated against
}

func (h waiterHeap) Len() int { return len(h.items) }

func (h waiterHeap) Less(i, j int) bool {
	pi := priority(h.items[i].plan, h.items[i].enqueuedAt, h.now, h.items[i].demerit)
	pj := priority(h.items[j].plan, h.items[j].enqueuedAt, h.now, h.items[j].demerit)
	if pi != pj {
		return pi > pj
	}
	return h.items[i].enqueuedAt.Before(h.items[j].enqueuedAt)
}

func (h waiterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(h.items)
	h.items = append(h.items, w)
}

func (h *waiterHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	h.items = old[:n-1]
	return w
}

// touch re-establishes heap order as of now, since every waiter's priority
// is a function of age.
func (h *waiterHeap) touch(now time.Time) {
	h.now = now
	heap.Init(h)
}

func (h *waiterHeap) push(w *waiter) {
	heap.Push(h, w)
}

// popBest returns the highest-priority waiter satisfying accept, leaving
// every other waiter in place, or nil if none qualifies.
func (h *waiterHeap) popBest(now time.Time, accept func(*waiter) bool) *waiter {
	h.touch(now)

	var skipped []*waiter
	var picked *waiter
	for h.Len() > 0 {
		w := heap.Pop(h).(*waiter)
		if accept(w) {
			picked = w
			break
		}
		skipped = append(skipped, w)
	}
	for _, w := range skipped {
		heap.Push(h, w)
	}
	return picked
}

// removeByID removes and returns the waiter with the given queueID, if present.
func (h *waiterHeap) removeByID(queueID uuid.UUID) *waiter {
	for i, w := range h.items {
		if w.queueID == queueID {
			heap.Remove(h, i)
			return w
		}
	}
	return nil
}

// ranked returns a snapshot of the current waiters in full priority order
// as of now. The underlying heap array only guarantees parent/child
// ordering, not a total order, so callers that need rank (position in
// line) must sort rather than read h.items directly.
func (h *waiterHeap) ranked(now time.Time) []*waiter {
	h.now = now
	items := make([]*waiter, len(h.items))
	copy(items, h.items)
	sort.SliceStable(items, func(i, j int) bool {
		pi := priority(items[i].plan, items[i].enqueuedAt, now, items[i].demerit)
		pj := priority(items[j].plan, items[j].enqueuedAt, now, items[j].demerit)
		if pi != pj {
			return pi > pj
		}
		return items[i].enqueuedAt.Before(items[j].enqueuedAt)
	})
	return items
}

// positionOf returns the 1-based rank of queueID among current waiters
// ordered by priority as of now, or 0 if not found.
func (h *waiterHeap) positionOf(now time.Time, queueID uuid.UUID) int {
	for i, w := range h.ranked(now) {
		if w.queueID == queueID {
			return i + 1
		}
	}
	return 0
}
