package background

import (
	"errors"
	"sync"
	"time"
)

// Priority orders queued work. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ErrQueueFull is returned when the bounded queue is at capacity.
var ErrQueueFull = errors.New("background: queue full")

// defaultQueueCap bounds pending work across all priorities.
const defaultQueueCap = 1000

// item is one queued execution of a registered task.
type item struct {
	name      string
	args      string
	priority  Priority
	notBefore time.Time
	attempt   int
	seq       uint64
}

// dedupeKey identifies logically identical pending work.
func (it *item) dedupeKey() string { return it.name + "\x00" + it.args }

// queue is a bounded in-memory priority queue with (name,args) deduping.
// Items with a future notBefore stay queued but are not eligible yet.
type queue struct {
	mu      sync.Mutex
	items   []*item
	pending map[string]bool
	cap     int
	nextSeq uint64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &queue{pending: make(map[string]bool), cap: capacity}
}

// push enqueues an item. A duplicate of already-pending work is dropped
// silently; a full queue returns ErrQueueFull.
func (q *queue) push(it *item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[it.dedupeKey()] {
		return nil
	}
	if len(q.items) >= q.cap {
		return ErrQueueFull
	}
	it.seq = q.nextSeq
	q.nextSeq++
	q.items = append(q.items, it)
	q.pending[it.dedupeKey()] = true
	return nil
}

// requeue puts a previously popped item back without dedupe bookkeeping
// conflicts. Retries bypass the capacity check so they cannot be lost.
func (q *queue) requeue(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it.seq = q.nextSeq
	q.nextSeq++
	q.items = append(q.items, it)
	q.pending[it.dedupeKey()] = true
}

// pop removes and returns the highest-priority item eligible to run at
// now, oldest first within a priority. Returns nil when nothing is ready.
func (q *queue) pop(now time.Time) *item {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, it := range q.items {
		if it.notBefore.After(now) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := q.items[best]
		if it.priority > b.priority || (it.priority == b.priority && it.seq < b.seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	it := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	delete(q.pending, it.dedupeKey())
	return it
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
