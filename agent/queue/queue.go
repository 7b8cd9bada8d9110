package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vigil-sec/vigil/agent/event"
)

// ErrQueueFull is returned by OfferErr when an event is dropped at capacity.
var ErrQueueFull = errors.New("event queue at capacity")

// Queue is a bounded FIFO buffer between the monitors and the transmitter.
// Offer is safe for concurrent producers; Drain is meant for a single
// consumer. Events are never mutated while queued.
type Queue struct {
	mu      sync.Mutex
	events  []event.Event
	cap     int
	high    int
	dropped atomic.Uint64
	ready   chan struct{}
}

// New creates a queue with the given capacity and high-water mark. When
// occupancy reaches the high-water mark, a wakeup is posted to Ready so the
// consumer can flush ahead of its timer.
func New(capacity, highWater int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	if highWater <= 0 || highWater > capacity {
		highWater = 100
	}
	return &Queue{
		events: make([]event.Event, 0, capacity),
		cap:    capacity,
		high:   highWater,
		ready:  make(chan struct{}, 1),
	}
}

// Offer appends ev without blocking. It returns false when the queue is at
// capacity; the event is dropped and the dropped counter incremented.
func (q *Queue) Offer(ev event.Event) bool {
	q.mu.Lock()
	if len(q.events) >= q.cap {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	q.events = append(q.events, ev)
	signal := len(q.events) >= q.high
	q.mu.Unlock()

	if signal {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return true
}

// OfferErr is Offer with an error result for callers that propagate it.
func (q *Queue) OfferErr(ev event.Event) error {
	if !q.Offer(ev) {
		return ErrQueueFull
	}
	return nil
}

// Drain removes and returns up to max events in insertion order. It never
// blocks; an empty queue yields an empty slice.
func (q *Queue) Drain(max int) []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || max > len(q.events) {
		max = len(q.events)
	}
	if max == 0 {
		return nil
	}

	batch := make([]event.Event, max)
	copy(batch, q.events[:max])

	// Shift in place so the backing array keeps its capacity.
	n := copy(q.events, q.events[max:])
	q.events = q.events[:n]

	return batch
}

// Ready returns the channel signalled when occupancy crosses the high-water
// mark. The channel has a buffer of one; wakeups coalesce.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the current occupancy.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped returns the total number of events dropped at capacity.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
