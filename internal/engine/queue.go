package engine

import (
	"sync"

	"github.com/roach88/policyengine/internal/tracker"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeReport carries one step report.
	EventTypeReport EventType = iota + 1
	// EventTypeAbandon abandons an evaluation.
	EventTypeAbandon
)

// Event is one unit of intake work for the Run loop.
type Event struct {
	Type         EventType
	EvaluationID string
	Report       *tracker.Report
}

// ReportEvent wraps a step report for Enqueue.
func ReportEvent(id string, r tracker.Report) Event {
	return Event{Type: EventTypeReport, EvaluationID: id, Report: &r}
}

// AbandonEvent wraps an abandonment for Enqueue.
func AbandonEvent(id string) Event {
	return Event{Type: EventTypeAbandon, EvaluationID: id}
}

// eventQueue is a thread-safe unbounded FIFO queue for events.
//
// Reporters enqueue from any goroutine while the Engine's Run loop
// dequeues. The signal channel enables context-aware waiting in Run.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Clear the slot so the backing array does not retain the report.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed by Close.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// drained reports whether the queue is closed and empty.
func (q *eventQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
