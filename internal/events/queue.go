package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/agentsh/warden/pkg/types"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("events: queue closed")

// Queue is an unbounded FIFO with many producers and a single consumer.
// Push never blocks; memory grows with the backlog.
type Queue struct {
	mu     sync.Mutex
	items  []types.Event
	head   int
	closed bool
	signal chan struct{}

	pushed atomic.Int64
	popped atomic.Int64
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends ev. It reports false when the queue is closed.
func (q *Queue) Push(ev types.Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.pushed.Add(1)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an event is available, ctx is done, or the queue is
// closed and empty.
func (q *Queue) Pop(ctx context.Context) (types.Event, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			ev := q.items[q.head]
			q.items[q.head] = types.Event{}
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			} else if q.head > 1024 && q.head*2 > len(q.items) {
				q.items = append([]types.Event(nil), q.items[q.head:]...)
				q.head = 0
			}
			q.mu.Unlock()
			q.popped.Add(1)
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return types.Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return types.Event{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Close stops accepting new events. Pending events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the current backlog.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Stats returns lifetime push/pop counts.
func (q *Queue) Stats() (pushed, popped int64) {
	return q.pushed.Load(), q.popped.Load()
}
