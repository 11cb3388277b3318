package hierarchy

import (
	"context"
	"sync"

	"github.com/ShayCichocki/colony/internal/supervisor"
)

// eventQueue is an unbounded FIFO of process events. push never blocks, so
// it is safe as a supervisor OnEvent callback.
type eventQueue struct {
	mu    sync.Mutex
	items []supervisor.Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev supervisor.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop returns the oldest event, waiting for one until ctx ends.
func (q *eventQueue) pop(ctx context.Context) (supervisor.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = supervisor.Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return supervisor.Event{}, false
		}
	}
}
