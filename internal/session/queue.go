package session

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/HendryAvila/recall/internal/memory"
)

// queue is the in-memory FIFO of one session plus its lifecycle flags.
//
// wake has capacity one and is signalled without blocking, so any number of
// enqueues between two consumer wake-ups collapse into a single signal.
// done is closed to stop the consumer immediately; a completed session
// instead sets draining and lets the consumer empty the queue first.
type queue struct {
	mu           sync.Mutex
	info         Info
	items        []Message
	wake         chan struct{}
	done         chan struct{}
	stopped      bool
	draining     bool
	inFlight     bool
	driven       bool
	lastActivity time.Time
}

func newQueue(info Info, now time.Time) *queue {
	return &queue{
		info:         info,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		lastActivity: now,
	}
}

// newStoppedQueue registers a session that has no consumer in this process.
func newStoppedQueue(info Info, now time.Time) *queue {
	q := newQueue(info, now)
	q.stop()
	return q
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// stop closes done once. Callers hold q.mu or own q exclusively.
func (q *queue) stop() {
	if !q.stopped {
		q.stopped = true
		close(q.done)
	}
}

// restart prepares a stopped queue for a new consumer. Callers hold q.mu.
func (q *queue) restart(now time.Time) {
	q.items = nil
	q.done = make(chan struct{})
	q.stopped = false
	q.draining = false
	q.inFlight = false
	q.lastActivity = now
}

func (q *queue) accepting() bool {
	return !q.stopped && !q.draining && q.info.Status == memory.StatusActive
}

func (q *queue) state() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{
		Info:         q.info,
		QueueDepth:   len(q.items),
		IsProcessing: q.inFlight || len(q.items) > 0,
	}
}

func (q *queue) snapshot() Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.info
}

// messages yields queued messages in FIFO order until done is closed, ctx
// ends, or a draining queue runs empty. done is captured by the caller so a
// consumer from a previous activation never steals from a resumed queue.
func (q *queue) messages(ctx context.Context, done <-chan struct{}, now func() time.Time, changed func()) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			q.mu.Lock()
			select {
			case <-done:
				q.mu.Unlock()
				return
			default:
			}

			if len(q.items) > 0 {
				msg := q.items[0]
				q.items[0] = Message{}
				q.items = q.items[1:]
				q.inFlight = true
				q.mu.Unlock()
				changed()

				cont := yield(msg)

				q.mu.Lock()
				q.inFlight = false
				q.lastActivity = now()
				q.mu.Unlock()
				changed()
				if !cont {
					return
				}
				continue
			}

			if q.draining {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()

			select {
			case <-q.wake:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
