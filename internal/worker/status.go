package worker

import (
	"sync"

	"github.com/HendryAvila/recall/internal/broadcast"
	"github.com/HendryAvila/recall/internal/memory"
	"github.com/HendryAvila/recall/internal/session"
)

// Processing reports aggregate queue state.
type Processing interface {
	IsProcessing() bool
	QueueDepth() int
}

// ProcessingStatus is the payload of processing_status events.
type ProcessingStatus struct {
	IsProcessing bool `json:"is_processing"`
	QueueDepth   int  `json:"queue_depth"`
}

// StatusNotifier turns registry changes into hub events: session_status
// when a session's lifecycle state moves, processing_status on every change.
// A session is forgotten once it reaches a terminal status.
type StatusNotifier struct {
	events Publisher
	queues Processing

	mu   sync.Mutex
	last map[int64]memory.Status
}

// NewStatusNotifier creates a notifier publishing to events.
func NewStatusNotifier(events Publisher, queues Processing) *StatusNotifier {
	return &StatusNotifier{events: events, queues: queues, last: make(map[int64]memory.Status)}
}

// OnChange is passed to session.Registry.OnChange.
func (n *StatusNotifier) OnChange(st session.State) {
	n.mu.Lock()
	prev, seen := n.last[st.ID]
	moved := !seen || prev != st.Status
	if st.Status.Terminal() {
		// Nothing follows a terminal status; later changes are queue drains.
		moved = seen && moved
		delete(n.last, st.ID)
	} else {
		n.last[st.ID] = st.Status
	}
	n.mu.Unlock()

	if moved {
		t := broadcast.EventSessionStatus
		if !seen && st.Status == memory.StatusActive {
			t = broadcast.EventSessionInitialized
		}
		n.events.Publish(t, st)
	}
	n.events.Publish(broadcast.EventProcessingStatus, ProcessingStatus{
		IsProcessing: n.queues.IsProcessing(),
		QueueDepth:   n.queues.QueueDepth(),
	})
}
