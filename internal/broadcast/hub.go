// Package broadcast fans service events out to live subscribers.
//
// Delivery is best effort: every Broadcast walks a snapshot of the current
// subscribers once, and a subscriber whose Send fails is removed and closed
// while delivery to the others continues. Nothing is replayed.
package broadcast

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType names the kind of event.
type EventType string

const (
	EventSessionInitialized EventType = "session_initialized"
	EventNewObservation     EventType = "new_observation"
	EventNewSummary         EventType = "new_summary"
	EventSessionStatus      EventType = "session_status"
	EventProcessingStatus   EventType = "processing_status"
)

// Event is one message delivered to subscribers.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// NewEvent stamps a new event with a fresh id and the current time.
func NewEvent(t EventType, data any) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: time.Now().UTC(), Data: data}
}

// Subscriber receives events. Send must not block for long; a returned
// error removes the subscriber from the hub. Subscribers that implement
// io.Closer are closed on removal.
type Subscriber interface {
	ID() string
	Send(Event) error
}

// Hub holds the live subscriber set.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
	log  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{subs: make(map[string]Subscriber), log: log}
}

// Subscribe adds s. A subscriber with the same id replaces the old one.
func (h *Hub) Subscribe(s Subscriber) {
	h.mu.Lock()
	h.subs[s.ID()] = s
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Debug().Str("subscriber", s.ID()).Int("subscribers", n).Msg("subscriber added")
}

// Unsubscribe removes s without closing it.
func (h *Hub) Unsubscribe(s Subscriber) {
	h.mu.Lock()
	if cur, ok := h.subs[s.ID()]; ok && cur == s {
		delete(h.subs, s.ID())
	}
	h.mu.Unlock()
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast delivers e to every subscriber present when it is called and
// returns how many accepted it.
func (h *Hub) Broadcast(e Event) int {
	h.mu.RLock()
	snapshot := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		if err := s.Send(e); err != nil {
			h.remove(s, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Publish builds an event and broadcasts it.
func (h *Hub) Publish(t EventType, data any) {
	h.Broadcast(NewEvent(t, data))
}

func (h *Hub) remove(s Subscriber, cause error) {
	h.Unsubscribe(s)
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
	h.log.Warn().Err(cause).Str("subscriber", s.ID()).Msg("subscriber removed after failed delivery")
}
