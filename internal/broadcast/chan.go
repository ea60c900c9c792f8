package broadcast

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrSubscriberFull is returned when a subscriber's buffer has no room.
	ErrSubscriberFull = errors.New("broadcast: subscriber buffer full")

	// ErrSubscriberClosed is returned by Send after Close.
	ErrSubscriberClosed = errors.New("broadcast: subscriber closed")
)

// ChanSubscriber buffers events in a channel. Send never blocks: a full
// buffer is a delivery failure.
type ChanSubscriber struct {
	id     string
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewChanSubscriber creates a subscriber with the given buffer size.
func NewChanSubscriber(buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChanSubscriber{id: uuid.NewString(), ch: make(chan Event, buffer)}
}

// ID returns the subscriber id.
func (c *ChanSubscriber) ID() string { return c.id }

// C returns the receive side. It is closed after Close.
func (c *ChanSubscriber) C() <-chan Event { return c.ch }

// Send enqueues e without blocking.
func (c *ChanSubscriber) Send(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSubscriberClosed
	}
	select {
	case c.ch <- e:
		return nil
	default:
		return ErrSubscriberFull
	}
}

// Close closes the channel. It is safe to call more than once.
func (c *ChanSubscriber) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
