package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	sseBuffer    = 64
	sseKeepalive = 15 * time.Second
)

// SSESubscriber streams events as text/event-stream frames.
type SSESubscriber struct {
	*ChanSubscriber
	w     io.Writer
	flush func()
}

// NewSSESubscriber writes frames to w, calling flush after each one.
func NewSSESubscriber(w io.Writer, flush func()) *SSESubscriber {
	if flush == nil {
		flush = func() {}
	}
	return &SSESubscriber{ChanSubscriber: NewChanSubscriber(sseBuffer), w: w, flush: flush}
}

// Serve writes queued events until ctx ends, the subscriber is closed, or a
// write fails.
func (s *SSESubscriber) Serve(ctx context.Context) error {
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-s.C():
			if !ok {
				return ErrSubscriberClosed
			}
			if err := writeSSE(s.w, e); err != nil {
				return err
			}
			s.flush()
		case <-keepalive.C:
			if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
				return err
			}
			s.flush()
		}
	}
}

func writeSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
	return err
}

// ServeSSE subscribes the request as an event stream and blocks until the
// client disconnects.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := NewSSESubscriber(w, flusher.Flush)
	h.Subscribe(sub)
	defer func() {
		h.Unsubscribe(sub)
		_ = sub.Close()
	}()

	if err := sub.Serve(r.Context()); err != nil && r.Context().Err() == nil {
		h.log.Debug().Err(err).Str("subscriber", sub.ID()).Msg("sse stream ended")
	}
}
