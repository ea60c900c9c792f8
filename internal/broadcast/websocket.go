package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// WriteWait is the timeout for writing one frame to a websocket.
	WriteWait = 10 * time.Second

	// PongWait is how long a client may stay silent before it is dropped.
	PongWait = 60 * time.Second

	// PingPeriod is how often ping frames are sent.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize bounds inbound client frames.
	MaxMessageSize = 512

	wsBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSSubscriber streams events to a websocket client as JSON text frames.
// Send only enqueues; a write pump owns the connection.
type WSSubscriber struct {
	*ChanSubscriber
	conn *websocket.Conn
	log  zerolog.Logger
}

// NewWSSubscriber wraps an upgraded connection.
func NewWSSubscriber(conn *websocket.Conn, log zerolog.Logger) *WSSubscriber {
	return &WSSubscriber{ChanSubscriber: NewChanSubscriber(wsBuffer), conn: conn, log: log}
}

// ServeWS upgrades the request, subscribes the connection and blocks until
// the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := NewWSSubscriber(conn, h.log)
	h.Subscribe(sub)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.writePump()
	}()

	sub.readPump()
	h.Unsubscribe(sub)
	_ = sub.Close()
	<-done
}

// writePump drains queued events onto the connection until the subscriber
// is closed or a write fails.
func (s *WSSubscriber) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case e, ok := <-s.C():
			_ = s.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(e); err != nil {
				s.log.Debug().Err(err).Str("subscriber", s.ID()).Msg("websocket write failed")
				_ = s.Close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}

// readPump discards client frames and returns when the connection closes.
func (s *WSSubscriber) readPump() {
	s.conn.SetReadLimit(MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Str("subscriber", s.ID()).Msg("websocket closed")
			}
			return
		}
	}
}
