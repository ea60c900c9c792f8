package broadcast

import (
	"bufio"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSub struct {
	id     string
	sends  atomic.Int32
	closed atomic.Bool
}

func (f *failingSub) ID() string { return f.id }

func (f *failingSub) Send(Event) error {
	f.sends.Add(1)
	return errors.New("connection reset")
}

func (f *failingSub) Close() error {
	f.closed.Store(true)
	return nil
}

func recv(t *testing.T, c *ChanSubscriber) Event {
	t.Helper()
	select {
	case e, ok := <-c.C():
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcast_FailureIsolation(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := NewChanSubscriber(4)
	bad := &failingSub{id: "bad"}
	b := NewChanSubscriber(4)

	hub.Subscribe(a)
	hub.Subscribe(bad)
	hub.Subscribe(b)
	require.Equal(t, 3, hub.Len())

	e := NewEvent(EventNewObservation, map[string]int64{"id": 1})
	delivered := hub.Broadcast(e)

	assert.Equal(t, 2, delivered)
	assert.Equal(t, e.ID, recv(t, a).ID)
	assert.Equal(t, e.ID, recv(t, b).ID)
	assert.True(t, bad.closed.Load(), "failed subscriber should be closed")
	assert.Equal(t, 2, hub.Len(), "failed subscriber should be removed")

	hub.Publish(EventNewSummary, nil)
	assert.Equal(t, int32(1), bad.sends.Load(), "removed subscriber must not receive again")
	assert.Equal(t, EventNewSummary, recv(t, a).Type)
	assert.Equal(t, EventNewSummary, recv(t, b).Type)
}

func TestBroadcast_FullBufferRemovesSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := NewChanSubscriber(1)
	hub.Subscribe(slow)

	assert.Equal(t, 1, hub.Broadcast(NewEvent(EventSessionStatus, nil)))
	assert.Equal(t, 0, hub.Broadcast(NewEvent(EventSessionStatus, nil)))
	assert.Equal(t, 0, hub.Len())

	// The buffered event is still readable, then the channel reports closed.
	_, ok := <-slow.C()
	assert.True(t, ok)
	_, ok = <-slow.C()
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Send(Event{}), ErrSubscriberClosed)
}

func TestBroadcast_NoReplay(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Publish(EventSessionInitialized, nil)

	late := NewChanSubscriber(4)
	hub.Subscribe(late)
	select {
	case e := <-late.C():
		t.Fatalf("late subscriber received %v", e.Type)
	default:
	}
}

func TestUnsubscribe_DoesNotClose(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	s := NewChanSubscriber(1)
	hub.Subscribe(s)
	hub.Unsubscribe(s)

	assert.Equal(t, 0, hub.Len())
	assert.NoError(t, s.Send(Event{}))
}

func TestBroadcast_ConcurrentSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := NewChanSubscriber(100)
			hub.Subscribe(s)
			hub.Unsubscribe(s)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(EventProcessingStatus, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Len())
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventNewObservation, nil)
	b := NewEvent(EventNewObservation, nil)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Time.IsZero())
}

// ─── Transports ─────────────────────────────────────────────────────────────

func TestServeWS_StreamsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(EventNewObservation, map[string]any{"id": 42})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventNewObservation, got.Type)
	assert.NotEmpty(t, got.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeSSE_StreamsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)
	e := NewEvent(EventNewSummary, map[string]any{"id": 7})
	hub.Broadcast(e)

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
	assert.Equal(t, "id: "+e.ID, lines[0])
	assert.Equal(t, "event: new_summary", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "data: {"), lines[2])
}
