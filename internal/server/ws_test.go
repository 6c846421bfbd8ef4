package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
)

func TestEncodeEventMessageFlattensData(t *testing.T) {
	e := &events.Event{
		Type:          events.HealthStatusChanged,
		Timestamp:     time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Module:        "health",
		CorrelationID: "corr-1",
		Data: &events.HealthStatusChangedData{
			AccountID: "A1",
			OldStatus: domain.HealthHealthy,
			NewStatus: domain.HealthUnhealthy,
			Reason:    "canary_stale",
		},
	}

	raw, err := encodeEventMessage(e)
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &flat))
	assert.Equal(t, "HEALTH_STATUS_CHANGED", flat["event_type"])
	assert.Equal(t, "health", flat["module"])
	assert.Equal(t, "corr-1", flat["correlation_id"])
	assert.Equal(t, "A1", flat["account_id"])
	assert.Equal(t, "UNHEALTHY", flat["new_status"])
	assert.Equal(t, "canary_stale", flat["reason"])
}

func TestDeliverRateLimitsPerSecond(t *testing.T) {
	c := &wsClient{queue: make(chan []byte, wsClientQueueSize)}
	now := time.Now().Unix()

	for i := 0; i < 150; i++ {
		c.deliver([]byte(strconv.Itoa(i)), now, 100)
	}
	assert.Equal(t, 100, len(c.queue))
	assert.EqualValues(t, 50, c.dropped.Load())

	// Past the ceiling the oldest frames give way, so the queue holds the
	// newest hundred events, not the first hundred.
	assert.Equal(t, []byte("50"), <-c.queue)
	for i := 0; i < 98; i++ {
		<-c.queue
	}
	assert.Equal(t, []byte("149"), <-c.queue)

	// A new second resets the window.
	c.deliver([]byte("next"), now+1, 100)
	assert.Equal(t, 1, len(c.queue))
	assert.Equal(t, []byte("next"), <-c.queue)
}

func TestDeliverDropsOldestWhenQueueFull(t *testing.T) {
	c := &wsClient{queue: make(chan []byte, 2)}
	now := time.Now().Unix()

	c.deliver([]byte("1"), now, 100)
	c.deliver([]byte("2"), now, 100)
	c.deliver([]byte("3"), now, 100)

	assert.EqualValues(t, 1, c.dropped.Load())
	assert.Equal(t, []byte("2"), <-c.queue)
	assert.Equal(t, []byte("3"), <-c.queue)
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *events.Bus, *httptest.Server) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(func() { bus.Close(time.Second) })

	b := NewBroadcaster(bus, &fakeSupervisor{}, &fakeHealthView{}, newFakeBindings(), BroadcastOptions{}, zerolog.Nop())
	b.Start()
	t.Cleanup(b.Close)

	ts := httptest.NewServer(httpHandler(b))
	t.Cleanup(ts.Close)
	return b, bus, ts
}

func httpHandler(b *Broadcaster) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.HandleWS)
	return mux
}

func TestWebSocketSnapshotAndEvents(t *testing.T) {
	b, bus, ts := newTestBroadcaster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The connection message carries the client id and the live snapshot.
	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	var hello map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &hello))
	assert.Equal(t, "connection", hello["event_type"])
	assert.NotEmpty(t, hello["client_id"])
	assert.Contains(t, hello, "snapshot")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish("test", &events.HealthStatusChangedData{
		AccountID: "A1",
		OldStatus: domain.HealthHealthy,
		NewStatus: domain.HealthUnhealthy,
	})

	_, raw, err = conn.Read(ctx)
	require.NoError(t, err)
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, "HEALTH_STATUS_CHANGED", event["event_type"])
	assert.Equal(t, "A1", event["account_id"])
}

func TestWebSocketPingAndResync(t *testing.T) {
	_, _, ts := newTestBroadcaster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx) // connection message
	require.NoError(t, err)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(raw))

	// A subscribe message re-sends the snapshot.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)))
	_, raw, err = conn.Read(ctx)
	require.NoError(t, err)
	var resync map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &resync))
	assert.Equal(t, "connection", resync["event_type"])
}

func TestBroadcasterCloseDisconnectsClients(t *testing.T) {
	b, _, ts := newTestBroadcaster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	b.Close()
	assert.Zero(t, b.ClientCount())
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
}
