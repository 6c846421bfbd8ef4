package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/quotehub/internal/events"
)

const wsClientQueueSize = 512

// BroadcastOptions configures the WebSocket broadcaster.
type BroadcastOptions struct {
	// PingInterval is how often each client is pinged.
	PingInterval time.Duration
	// PongTimeout closes a client that does not answer a ping in time.
	PongTimeout time.Duration
	// MaxEventsPerSec is the per-client delivery ceiling; excess events are
	// dropped for that client only.
	MaxEventsPerSec int
}

// wsClient is one connected dashboard.
type wsClient struct {
	id    string
	conn  *websocket.Conn
	queue chan []byte
	done  chan struct{}

	dropped    atomic.Uint64
	windowSec  int64
	windowSent int
}

// Broadcaster fans bus events out to WebSocket dashboards as JSON frames.
// Delivery is lossy per client: a slow or rate-limited client loses its
// oldest undelivered events, the bus is never blocked.
type Broadcaster struct {
	bus      *events.Bus
	sup      SessionController
	health   HealthView
	bindings BindingView
	opts     BroadcastOptions
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[string]*wsClient
	closed  bool

	unsub func()
}

// NewBroadcaster creates the broadcaster. Call Start to attach to the bus.
func NewBroadcaster(bus *events.Bus, sup SessionController, health HealthView, bindings BindingView, opts BroadcastOptions, log zerolog.Logger) *Broadcaster {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.MaxEventsPerSec <= 0 {
		opts.MaxEventsPerSec = 100
	}
	return &Broadcaster{
		bus:      bus,
		sup:      sup,
		health:   health,
		bindings: bindings,
		opts:     opts,
		log:      log.With().Str("component", "broadcaster").Logger(),
		clients:  make(map[string]*wsClient),
	}
}

// Start subscribes to every bus event.
func (b *Broadcaster) Start() {
	b.unsub = b.bus.SubscribeBuffered(1024, b.onEvent)
}

func (b *Broadcaster) onEvent(e *events.Event) {
	msg, err := encodeEventMessage(e)
	if err != nil {
		b.log.Error().Err(err).Str("event_type", string(e.Type)).Msg("Failed to encode event")
		return
	}
	now := time.Now().Unix()

	b.mu.Lock()
	clients := make([]*wsClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.deliver(msg, now, b.opts.MaxEventsPerSec)
	}
}

// deliver enqueues one frame, enforcing the per-second ceiling and the
// drop-oldest queue policy.
func (c *wsClient) deliver(msg []byte, nowSec int64, maxPerSec int) {
	if c.windowSec != nowSec {
		c.windowSec = nowSec
		c.windowSent = 0
	}
	if c.windowSent >= maxPerSec {
		// At the ceiling the newest event still wins: evict the oldest
		// undelivered frame to make room. With nothing queued the incoming
		// frame is itself the oldest, so it is the one lost.
		c.dropped.Add(1)
		select {
		case <-c.queue:
		default:
			return
		}
		select {
		case c.queue <- msg:
		default:
		}
		return
	}
	c.windowSent++

	select {
	case c.queue <- msg:
		return
	default:
	}
	select {
	case <-c.queue:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.queue <- msg:
	default:
		c.dropped.Add(1)
	}
}

// encodeEventMessage flattens an event into the wire shape
// {event_type, timestamp, module, ...event-specific fields}.
func encodeEventMessage(e *events.Event) ([]byte, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	flat["event_type"] = string(e.Type)
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	flat["module"] = e.Module
	if e.CorrelationID != "" {
		flat["correlation_id"] = e.CorrelationID
	}
	return json.Marshal(flat)
}

// HandleWS upgrades the request and serves one dashboard connection.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}

	c := &wsClient{
		id:    uuid.New().String(),
		conn:  conn,
		queue: make(chan []byte, wsClientQueueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	b.clients[c.id] = c
	count := len(b.clients)
	b.mu.Unlock()

	b.log.Info().Str("client_id", c.id).Int("clients", count).Msg("Dashboard connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := b.sendSnapshot(ctx, c); err != nil {
		b.removeClient(c, websocket.StatusInternalError, "snapshot failed")
		return
	}

	go b.writeLoop(ctx, c)
	go b.heartbeat(ctx, c)
	b.readLoop(ctx, c)
	b.removeClient(c, websocket.StatusNormalClosure, "")
}

// sendSnapshot delivers the connection message: client id plus the current
// sessions/health/bindings view.
func (b *Broadcaster) sendSnapshot(ctx context.Context, c *wsClient) error {
	snapshot := map[string]interface{}{
		"event_type": "connection",
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"client_id":  c.id,
		"snapshot": map[string]interface{}{
			"sessions": b.sup.ListSessions(),
			"health":   b.health.Snapshots(),
			"bindings": b.bindings.Snapshots(),
		},
	}
	msg, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, msg)
}

func (b *Broadcaster) writeLoop(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.queue:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				b.removeClient(c, websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// heartbeat pings the client on the configured interval; a missed pong
// closes the connection. nhooyr's Ping blocks until the matching pong.
func (b *Broadcaster) heartbeat(ctx context.Context, c *wsClient) {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, b.opts.PongTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				b.log.Info().Str("client_id", c.id).Msg("Client missed pong; closing")
				b.removeClient(c, websocket.StatusPolicyViolation, "pong timeout")
				return
			}
		}
	}
}

// clientMessage is what dashboards may send.
type clientMessage struct {
	Type string `json:"type"` // ping, pong, subscribe
}

// readLoop processes client messages until the connection drops. A
// "subscribe" message re-sends the current snapshot, which is how a client
// resynchronizes after dropped events.
func (b *Broadcaster) readLoop(ctx context.Context, c *wsClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = c.conn.Write(writeCtx, websocket.MessageText, pong)
			cancel()
		case "subscribe":
			if err := b.sendSnapshot(ctx, c); err != nil {
				return
			}
		}
	}
}

func (b *Broadcaster) removeClient(c *wsClient, status websocket.StatusCode, reason string) {
	b.mu.Lock()
	_, ok := b.clients[c.id]
	if ok {
		delete(b.clients, c.id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.conn.Close(status, reason)
	if d := c.dropped.Load(); d > 0 {
		b.log.Info().Str("client_id", c.id).Uint64("dropped", d).Msg("Dashboard disconnected")
	}
}

// ClientCount returns the number of connected dashboards.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close sends close frames to every client and detaches from the bus.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := make([]*wsClient, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	if b.unsub != nil {
		b.unsub()
	}
	for _, c := range clients {
		b.removeClient(c, websocket.StatusGoingAway, "shutting down")
	}
}
