package egress

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
)

const (
	// clientQueueSize bounds the per-subscriber send queue; a subscriber
	// that falls further behind loses its newest frames.
	clientQueueSize = 1024
	// writeTimeout bounds a single frame write to one subscriber.
	writeTimeout = 5 * time.Second
	// rebindMax caps the backoff between bind attempts.
	rebindMax = 30 * time.Second
)

// Options configures the publisher.
type Options struct {
	// Bind is the TCP listen address, e.g. ":5556".
	Bind string
	// MetricsInterval is how often counters are emitted as SystemLog
	// events. Zero disables the emitter.
	MetricsInterval time.Duration
}

// client is one connected tick subscriber.
type client struct {
	conn    net.Conn
	queue   chan []byte
	done    chan struct{}
	dropped atomic.Uint64
}

// Publisher fans encoded tick frames out to all connected subscribers.
// Sends never block the caller: a full client queue drops the frame for
// that client only. A dead or unbindable socket never stops ingress; the
// listener rebinds with bounded backoff.
type Publisher struct {
	opts Options
	bus  *events.Bus
	log  zerolog.Logger

	mu      sync.Mutex
	ln      net.Listener
	clients map[uint64]*client
	nextID  uint64
	closed  bool

	sent        atomic.Uint64
	dropped     atomic.Uint64
	encodeNanos atomic.Int64
	encodeCount atomic.Uint64
}

// NewPublisher creates a tick publisher. Call Start to bind and serve.
func NewPublisher(opts Options, bus *events.Bus, log zerolog.Logger) *Publisher {
	return &Publisher{
		opts:    opts,
		bus:     bus,
		log:     log.With().Str("component", "tick_egress").Logger(),
		clients: make(map[uint64]*client),
	}
}

// Start launches the bind/accept loop and the metrics emitter. It returns
// immediately; bind failures are retried in the background.
func (p *Publisher) Start(ctx context.Context) {
	go p.serve(ctx)
	if p.opts.MetricsInterval > 0 {
		go p.emitMetrics(ctx)
	}
}

// serve binds the listener and accepts subscribers, rebinding with
// exponential backoff after any listener failure.
func (p *Publisher) serve(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		ln, err := net.Listen("tcp", p.opts.Bind)
		if err != nil {
			p.log.Error().Err(err).Str("bind", p.opts.Bind).Dur("retry_in", backoff).Msg("Egress bind failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > rebindMax {
				backoff = rebindMax
			}
			continue
		}
		backoff = time.Second

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			ln.Close()
			return
		}
		p.ln = ln
		p.mu.Unlock()

		p.log.Info().Str("bind", p.opts.Bind).Msg("Tick egress listening")
		p.acceptLoop(ctx, ln)

		p.mu.Lock()
		stopped := p.closed
		p.mu.Unlock()
		if stopped {
			return
		}
		p.log.Warn().Msg("Egress listener lost; rebinding")
	}
}

func (p *Publisher) acceptLoop(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.addClient(conn)
	}
}

func (p *Publisher) addClient(conn net.Conn) {
	c := &client{
		conn:  conn,
		queue: make(chan []byte, clientQueueSize),
		done:  make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.nextID++
	id := p.nextID
	p.clients[id] = c
	count := len(p.clients)
	p.mu.Unlock()

	p.log.Info().Str("remote", conn.RemoteAddr().String()).Int("subscribers", count).Msg("Tick subscriber connected")
	go p.writeLoop(id, c)
	go p.readLoop(id, c)
}

// writeLoop drains one client's queue onto its socket. Any write error
// removes the client.
func (p *Publisher) writeLoop(id uint64, c *client) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(frame); err != nil {
				p.log.Debug().Err(err).Str("remote", c.conn.RemoteAddr().String()).Msg("Subscriber write failed")
				p.removeClient(id)
				return
			}
			p.sent.Add(1)
		}
	}
}

// readLoop exists to detect subscriber disconnects; the protocol has no
// client-to-server messages, so anything read is discarded.
func (p *Publisher) readLoop(id uint64, c *client) {
	buf := make([]byte, 512)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			p.removeClient(id)
			return
		}
	}
}

func (p *Publisher) removeClient(id uint64) {
	p.mu.Lock()
	c, ok := p.clients[id]
	if ok {
		delete(p.clients, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	close(c.done)
	c.conn.Close()
	p.dropped.Add(c.dropped.Load())
}

// Forward encodes and fans one tick out. It never blocks and never returns
// an error to the caller: egress trouble is logged and counted, ingress
// goes on.
func (p *Publisher) Forward(tick domain.Tick) {
	started := time.Now()
	payload, err := EncodeTick(tick)
	if err != nil {
		p.log.Error().Err(err).Str("symbol", tick.Symbol).Msg("Tick encoding failed")
		return
	}
	p.encodeNanos.Add(time.Since(started).Nanoseconds())
	p.encodeCount.Add(1)

	frame := EncodeFrame(tick.Symbol, payload)

	p.mu.Lock()
	clients := make([]*client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		select {
		case c.queue <- frame:
		default:
			c.dropped.Add(1)
		}
	}

	p.bus.Publish("egress", &events.TickEgressedData{
		Symbol:          tick.Symbol,
		SourceAccountID: tick.SourceAccountID,
		Bytes:           len(frame),
	})
}

// emitMetrics periodically publishes throughput counters as SystemLog
// events for the dashboard.
func (p *Publisher) emitMetrics(ctx context.Context) {
	ticker := time.NewTicker(p.opts.MetricsInterval)
	defer ticker.Stop()
	var lastSent uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := p.sent.Load()
			perSec := float64(sent-lastSent) / p.opts.MetricsInterval.Seconds()
			lastSent = sent

			var avgEncodeMicros float64
			if n := p.encodeCount.Load(); n > 0 {
				avgEncodeMicros = float64(p.encodeNanos.Load()) / float64(n) / 1e3
			}

			p.mu.Lock()
			subscribers := len(p.clients)
			queued := 0
			droppedLive := uint64(0)
			for _, c := range p.clients {
				queued += len(c.queue)
				droppedLive += c.dropped.Load()
			}
			p.mu.Unlock()

			p.bus.Publish("egress", &events.SystemLogData{
				Level:   "info",
				Message: "tick egress stats",
				Source:  "egress",
				Metadata: map[string]interface{}{
					"subscribers":       subscribers,
					"frames_sent":       sent,
					"frames_per_sec":    perSec,
					"frames_dropped":    p.dropped.Load() + droppedLive,
					"queue_depth":       queued,
					"avg_encode_micros": avgEncodeMicros,
				},
			})
		}
	}
}

// Addr returns the bound listener address, or nil before the bind
// succeeds. Lets tests bind to port 0.
func (p *Publisher) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Stats returns the lifetime sent and dropped frame counters.
func (p *Publisher) Stats() (sent, dropped uint64) {
	p.mu.Lock()
	live := uint64(0)
	for _, c := range p.clients {
		live += c.dropped.Load()
	}
	p.mu.Unlock()
	return p.sent.Load(), p.dropped.Load() + live
}

// SubscriberCount returns the number of connected tick subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close stops the listener and disconnects all subscribers.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ln := p.ln
	ids := make([]uint64, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, id := range ids {
		p.removeClient(id)
	}
}
