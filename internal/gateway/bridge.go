package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second
)

// dialect captures the differences between vendor SDK bridges: endpoint
// defaults, authentication fields and the shape of tick frames.
type dialect interface {
	name() string
	defaultEndpoint() string
	authFields(settings map[string]string) map[string]string
	mapTick(payload json.RawMessage) (RawTick, error)
}

// bridgeFrame is the envelope the SDK bridge process speaks over the
// websocket. One JSON object per frame.
type bridgeFrame struct {
	Op      string          `json:"op"` // state, tick, error
	Status  string          `json:"status,omitempty"`
	Detail  string          `json:"detail,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// bridgeCommand is the outbound frame shape.
type bridgeCommand struct {
	Op      string            `json:"op"` // auth, subscribe, unsubscribe
	Fields  map[string]string `json:"fields,omitempty"`
	Symbols []string          `json:"symbols,omitempty"`
}

// bridgeClient connects to a local vendor SDK bridge over a websocket and
// translates its frames into adaptor callbacks.
type bridgeClient struct {
	dialect    dialect
	accountID  string
	cb         Callbacks
	httpClient *http.Client
	log        zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	state      State
	subscribed map[string]struct{}
	terminated bool
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1, which the
// websocket upgrade handshake requires even when the bridge sits behind a
// TLS-terminating proxy that would otherwise negotiate HTTP/2.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

func newBridgeClient(d dialect, accountID string, cb Callbacks, log zerolog.Logger) *bridgeClient {
	return &bridgeClient{
		dialect:    d,
		accountID:  accountID,
		cb:         cb,
		httpClient: createHTTP1Client(),
		log: log.With().
			Str("component", d.name()+"_bridge").
			Str("account_id", accountID).
			Logger(),
		state:      StateDisconnected,
		subscribed: make(map[string]struct{}),
	}
}

// Connect dials the bridge asynchronously. The result arrives via OnState.
func (c *bridgeClient) Connect(ctx context.Context, settings map[string]string) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return fmt.Errorf("adaptor for %s already terminated", c.accountID)
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.emitState(StateConnecting, "")

	endpoint := settings["bridge_url"]
	if endpoint == "" {
		endpoint = c.dialect.defaultEndpoint()
	}

	go c.dialAndRun(ctx, endpoint, settings)
	return nil
}

// dialAndRun performs the dial, authentication and subscription replay,
// then enters the read loop. Runs on its own goroutine per connection.
func (c *bridgeClient) dialAndRun(ctx context.Context, endpoint string, settings map[string]string) {
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	c.log.Info().Str("endpoint", endpoint).Msg("Dialing SDK bridge")

	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("Bridge dial failed")
		c.setState(StateError)
		c.emitState(StateError, err.Error())
		return
	}
	// Tick bursts from the bridge can exceed the default 32KB read limit.
	conn.SetReadLimit(1 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "terminated")
		return
	}
	c.conn = conn
	c.connCtx = connCtx
	c.cancelFunc = connCancel
	resubscribe := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		resubscribe = append(resubscribe, s)
	}
	c.mu.Unlock()

	if err := c.write(connCtx, bridgeCommand{Op: "auth", Fields: c.dialect.authFields(settings)}); err != nil {
		c.log.Error().Err(err).Msg("Bridge auth failed")
		c.teardown(StateError, err.Error())
		return
	}
	if len(resubscribe) > 0 {
		if err := c.write(connCtx, bridgeCommand{Op: "subscribe", Symbols: resubscribe}); err != nil {
			c.log.Error().Err(err).Msg("Subscription replay failed")
			c.teardown(StateError, err.Error())
			return
		}
	}

	c.readMessages(connCtx)
}

// Disconnect closes the bridge connection.
func (c *bridgeClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancelFunc
	c.conn = nil
	c.connCtx = nil
	c.cancelFunc = nil
	wasConnected := c.state == StateConnected || c.state == StateConnecting
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if wasConnected {
		c.emitState(StateDisconnected, "disconnect requested")
	}
	return nil
}

// Terminate destroys the adaptor. Safe to call at any time, in any state;
// afterwards the instance is inert and a fresh one must be created.
func (c *bridgeClient) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	conn := c.conn
	cancel := c.cancelFunc
	c.conn = nil
	c.cancelFunc = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "terminated")
	}
	c.log.Info().Msg("Adaptor terminated")
}

// Subscribe adds symbols to the subscription set and forwards the delta to
// the bridge when connected. Idempotent.
func (c *bridgeClient) Subscribe(symbols []string) error {
	return c.changeSubscription("subscribe", symbols)
}

// Unsubscribe removes symbols from the subscription set. Idempotent.
func (c *bridgeClient) Unsubscribe(symbols []string) error {
	return c.changeSubscription("unsubscribe", symbols)
}

func (c *bridgeClient) changeSubscription(op string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	c.mu.Lock()
	delta := make([]string, 0, len(symbols))
	for _, s := range symbols {
		_, have := c.subscribed[s]
		if op == "subscribe" && !have {
			c.subscribed[s] = struct{}{}
			delta = append(delta, s)
		} else if op == "unsubscribe" && have {
			delete(c.subscribed, s)
			delta = append(delta, s)
		}
	}
	ctx := c.connCtx
	connected := c.state == StateConnected && ctx != nil
	c.mu.Unlock()

	if len(delta) == 0 {
		return nil
	}
	if !connected {
		// Desired set updated; it is replayed on the next connect.
		return nil
	}
	return c.write(ctx, bridgeCommand{Op: op, Symbols: delta})
}

// State returns the current transport state.
func (c *bridgeClient) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *bridgeClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *bridgeClient) emitState(s State, detail string) {
	if c.cb.OnState != nil {
		c.cb.OnState(s, detail)
	}
}

// write marshals and sends one command frame with a bounded deadline.
func (c *bridgeClient) write(ctx context.Context, cmd bridgeCommand) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("bridge connection not established")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal %s command: %w", cmd.Op, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Op, err)
	}
	return nil
}

// readMessages continuously reads frames until the connection dies or the
// adaptor is torn down.
func (c *bridgeClient) readMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
				c.log.Info().Int("status", int(closeStatus)).Msg("Bridge closed normally")
				c.teardown(StateDisconnected, "bridge closed")
			case ctx.Err() != nil:
				c.log.Debug().Msg("Read cancelled by context")
			default:
				// An unexpected drop is a transport failure, not a clean
				// disconnect; health classification depends on the difference.
				c.log.Error().Err(err).Msg("Unexpected bridge read error")
				c.teardown(StateError, err.Error())
			}
			return
		}

		if msgType != websocket.MessageText {
			c.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text frame")
			continue
		}

		if err := c.handleFrame(message); err != nil {
			c.log.Error().Err(err).Msg("Failed to handle bridge frame")
			// Continue reading despite parse errors
		}
	}
}

// teardown drops the connection state and reports the final transport state.
func (c *bridgeClient) teardown(final State, detail string) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	cancel := c.cancelFunc
	c.conn = nil
	c.cancelFunc = nil
	c.connCtx = nil
	c.state = final
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.emitState(final, detail)
}

// handleFrame dispatches one inbound frame.
func (c *bridgeClient) handleFrame(message []byte) error {
	var frame bridgeFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to parse bridge frame: %w", err)
	}

	switch frame.Op {
	case "state":
		c.handleStateFrame(frame)
	case "tick":
		tick, err := c.dialect.mapTick(frame.Data)
		if err != nil {
			return fmt.Errorf("failed to map %s tick: %w", c.dialect.name(), err)
		}
		if c.cb.OnTick != nil {
			c.cb.OnTick(tick)
		}
	case "error":
		c.log.Warn().Int("code", frame.Code).Str("message", frame.Message).Msg("Bridge reported error")
		if c.cb.OnError != nil {
			c.cb.OnError(frame.Code, frame.Message)
		}
	default:
		c.log.Debug().Str("op", frame.Op).Msg("Ignoring unknown bridge frame")
	}
	return nil
}

func (c *bridgeClient) handleStateFrame(frame bridgeFrame) {
	var next State
	switch frame.Status {
	case "connected":
		next = StateConnected
	case "disconnected":
		next = StateDisconnected
	case "error":
		next = StateError
	default:
		c.log.Debug().Str("status", frame.Status).Msg("Ignoring unknown bridge status")
		return
	}

	c.setState(next)
	// frame.Detail often carries the vendor's localized phrase
	// (e.g. "连接成功"); it is surfaced only as human-readable detail.
	c.emitState(next, frame.Detail)
}
