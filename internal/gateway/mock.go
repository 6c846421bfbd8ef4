package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mock is a deterministic synthetic adaptor used by tests and by the
// GATEWAY_MOCK runtime mode. Transport transitions and ticks can be driven
// from the outside (PushState/PushTick), or generated on a timer when the
// account settings ask for it.
//
// Settings understood:
//
//	connect_delay_ms  delay before the CONNECTED transition (default 10)
//	fail_connect      "true" makes Connect end in ERROR
//	auto_tick_ms      when set, emit one tick per subscribed symbol per period
type Mock struct {
	accountID string
	cb        Callbacks
	log       zerolog.Logger

	mu         sync.RWMutex
	state      State
	subscribed map[string]struct{}
	terminated bool
	stop       chan struct{}
	seq        int64
}

// NewMock creates a mock adaptor.
func NewMock(accountID string, cb Callbacks, log zerolog.Logger) *Mock {
	return &Mock{
		accountID: accountID,
		cb:        cb,
		log: log.With().
			Str("component", "mock_gateway").
			Str("account_id", accountID).
			Logger(),
		state:      StateDisconnected,
		subscribed: make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

// Connect simulates an asynchronous dial.
func (m *Mock) Connect(ctx context.Context, settings map[string]string) error {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	stop := m.stop
	m.mu.Unlock()

	m.emit(StateConnecting, "")

	delay := 10 * time.Millisecond
	if v, ok := settings["connect_delay_ms"]; ok {
		if ms, err := strconv.Atoi(v); err == nil {
			delay = time.Duration(ms) * time.Millisecond
		}
	}
	failConnect := settings["fail_connect"] == "true"

	var autoTick time.Duration
	if v, ok := settings["auto_tick_ms"]; ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			autoTick = time.Duration(ms) * time.Millisecond
		}
	}

	go func() {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if failConnect {
			m.setAndEmit(StateError, "simulated connect failure")
			return
		}
		m.setAndEmit(StateConnected, "连接成功")

		if autoTick > 0 {
			m.tickLoop(stop, autoTick)
		}
	}()
	return nil
}

// tickLoop generates synthetic ticks for the subscribed set.
func (m *Mock) tickLoop(stop chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.State() != StateConnected {
				return
			}
			for _, symbol := range m.Subscribed() {
				m.PushTick(m.syntheticTick(symbol))
			}
		}
	}
}

// syntheticTick builds a deterministic tick: the price walks one tick up
// per emission so downstream gap checks have something to verify.
func (m *Mock) syntheticTick(symbol string) RawTick {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	price := 4500.0 + float64(seq%100)
	return RawTick{
		Symbol:       symbol,
		Exchange:     "SHFE",
		LastPrice:    price,
		LastVolume:   1 + seq%5,
		BidPrice:     price - 1,
		BidVolume:    10,
		AskPrice:     price + 1,
		AskVolume:    10,
		ExchangeTime: time.Now(),
	}
}

// Disconnect drops the simulated transport.
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	wasUp := m.state == StateConnected || m.state == StateConnecting
	m.state = StateDisconnected
	m.mu.Unlock()
	if wasUp {
		m.emit(StateDisconnected, "连接断开")
	}
	return nil
}

// Terminate makes the instance inert.
func (m *Mock) Terminate() {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.state = StateDisconnected
	close(m.stop)
	m.mu.Unlock()
}

// Subscribe adds symbols to the set. Idempotent; empty input is a no-op.
func (m *Mock) Subscribe(symbols []string) error {
	m.mu.Lock()
	for _, s := range symbols {
		m.subscribed[s] = struct{}{}
	}
	m.mu.Unlock()
	return nil
}

// Unsubscribe removes symbols from the set. Idempotent.
func (m *Mock) Unsubscribe(symbols []string) error {
	m.mu.Lock()
	for _, s := range symbols {
		delete(m.subscribed, s)
	}
	m.mu.Unlock()
	return nil
}

// State returns the simulated transport state.
func (m *Mock) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribed returns the current subscription set.
func (m *Mock) Subscribed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subscribed))
	for s := range m.subscribed {
		out = append(out, s)
	}
	return out
}

// PushState forces a transport transition, as if the vendor reported it.
func (m *Mock) PushState(state State, detail string) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()
	m.emit(state, detail)
}

// PushTick delivers a tick through the adaptor callback.
func (m *Mock) PushTick(tick RawTick) {
	m.mu.RLock()
	terminated := m.terminated
	m.mu.RUnlock()
	if terminated {
		return
	}
	if m.cb.OnTick != nil {
		m.cb.OnTick(tick)
	}
}

// PushError delivers a vendor error through the adaptor callback.
func (m *Mock) PushError(code int, message string) {
	if m.cb.OnError != nil {
		m.cb.OnError(code, message)
	}
}

func (m *Mock) setAndEmit(state State, detail string) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()
	m.emit(state, detail)
}

func (m *Mock) emit(state State, detail string) {
	if m.cb.OnState != nil {
		m.cb.OnState(state, detail)
	}
}
