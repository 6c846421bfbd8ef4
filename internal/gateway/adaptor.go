// Package gateway adapts vendor market-data SDK bridges behind one narrow
// interface so the rest of the system never sees vendor types.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/rs/zerolog"
)

// State is the transport state of one adaptor instance.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
)

// RawTick is a vendor tick mapped to canonical fields. Prices are still
// floats here; the supervisor converts to fixed point during cleansing.
type RawTick struct {
	Symbol       string
	Exchange     string
	LastPrice    float64
	LastVolume   int64
	BidPrice     float64
	BidVolume    int64
	AskPrice     float64
	AskVolume    int64
	ExchangeTime time.Time
}

// Callbacks deliver adaptor signals to the owning session. All callbacks
// must return quickly; anything heavier than stamping and forwarding is
// handed off via the event bus.
type Callbacks struct {
	// OnState reports transport transitions. detail carries the vendor's
	// human-readable message (often localized); the State value is canonical.
	OnState func(state State, detail string)
	OnTick  func(tick RawTick)
	OnError func(code int, message string)
}

// UpstreamGateway is the uniform interface over vendor SDK bridges.
//
// Connect is asynchronous: it returns once the dial is in flight and
// success or failure arrives via OnState. Subscribe/Unsubscribe are
// idempotent on set semantics. Terminate destroys the instance and must
// leave no goroutine or socket behind - hard restart replaces a terminated
// adaptor with a fresh one.
type UpstreamGateway interface {
	Connect(ctx context.Context, settings map[string]string) error
	Disconnect() error
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	State() State
	Terminate()
}

// Factory creates a fresh adaptor instance for an account. The supervisor
// calls it on session start and again after every hard restart.
type Factory func(gatewayType domain.GatewayType, accountID string, cb Callbacks, log zerolog.Logger) (UpstreamGateway, error)

// NewFactory returns the production factory. With mock=true every gateway
// type resolves to the deterministic mock adaptor (GATEWAY_MOCK).
func NewFactory(mock bool) Factory {
	return func(gatewayType domain.GatewayType, accountID string, cb Callbacks, log zerolog.Logger) (UpstreamGateway, error) {
		if mock || gatewayType == domain.GatewayMock {
			return NewMock(accountID, cb, log), nil
		}
		switch gatewayType {
		case domain.GatewayCTP:
			return newBridgeClient(ctpDialect{}, accountID, cb, log), nil
		case domain.GatewaySOPT:
			return newBridgeClient(soptDialect{}, accountID, cb, log), nil
		default:
			return nil, fmt.Errorf("%w: unknown gateway_type %q", domain.ErrPermanent, gatewayType)
		}
	}
}
