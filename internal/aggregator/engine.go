// Package aggregator elects one upstream source per contract symbol and
// forwards its ticks downstream. Election combines account priority with
// live health; migration is subscribe-before-unsubscribe so failover never
// opens a tick gap, and the current-source filter deduplicates the brief
// overlap window.
package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
)

// SessionController is the slice of the supervisor the engine needs.
type SessionController interface {
	MigrateSubscriptions(symbols []string, fromID, toID string) error
	SubscribeSymbols(accountID string, symbols []string) error
}

// HealthSource answers whether an account is currently HEALTHY.
type HealthSource interface {
	Healthy(accountID string) bool
}

// AccountSource lists the enabled accounts, in priority order.
type AccountSource interface {
	ListEnabled() ([]domain.Account, error)
}

// TickSink receives the ticks that survive the current-source filter.
// The egress publisher implements it; sends must never block.
type TickSink interface {
	Forward(tick domain.Tick)
}

// Options configures election behavior.
type Options struct {
	// CrossTypeFailover allows electing an account of a different gateway
	// type when no same-type account is HEALTHY.
	CrossTypeFailover bool
}

// binding is the per-symbol election state.
type binding struct {
	symbol           string
	gatewayType      domain.GatewayType
	priorityOrder    []string
	currentSource    string // empty = no source available
	lastSource       string
	pendingMigration bool
}

// Engine maintains ContractBindings and the tick forwarding filter.
type Engine struct {
	sup    SessionController
	health HealthSource
	store  AccountSource
	sink   TickSink
	bus    *events.Bus
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	accounts []domain.Account // enabled, refreshed on account mutations

	unsub func()
}

// NewEngine creates the aggregation engine. Call Start to activate it.
func NewEngine(sup SessionController, health HealthSource, store AccountSource, sink TickSink, bus *events.Bus, opts Options, log zerolog.Logger) *Engine {
	return &Engine{
		sup:      sup,
		health:   health,
		store:    store,
		sink:     sink,
		bus:      bus,
		opts:     opts,
		log:      log.With().Str("component", "aggregator").Logger(),
		bindings: make(map[string]*binding),
	}
}

// Start loads the enabled accounts and subscribes to the bus. A single
// subscription keeps election and forwarding on one dispatch goroutine.
func (e *Engine) Start() error {
	if err := e.refreshAccounts(); err != nil {
		return err
	}
	e.unsub = e.bus.Subscribe(e.onEvent,
		events.HealthStatusChanged,
		events.AccountMutated,
		events.TickIngressed,
	)
	e.log.Info().Bool("cross_type_failover", e.opts.CrossTypeFailover).Msg("Aggregation engine started")
	return nil
}

// Stop detaches the engine from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
}

func (e *Engine) onEvent(ev *events.Event) {
	switch data := ev.Data.(type) {
	case *events.TickIngressedData:
		e.forward(data.Tick)
	case *events.HealthStatusChangedData:
		e.electAll()
	case *events.AccountMutatedData:
		if err := e.refreshAccounts(); err != nil {
			e.log.Error().Err(err).Msg("Refreshing accounts failed")
			return
		}
		e.electAll()
	}
}

// Subscribe creates bindings for the symbols on the given gateway type and
// elects a source for each. Idempotent; zero symbols is a no-op.
func (e *Engine) Subscribe(gatewayType domain.GatewayType, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	if !gatewayType.Valid() {
		return domain.Validationf("unknown gateway type %q", gatewayType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sym := range symbols {
		b, ok := e.bindings[sym]
		if !ok {
			b = &binding{symbol: sym, gatewayType: gatewayType}
			e.bindings[sym] = b
		}
		b.priorityOrder = e.orderFor(b.gatewayType)
		e.elect(b)
	}
	return nil
}

// Unsubscribe drops the bindings for the symbols. Idempotent.
func (e *Engine) Unsubscribe(symbols []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sym := range symbols {
		delete(e.bindings, sym)
	}
}

// forward applies the current-source filter. A tick from any account other
// than the symbol's elected source is dropped; during a migration both old
// and new source deliver briefly and the filter deduplicates.
func (e *Engine) forward(tick domain.Tick) {
	e.mu.Lock()
	b, ok := e.bindings[tick.Symbol]
	if !ok {
		// First sighting of a symbol auto-creates its binding, keyed to
		// the gateway type of the account that produced it.
		b = &binding{symbol: tick.Symbol, gatewayType: e.typeOf(tick.SourceAccountID)}
		b.priorityOrder = e.orderFor(b.gatewayType)
		e.bindings[tick.Symbol] = b
		e.elect(b)
	}
	current := b.currentSource
	e.mu.Unlock()

	if current == "" || tick.SourceAccountID != current {
		return
	}
	e.sink.Forward(tick)
}

// electAll re-runs election over every binding. Called on health and
// account changes.
func (e *Engine) electAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.bindings {
		b.priorityOrder = e.orderFor(b.gatewayType)
		e.elect(b)
	}
}

// elect picks the first HEALTHY account in the binding's priority order and
// migrates to it when it differs from the current source. Caller holds e.mu.
func (e *Engine) elect(b *binding) {
	elected := ""
	for _, id := range b.priorityOrder {
		if e.health.Healthy(id) {
			elected = id
			break
		}
	}
	if elected == "" && e.opts.CrossTypeFailover {
		for _, acc := range e.accounts {
			if acc.GatewayType == b.gatewayType {
				continue
			}
			if e.health.Healthy(acc.ID) {
				elected = acc.ID
				break
			}
		}
	}

	switch {
	case elected == b.currentSource:
		return
	case elected == "":
		e.log.Warn().Str("symbol", b.symbol).Str("last_source", b.currentSource).Msg("No eligible source")
		b.lastSource = b.currentSource
		b.currentSource = ""
		e.bus.Publish("aggregator", &events.NoSourceAvailableData{
			Symbol:     b.symbol,
			LastSource: b.lastSource,
		})
	default:
		e.migrate(b, elected)
	}
}

// migrate moves the binding to the elected source, subscribe-first. Caller
// holds e.mu.
func (e *Engine) migrate(b *binding, elected string) {
	started := time.Now()
	b.pendingMigration = true

	var err error
	if b.currentSource == "" {
		err = e.sup.SubscribeSymbols(elected, []string{b.symbol})
	} else {
		err = e.sup.MigrateSubscriptions([]string{b.symbol}, b.currentSource, elected)
	}
	b.pendingMigration = false
	if err != nil {
		e.log.Error().Err(err).
			Str("symbol", b.symbol).
			Str("from", b.currentSource).
			Str("to", elected).
			Msg("Migration failed; binding keeps its current source")
		return
	}

	from := b.currentSource
	b.lastSource = from
	b.currentSource = elected

	e.log.Info().
		Str("symbol", b.symbol).
		Str("from", from).
		Str("to", elected).
		Dur("took", time.Since(started)).
		Msg("Source elected")
	e.bus.Publish("aggregator", &events.FailoverExecutedData{
		Symbol:     b.symbol,
		From:       from,
		To:         elected,
		DurationMS: time.Since(started).Milliseconds(),
	})
}

// refreshAccounts reloads the enabled account list from the store.
func (e *Engine) refreshAccounts() error {
	accounts, err := e.store.ListEnabled()
	if err != nil {
		return err
	}
	sort.SliceStable(accounts, func(i, j int) bool {
		if accounts[i].Priority != accounts[j].Priority {
			return accounts[i].Priority < accounts[j].Priority
		}
		return accounts[i].ID < accounts[j].ID
	})
	e.mu.Lock()
	e.accounts = accounts
	e.mu.Unlock()
	return nil
}

// orderFor returns the enabled accounts of the gateway type, best first.
// Caller holds e.mu.
func (e *Engine) orderFor(gatewayType domain.GatewayType) []string {
	order := make([]string, 0, len(e.accounts))
	for _, acc := range e.accounts {
		if acc.GatewayType == gatewayType {
			order = append(order, acc.ID)
		}
	}
	return order
}

// typeOf resolves an account id to its gateway type. Caller holds e.mu.
func (e *Engine) typeOf(accountID string) domain.GatewayType {
	for _, acc := range e.accounts {
		if acc.ID == accountID {
			return acc.GatewayType
		}
	}
	return domain.GatewayMock
}

// Snapshots returns an immutable view of every binding.
func (e *Engine) Snapshots() []domain.BindingSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.BindingSnapshot, 0, len(e.bindings))
	for _, b := range e.bindings {
		order := make([]string, len(b.priorityOrder))
		copy(order, b.priorityOrder)
		out = append(out, domain.BindingSnapshot{
			Symbol:           b.symbol,
			GatewayType:      b.gatewayType,
			PriorityOrder:    order,
			CurrentSource:    b.currentSource,
			PendingMigration: b.pendingMigration,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
