package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
)

type migration struct {
	symbols []string
	from    string
	to      string
}

// fakeSup records subscribe and migrate calls.
type fakeSup struct {
	mu         sync.Mutex
	subscribes []migration
	migrations []migration
}

func (f *fakeSup) SubscribeSymbols(accountID string, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, migration{symbols: symbols, to: accountID})
	return nil
}

func (f *fakeSup) MigrateSubscriptions(symbols []string, fromID, toID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.migrations = append(f.migrations, migration{symbols: symbols, from: fromID, to: toID})
	return nil
}

func (f *fakeSup) lastMigration() (migration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.migrations) == 0 {
		return migration{}, false
	}
	return f.migrations[len(f.migrations)-1], true
}

// fakeHealth is a mutable healthy-account set.
type fakeHealth struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func newFakeHealth(healthy ...string) *fakeHealth {
	h := &fakeHealth{healthy: make(map[string]bool)}
	for _, id := range healthy {
		h.healthy[id] = true
	}
	return h
}

func (h *fakeHealth) Healthy(accountID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy[accountID]
}

func (h *fakeHealth) set(accountID string, ok bool) {
	h.mu.Lock()
	h.healthy[accountID] = ok
	h.mu.Unlock()
}

// fakeStore serves a static enabled-account list.
type fakeStore struct {
	accounts []domain.Account
}

func (s *fakeStore) ListEnabled() ([]domain.Account, error) {
	out := make([]domain.Account, len(s.accounts))
	copy(out, s.accounts)
	return out, nil
}

// fakeSink collects forwarded ticks.
type fakeSink struct {
	mu    sync.Mutex
	ticks []domain.Tick
}

func (s *fakeSink) Forward(tick domain.Tick) {
	s.mu.Lock()
	s.ticks = append(s.ticks, tick)
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

func (s *fakeSink) sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ticks))
	for i, t := range s.ticks {
		out[i] = t.SourceAccountID
	}
	return out
}

func ctpAccount(id string, priority int) domain.Account {
	return domain.Account{ID: id, GatewayType: domain.GatewayCTP, Priority: priority, Enabled: true}
}

func soptAccount(id string, priority int) domain.Account {
	return domain.Account{ID: id, GatewayType: domain.GatewaySOPT, Priority: priority, Enabled: true}
}

type testRig struct {
	engine *Engine
	sup    *fakeSup
	health *fakeHealth
	sink   *fakeSink
	bus    *events.Bus
}

func newTestEngine(t *testing.T, opts Options, health *fakeHealth, accounts ...domain.Account) *testRig {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(func() { bus.Close(time.Second) })

	sup := &fakeSup{}
	sink := &fakeSink{}
	e := NewEngine(sup, health, &fakeStore{accounts: accounts}, sink, bus, opts, zerolog.Nop())
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	return &testRig{engine: e, sup: sup, health: health, sink: sink, bus: bus}
}

func ingress(symbol, source string) *events.TickIngressedData {
	return &events.TickIngressedData{Tick: domain.Tick{
		Symbol:          symbol,
		Exchange:        "SHFE",
		LastPrice:       domain.PriceFromFloat(4500),
		SourceAccountID: source,
		ExchangeTime:    time.Now(),
		IngressTime:     time.Now(),
	}}
}

func TestElectionPrefersPriorityThenID(t *testing.T) {
	health := newFakeHealth("A1", "A2", "B1")
	rig := newTestEngine(t, Options{}, health,
		ctpAccount("A2", 1), // same priority, later id
		ctpAccount("A1", 1),
		ctpAccount("B1", 2),
	)

	require.NoError(t, rig.engine.Subscribe(domain.GatewayCTP, []string{"rb2601"}))

	snaps := rig.engine.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "A1", snaps[0].CurrentSource)
	assert.Equal(t, []string{"A1", "A2", "B1"}, snaps[0].PriorityOrder)
}

func TestFailoverOnHealthChange(t *testing.T) {
	health := newFakeHealth("A1", "A2")
	rig := newTestEngine(t, Options{}, health, ctpAccount("A1", 1), ctpAccount("A2", 2))
	require.NoError(t, rig.engine.Subscribe(domain.GatewayCTP, []string{"rb2601"}))

	failovers := make(chan *events.FailoverExecutedData, 8)
	rig.bus.Subscribe(func(e *events.Event) {
		if data, ok := e.Data.(*events.FailoverExecutedData); ok {
			failovers <- data
		}
	}, events.FailoverExecuted)

	health.set("A1", false)
	rig.bus.Publish("test", &events.HealthStatusChangedData{
		AccountID: "A1", OldStatus: domain.HealthHealthy, NewStatus: domain.HealthUnhealthy,
	})

	select {
	case data := <-failovers:
		assert.Equal(t, "rb2601", data.Symbol)
		assert.Equal(t, "A1", data.From)
		assert.Equal(t, "A2", data.To)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a failover")
	}

	m, ok := rig.sup.lastMigration()
	require.True(t, ok)
	assert.Equal(t, []string{"rb2601"}, m.symbols)
	assert.Equal(t, "A1", m.from)
	assert.Equal(t, "A2", m.to)
}

func TestForwardFilterDropsNonCurrentSource(t *testing.T) {
	health := newFakeHealth("A1", "A2")
	rig := newTestEngine(t, Options{}, health, ctpAccount("A1", 1), ctpAccount("A2", 2))
	require.NoError(t, rig.engine.Subscribe(domain.GatewayCTP, []string{"rb2601"}))

	// Both sources deliver during the migration overlap; only the elected
	// source's ticks pass.
	rig.bus.Publish("test", ingress("rb2601", "A1"))
	rig.bus.Publish("test", ingress("rb2601", "A2"))
	rig.bus.Publish("test", ingress("rb2601", "A1"))

	require.Eventually(t, func() bool { return rig.sink.count() == 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"A1", "A1"}, rig.sink.sources())
}

func TestFirstTickAutoCreatesBinding(t *testing.T) {
	health := newFakeHealth("A1")
	rig := newTestEngine(t, Options{}, health, ctpAccount("A1", 1))

	rig.bus.Publish("test", ingress("ag2606", "A1"))

	require.Eventually(t, func() bool { return rig.sink.count() == 1 }, 2*time.Second, time.Millisecond)
	snaps := rig.engine.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "ag2606", snaps[0].Symbol)
	assert.Equal(t, domain.GatewayCTP, snaps[0].GatewayType)
	assert.Equal(t, "A1", snaps[0].CurrentSource)
}

func TestNoSourceRetainsBindingAndResumes(t *testing.T) {
	health := newFakeHealth("A1")
	rig := newTestEngine(t, Options{}, health, ctpAccount("A1", 1))
	require.NoError(t, rig.engine.Subscribe(domain.GatewayCTP, []string{"rb2601"}))

	noSource := make(chan *events.NoSourceAvailableData, 8)
	rig.bus.Subscribe(func(e *events.Event) {
		if data, ok := e.Data.(*events.NoSourceAvailableData); ok {
			noSource <- data
		}
	}, events.NoSourceAvailable)

	health.set("A1", false)
	rig.bus.Publish("test", &events.HealthStatusChangedData{
		AccountID: "A1", OldStatus: domain.HealthHealthy, NewStatus: domain.HealthUnhealthy,
	})

	select {
	case data := <-noSource:
		assert.Equal(t, "rb2601", data.Symbol)
		assert.Equal(t, "A1", data.LastSource)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a no-source event")
	}

	snaps := rig.engine.Snapshots()
	require.Len(t, snaps, 1, "the binding survives losing its source")
	assert.Empty(t, snaps[0].CurrentSource)

	// Ticks stop while no source is elected.
	rig.bus.Publish("test", ingress("rb2601", "A1"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rig.sink.count())

	// Recovery re-elects and resumes forwarding.
	health.set("A1", true)
	rig.bus.Publish("test", &events.HealthStatusChangedData{
		AccountID: "A1", OldStatus: domain.HealthUnhealthy, NewStatus: domain.HealthHealthy,
	})
	require.Eventually(t, func() bool {
		snaps := rig.engine.Snapshots()
		return len(snaps) == 1 && snaps[0].CurrentSource == "A1"
	}, 2*time.Second, time.Millisecond)
}

func TestCrossTypeFailover(t *testing.T) {
	health := newFakeHealth("S1")
	rig := newTestEngine(t, Options{CrossTypeFailover: true}, health,
		ctpAccount("A1", 1),
		soptAccount("S1", 1),
	)

	require.NoError(t, rig.engine.Subscribe(domain.GatewayCTP, []string{"rb2601"}))

	snaps := rig.engine.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "S1", snaps[0].CurrentSource, "no healthy CTP account, so the SOPT one serves")
}

func TestCrossTypeDisabledLeavesSymbolUnserved(t *testing.T) {
	health := newFakeHealth("S1")
	rig := newTestEngine(t, Options{}, health,
		ctpAccount("A1", 1),
		soptAccount("S1", 1),
	)

	require.NoError(t, rig.engine.Subscribe(domain.GatewayCTP, []string{"rb2601"}))

	snaps := rig.engine.Snapshots()
	require.Len(t, snaps, 1)
	assert.Empty(t, snaps[0].CurrentSource)
}

func TestSubscribeRejectsUnknownGatewayType(t *testing.T) {
	rig := newTestEngine(t, Options{}, newFakeHealth())
	err := rig.engine.Subscribe(domain.GatewayType("XTP"), []string{"rb2601"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUnsubscribeDropsBinding(t *testing.T) {
	health := newFakeHealth("A1")
	rig := newTestEngine(t, Options{}, health, ctpAccount("A1", 1))
	require.NoError(t, rig.engine.Subscribe(domain.GatewayCTP, []string{"rb2601", "ag2606"}))
	require.Len(t, rig.engine.Snapshots(), 2)

	rig.engine.Unsubscribe([]string{"rb2601"})
	snaps := rig.engine.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "ag2606", snaps[0].Symbol)

	rig.engine.Unsubscribe([]string{"rb2601"}) // idempotent
	assert.Len(t, rig.engine.Snapshots(), 1)
}
