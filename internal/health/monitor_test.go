package health

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

// fakeLister serves a mutable session list to the monitor.
type fakeLister struct {
	mu       sync.Mutex
	sessions []domain.SessionSnapshot
}

func (f *fakeLister) ListSessions() []domain.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SessionSnapshot, len(f.sessions))
	copy(out, f.sessions)
	return out
}

func (f *fakeLister) set(sessions ...domain.SessionSnapshot) {
	f.mu.Lock()
	f.sessions = sessions
	f.mu.Unlock()
}

func newTestMonitor(t *testing.T, debounce time.Duration) (*Monitor, *fakeLister, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(func() { bus.Close(time.Second) })

	lister := &fakeLister{}
	m := NewMonitor(lister, bus, Options{
		Interval:        time.Hour, // tests drive Evaluate directly
		CanaryThreshold: 60 * time.Second,
		Debounce:        debounce,
		CanarySymbols: map[domain.GatewayType][]string{
			domain.GatewayCTP: {"rb2601"},
		},
	}, zerolog.Nop())
	return m, lister, bus
}

func connectedSession(id string, connectedFor time.Duration) domain.SessionSnapshot {
	return domain.SessionSnapshot{
		AccountID:   id,
		GatewayType: domain.GatewayCTP,
		State:       domain.SessionConnected,
		ConnectTime: time.Now().Add(-connectedFor),
	}
}

func TestClassificationTable(t *testing.T) {
	tests := []struct {
		name       string
		session    domain.SessionSnapshot
		canaryAge  time.Duration // 0 means no canary tick observed
		wantStatus domain.HealthState
		wantReason string
	}{
		{
			name:       "connected with fresh canary",
			session:    connectedSession("A1", 5*time.Minute),
			canaryAge:  2 * time.Second,
			wantStatus: domain.HealthHealthy,
			wantReason: "canary_fresh",
		},
		{
			name:       "connected with stale canary",
			session:    connectedSession("A1", 5*time.Minute),
			canaryAge:  2 * time.Minute,
			wantStatus: domain.HealthUnhealthy,
			wantReason: "canary_stale",
		},
		{
			name:       "freshly connected grace before first canary tick",
			session:    connectedSession("A1", 3*time.Second),
			wantStatus: domain.HealthHealthy,
			wantReason: "canary_fresh",
		},
		{
			name: "connecting",
			session: domain.SessionSnapshot{
				AccountID: "A1", GatewayType: domain.GatewayCTP,
				State: domain.SessionConnecting,
			},
			wantStatus: domain.HealthRecovering,
			wantReason: "connecting",
		},
		{
			name: "terminating",
			session: domain.SessionSnapshot{
				AccountID: "A1", GatewayType: domain.GatewayCTP,
				State: domain.SessionTerminating,
			},
			wantStatus: domain.HealthDisconnected,
			wantReason: "terminating",
		},
		{
			name: "transport error",
			session: domain.SessionSnapshot{
				AccountID: "A1", GatewayType: domain.GatewayCTP,
				State: domain.SessionDisconnected, LastError: "read: connection reset",
			},
			wantStatus: domain.HealthUnhealthy,
			wantReason: "transport_error",
		},
		{
			name: "clean disconnect",
			session: domain.SessionSnapshot{
				AccountID: "A1", GatewayType: domain.GatewayCTP,
				State: domain.SessionDisconnected,
			},
			wantStatus: domain.HealthDisconnected,
			wantReason: "disconnected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, lister, _ := newTestMonitor(t, 0)
			lister.set(tt.session)
			m.Evaluate() // establishes tracking

			if tt.canaryAge > 0 {
				m.mu.Lock()
				m.states["A1"].canaryLastTick = time.Now().Add(-tt.canaryAge)
				m.mu.Unlock()
			}
			m.Evaluate()

			snap, ok := m.Status("A1")
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, snap.Status)
			assert.Equal(t, tt.wantReason, snap.LastReason)
		})
	}
}

func TestTransportOnlyWhenNoCanaryConfigured(t *testing.T) {
	m, lister, _ := newTestMonitor(t, 0)
	lister.set(domain.SessionSnapshot{
		AccountID:   "S1",
		GatewayType: domain.GatewaySOPT, // no canary symbols configured
		State:       domain.SessionConnected,
		ConnectTime: time.Now().Add(-time.Hour),
	})
	m.Evaluate()

	snap, ok := m.Status("S1")
	require.True(t, ok)
	assert.Equal(t, domain.HealthHealthy, snap.Status)
	assert.Equal(t, "transport_only", snap.LastReason)
}

func TestDebounceHoldsTransitions(t *testing.T) {
	m, lister, bus := newTestMonitor(t, 50*time.Millisecond)

	changes := make(chan *events.HealthStatusChangedData, 8)
	bus.Subscribe(func(e *events.Event) {
		if data, ok := e.Data.(*events.HealthStatusChangedData); ok {
			changes <- data
		}
	}, events.HealthStatusChanged)

	// First classification commits immediately.
	lister.set(connectedSession("A1", time.Minute))
	m.Evaluate()
	select {
	case data := <-changes:
		assert.Equal(t, domain.HealthHealthy, data.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected the initial classification")
	}

	// The session drops with an error, but the new status must hold through
	// the debounce window before committing.
	lister.set(domain.SessionSnapshot{
		AccountID: "A1", GatewayType: domain.GatewayCTP,
		State: domain.SessionDisconnected, LastError: "reset",
	})
	m.Evaluate()

	snap, ok := m.Status("A1")
	require.True(t, ok)
	assert.Equal(t, domain.HealthHealthy, snap.Status, "transition must not commit before the debounce window")

	require.Eventually(t, func() bool {
		m.Evaluate()
		snap, _ := m.Status("A1")
		return snap.Status == domain.HealthUnhealthy
	}, time.Second, 5*time.Millisecond)

	select {
	case data := <-changes:
		assert.Equal(t, domain.HealthUnhealthy, data.NewStatus)
		assert.Equal(t, "transport_error", data.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected the debounced transition")
	}
}

func TestFlappingSessionResetsDebounce(t *testing.T) {
	m, lister, _ := newTestMonitor(t, time.Hour)

	lister.set(connectedSession("A1", time.Minute))
	m.Evaluate()

	// Alternate between two non-committed candidates; neither ever holds.
	for i := 0; i < 5; i++ {
		lister.set(domain.SessionSnapshot{
			AccountID: "A1", GatewayType: domain.GatewayCTP,
			State: domain.SessionDisconnected, LastError: "reset",
		})
		m.Evaluate()
		lister.set(connectedSession("A1", time.Minute))
		m.Evaluate()
	}

	snap, ok := m.Status("A1")
	require.True(t, ok)
	assert.Equal(t, domain.HealthHealthy, snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestCanaryTickRefreshesHealth(t *testing.T) {
	m, lister, bus := newTestMonitor(t, 0)

	lister.set(connectedSession("A1", 10*time.Minute))
	m.Evaluate()

	// Age the canary past the threshold.
	m.mu.Lock()
	m.states["A1"].canaryLastTick = time.Now().Add(-2 * time.Minute)
	m.mu.Unlock()
	m.Evaluate()
	snap, _ := m.Status("A1")
	require.Equal(t, domain.HealthUnhealthy, snap.Status)

	// A canary tick arriving on the bus restores HEALTHY without waiting for
	// the periodic pass.
	bus.Publish("test", &events.CanaryTickObservedData{
		AccountID: "A1", Symbol: "rb2601", TickTime: time.Now(),
	})
	require.Eventually(t, func() bool {
		snap, ok := m.Status("A1")
		return ok && snap.Status == domain.HealthHealthy
	}, time.Second, 5*time.Millisecond)

	snap, _ = m.Status("A1")
	assert.NotZero(t, snap.CanaryTicksPerMin)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestRemovedSessionsAreForgotten(t *testing.T) {
	m, lister, _ := newTestMonitor(t, 0)

	lister.set(connectedSession("A1", time.Minute))
	m.Evaluate()
	_, ok := m.Status("A1")
	require.True(t, ok)

	lister.set()
	m.Evaluate()
	_, ok = m.Status("A1")
	assert.False(t, ok)
	assert.Empty(t, m.Snapshots())
}

func TestTickRingWindow(t *testing.T) {
	var r tickRing
	base := time.Unix(1_000_000, 0)
	for i := 0; i < 30; i++ {
		r.add(base.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, 30, r.count(base.Add(29*time.Second)))
	// A minute later only the newest ticks remain in the window.
	assert.Equal(t, 10, r.count(base.Add(79*time.Second)))
	assert.Zero(t, r.count(base.Add(10*time.Minute)))
}
