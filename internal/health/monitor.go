// Package health classifies gateway sessions by combining transport state
// with data-plane liveness. Transport CONNECTED is not enough: a session
// only counts as HEALTHY while its canary contracts keep producing ticks.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
)

// SessionLister is the slice of the supervisor the monitor needs.
type SessionLister interface {
	ListSessions() []domain.SessionSnapshot
}

// Options configures the monitor's timing and canary assignment.
type Options struct {
	// Interval between periodic evaluations.
	Interval time.Duration
	// CanaryThreshold is how long a canary may stay silent on a CONNECTED
	// session before the session is considered UNHEALTHY.
	CanaryThreshold time.Duration
	// Debounce is how long a new classification must hold before it is
	// committed and published. The very first classification of a session
	// commits immediately.
	Debounce time.Duration
	// CanarySymbols maps gateway type to its canary contracts. A type with
	// no entry degrades to transport-only health.
	CanarySymbols map[domain.GatewayType][]string
}

// accountHealth is the monitor's per-session bookkeeping.
type accountHealth struct {
	current          domain.HealthState
	currentReason    string
	lastTransition   time.Time
	candidate        domain.HealthState
	candidateReason  string
	candidateSince   time.Time
	canaryLastTick   time.Time
	canaryRing       tickRing
	consecutiveFails int
	transportOnly    bool
	warnedNoCanary   bool
}

// Monitor derives a health status per gateway session and publishes
// HEALTH_STATUS_CHANGED on every committed transition.
type Monitor struct {
	sup  SessionLister
	bus  *events.Bus
	opts Options
	log  zerolog.Logger

	mu     sync.RWMutex
	states map[string]*accountHealth

	unsubs []func()
}

// NewMonitor creates a health monitor. Call Start to begin evaluating.
func NewMonitor(sup SessionLister, bus *events.Bus, opts Options, log zerolog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.CanaryThreshold <= 0 {
		opts.CanaryThreshold = 60 * time.Second
	}
	return &Monitor{
		sup:    sup,
		bus:    bus,
		opts:   opts,
		log:    log.With().Str("component", "health_monitor").Logger(),
		states: make(map[string]*accountHealth),
	}
}

// Start subscribes to gateway events and launches the periodic evaluation
// loop. It returns immediately; the loop stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(m.onCanaryTick, events.CanaryTickObserved),
		m.bus.Subscribe(m.onGatewayState, events.GatewayStateChanged),
	)

	go func() {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				for _, unsub := range m.unsubs {
					unsub()
				}
				return
			case <-ticker.C:
				m.Evaluate()
			}
		}
	}()
	m.log.Info().
		Dur("interval", m.opts.Interval).
		Dur("canary_threshold", m.opts.CanaryThreshold).
		Dur("debounce", m.opts.Debounce).
		Msg("Health monitor started")
}

func (m *Monitor) onCanaryTick(e *events.Event) {
	data, ok := e.Data.(*events.CanaryTickObservedData)
	if !ok {
		return
	}
	m.mu.Lock()
	st, ok := m.states[data.AccountID]
	if ok {
		st.canaryLastTick = data.TickTime
		st.canaryRing.add(data.TickTime)
	}
	m.mu.Unlock()
	if ok {
		m.Evaluate()
	}
}

func (m *Monitor) onGatewayState(e *events.Event) {
	if _, ok := e.Data.(*events.GatewayStateChangedData); !ok {
		return
	}
	// Transport transitions feed the classification through session
	// snapshots; the event just makes the next evaluation immediate.
	m.Evaluate()
}

// Evaluate runs one classification pass over all live sessions. It is
// called on the periodic interval and after relevant events; tests call it
// directly.
func (m *Monitor) Evaluate() {
	now := time.Now()
	sessions := m.sup.ListSessions()

	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[string]struct{}, len(sessions))
	for _, snap := range sessions {
		live[snap.AccountID] = struct{}{}
		st, ok := m.states[snap.AccountID]
		if !ok {
			st = &accountHealth{
				transportOnly: len(m.opts.CanarySymbols[snap.GatewayType]) == 0,
			}
			m.states[snap.AccountID] = st
		}
		m.classify(now, snap, st)
	}

	// Sessions the supervisor no longer tracks take their health record
	// with them; the stop already produced a gateway state event.
	for id := range m.states {
		if _, ok := live[id]; !ok {
			delete(m.states, id)
		}
	}
}

// classify computes the desired status for one session and commits it,
// subject to the debounce window. Caller holds m.mu.
func (m *Monitor) classify(now time.Time, snap domain.SessionSnapshot, st *accountHealth) {
	desired, reason := m.desiredStatus(now, snap, st)

	if st.transportOnly && snap.State == domain.SessionConnected && !st.warnedNoCanary {
		st.warnedNoCanary = true
		m.log.Warn().
			Str("account_id", snap.AccountID).
			Str("gateway_type", string(snap.GatewayType)).
			Msg("No canary contracts configured; health degrades to transport-only")
	}

	if desired == st.current {
		st.candidate = ""
		return
	}

	// First classification of a fresh session commits without debounce so
	// the rest of the system is never blind for a full window.
	if st.current == "" {
		m.commit(now, snap.AccountID, st, desired, reason)
		return
	}

	if st.candidate != desired {
		st.candidate = desired
		st.candidateReason = reason
		st.candidateSince = now
	}
	if now.Sub(st.candidateSince) >= m.opts.Debounce {
		m.commit(now, snap.AccountID, st, desired, reason)
	}
}

// desiredStatus is the deterministic classification table.
func (m *Monitor) desiredStatus(now time.Time, snap domain.SessionSnapshot, st *accountHealth) (domain.HealthState, string) {
	switch snap.State {
	case domain.SessionConnecting, domain.SessionIdle:
		return domain.HealthRecovering, "connecting"
	case domain.SessionTerminating:
		return domain.HealthDisconnected, "terminating"
	case domain.SessionDisconnected:
		if snap.LastError != "" {
			return domain.HealthUnhealthy, "transport_error"
		}
		return domain.HealthDisconnected, "disconnected"
	case domain.SessionConnected:
		if st.transportOnly {
			return domain.HealthHealthy, "transport_only"
		}
		// A just-connected session has not had time to produce its first
		// canary tick; the connect time starts the staleness clock.
		freshest := st.canaryLastTick
		if snap.ConnectTime.After(freshest) {
			freshest = snap.ConnectTime
		}
		if now.Sub(freshest) <= m.opts.CanaryThreshold {
			return domain.HealthHealthy, "canary_fresh"
		}
		return domain.HealthUnhealthy, "canary_stale"
	default:
		return domain.HealthUnhealthy, "unknown_state"
	}
}

// commit records a transition and publishes it. Caller holds m.mu.
func (m *Monitor) commit(now time.Time, accountID string, st *accountHealth, status domain.HealthState, reason string) {
	old := st.current
	if old == "" {
		old = domain.HealthDisconnected
	}
	st.current = status
	st.currentReason = reason
	st.lastTransition = now
	st.candidate = ""
	switch status {
	case domain.HealthUnhealthy:
		st.consecutiveFails++
	case domain.HealthHealthy:
		st.consecutiveFails = 0
	}

	m.log.Info().
		Str("account_id", accountID).
		Str("old_status", string(old)).
		Str("new_status", string(status)).
		Str("reason", reason).
		Msg("Health status changed")

	m.bus.Publish("health", &events.HealthStatusChangedData{
		AccountID: accountID,
		OldStatus: old,
		NewStatus: status,
		Reason:    reason,
	})
}

// Status returns the committed health snapshot for one account.
func (m *Monitor) Status(accountID string) (domain.HealthSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[accountID]
	if !ok || st.current == "" {
		return domain.HealthSnapshot{}, false
	}
	return m.snapshotLocked(accountID, st), true
}

// Healthy reports whether the account's committed status is HEALTHY.
func (m *Monitor) Healthy(accountID string) bool {
	snap, ok := m.Status(accountID)
	return ok && snap.Status == domain.HealthHealthy
}

// Snapshots returns the committed health view of every tracked session.
func (m *Monitor) Snapshots() []domain.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.HealthSnapshot, 0, len(m.states))
	for id, st := range m.states {
		if st.current == "" {
			continue
		}
		out = append(out, m.snapshotLocked(id, st))
	}
	return out
}

func (m *Monitor) snapshotLocked(accountID string, st *accountHealth) domain.HealthSnapshot {
	return domain.HealthSnapshot{
		AccountID:           accountID,
		Status:              st.current,
		LastTransitionAt:    st.lastTransition,
		CanaryLastTickAt:    st.canaryLastTick,
		CanaryTicksPerMin:   st.canaryRing.count(time.Now()),
		ConsecutiveFailures: st.consecutiveFails,
		LastReason:          st.currentReason,
	}
}
