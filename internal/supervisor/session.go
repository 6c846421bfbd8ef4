package supervisor

import (
	"sync"
	"time"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/gateway"
)

// session is the live state for one gateway account. Owned exclusively by
// the supervisor; everything other components see is a SessionSnapshot.
type session struct {
	accountID   string
	gatewayType domain.GatewayType
	settings    map[string]string
	canaries    map[string]struct{}

	mu           sync.RWMutex
	adaptor      gateway.UpstreamGateway
	generation   uint64 // bumped on every adaptor replacement; stale callbacks are ignored
	state        domain.SessionState
	connectTime  time.Time
	lastTickTime time.Time
	lastError    string
	subscribed   map[string]struct{}
}

func newSession(account *domain.Account, canaries []string) *session {
	canarySet := make(map[string]struct{}, len(canaries))
	for _, c := range canaries {
		canarySet[c] = struct{}{}
	}
	settings := make(map[string]string, len(account.Settings))
	for k, v := range account.Settings {
		settings[k] = v
	}
	return &session{
		accountID:   account.ID,
		gatewayType: account.GatewayType,
		settings:    settings,
		canaries:    canarySet,
		state:       domain.SessionIdle,
		subscribed:  make(map[string]struct{}),
	}
}

// setState transitions the session state and returns the previous one.
func (s *session) setState(state domain.SessionState) domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.state
	s.state = state
	if state == domain.SessionConnected && old != domain.SessionConnected {
		s.connectTime = time.Now()
		s.lastError = ""
	}
	return old
}

func (s *session) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *session) currentState() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) markTick(t time.Time) {
	s.mu.Lock()
	s.lastTickTime = t
	s.mu.Unlock()
}

func (s *session) isCanary(symbol string) bool {
	_, ok := s.canaries[symbol]
	return ok
}

// settingsEqual reports whether the stored settings match the ones the
// session was launched with. A mismatch forces a restart.
func (s *session) settingsEqual(other map[string]string) bool {
	if len(s.settings) != len(other) {
		return false
	}
	for k, v := range s.settings {
		if other[k] != v {
			return false
		}
	}
	return true
}

func (s *session) addSubscribed(symbols []string) {
	s.mu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *session) removeSubscribed(symbols []string) {
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.subscribed, sym)
	}
	s.mu.Unlock()
}

func (s *session) subscribedList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	return out
}

// snapshot returns an immutable view, merged with recovery bookkeeping.
func (s *session) snapshot(meta recoveryMeta) domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	return domain.SessionSnapshot{
		AccountID:            s.accountID,
		GatewayType:          s.gatewayType,
		State:                s.state,
		ConnectTime:          s.connectTime,
		LastTickTime:         s.lastTickTime,
		SubscribedSymbols:    symbols,
		RestartAttempts:      meta.restartAttempts,
		NextAllowedRestartAt: meta.nextAllowedRestartAt,
		PermanentlyFailed:    meta.permanentlyFailed,
		LastError:            s.lastError,
	}
}
