// Package domain holds the core types shared across QuoteHub components.
// It is pure: no infrastructure dependencies, no I/O.
package domain

import (
	"time"
)

// GatewayType identifies the upstream brokerage SDK family an account uses.
type GatewayType string

const (
	GatewayCTP  GatewayType = "CTP"
	GatewaySOPT GatewayType = "SOPT"
	GatewayMock GatewayType = "MOCK"
)

// Valid reports whether the gateway type is one we know how to launch.
func (g GatewayType) Valid() bool {
	switch g {
	case GatewayCTP, GatewaySOPT, GatewayMock:
		return true
	}
	return false
}

// Account is the persisted configuration of one upstream gateway account.
type Account struct {
	ID          string            `json:"id"`
	GatewayType GatewayType       `json:"gateway_type"`
	Settings    map[string]string `json:"settings"`
	Priority    int               `json:"priority"` // lower = higher preference, >= 1
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SessionState is the transport lifecycle state of a gateway session.
type SessionState string

const (
	SessionIdle         SessionState = "IDLE"
	SessionConnecting   SessionState = "CONNECTING"
	SessionConnected    SessionState = "CONNECTED"
	SessionDisconnected SessionState = "DISCONNECTED"
	SessionTerminating  SessionState = "TERMINATING"
)

// HealthState classifies a gateway session from transport state plus
// data-plane canary liveness.
type HealthState string

const (
	HealthHealthy      HealthState = "HEALTHY"
	HealthUnhealthy    HealthState = "UNHEALTHY"
	HealthRecovering   HealthState = "RECOVERING"
	HealthDisconnected HealthState = "DISCONNECTED"
)

// SessionSnapshot is an immutable view of one gateway session, returned by
// the supervisor's query operations. Other components never see the live
// session struct.
type SessionSnapshot struct {
	AccountID            string       `json:"account_id"`
	GatewayType          GatewayType  `json:"gateway_type"`
	State                SessionState `json:"state"`
	ConnectTime          time.Time    `json:"connect_time,omitempty"`
	LastTickTime         time.Time    `json:"last_tick_time,omitempty"`
	SubscribedSymbols    []string     `json:"subscribed_symbols"`
	RestartAttempts      int          `json:"restart_attempts"`
	NextAllowedRestartAt time.Time    `json:"next_allowed_restart_at,omitempty"`
	PermanentlyFailed    bool         `json:"permanently_failed"`
	// LastError is the most recent transport error message, cleared on a
	// successful connect. Distinguishes a failed transport from a clean
	// disconnect.
	LastError string `json:"last_error,omitempty"`
}

// HealthSnapshot is an immutable view of one session's health classification.
type HealthSnapshot struct {
	AccountID           string      `json:"account_id"`
	Status              HealthState `json:"status"`
	LastTransitionAt    time.Time   `json:"last_transition_at"`
	CanaryLastTickAt    time.Time   `json:"canary_last_tick_at,omitempty"`
	CanaryTicksPerMin   int         `json:"canary_ticks_per_min"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastReason          string      `json:"last_reason,omitempty"`
}

// BindingSnapshot is an immutable view of one contract binding.
type BindingSnapshot struct {
	Symbol           string      `json:"symbol"`
	GatewayType      GatewayType `json:"gateway_type"`
	PriorityOrder    []string    `json:"preferred_priority_order"`
	CurrentSource    string      `json:"current_source,omitempty"` // empty = no source available
	PendingMigration bool        `json:"pending_migration"`
}

// RecoverySnapshot is an immutable view of one account's recovery cycle.
type RecoverySnapshot struct {
	AccountID         string    `json:"account_id"`
	Phase             string    `json:"phase"`
	Attempts          int       `json:"attempts"`
	NextRestartAt     time.Time `json:"next_restart_at,omitempty"`
	PermanentlyFailed bool      `json:"permanently_failed"`
}
