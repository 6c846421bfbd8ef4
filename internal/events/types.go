// Package events provides the in-process event bus and the typed events
// that flow between QuoteHub components.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

const (
	GatewayStateChanged    EventType = "GATEWAY_STATE_CHANGED"
	HealthStatusChanged    EventType = "HEALTH_STATUS_CHANGED"
	CanaryTickObserved     EventType = "CANARY_TICK_OBSERVED"
	RecoveryPhase          EventType = "RECOVERY_PHASE"
	FailoverExecuted       EventType = "FAILOVER_EXECUTED"
	ContractMigrated       EventType = "CONTRACT_MIGRATED"
	TickIngressed          EventType = "TICK_INGRESSED"
	TickEgressed           EventType = "TICK_EGRESSED"
	SystemLog              EventType = "SYSTEM_LOG"
	ControlActionRequested EventType = "CONTROL_ACTION_REQUESTED"
	ControlActionCompleted EventType = "CONTROL_ACTION_COMPLETED"
	AccountMutated         EventType = "ACCOUNT_MUTATED"
	NoSourceAvailable      EventType = "NO_SOURCE_AVAILABLE"
)

// Event represents a system event with typed data. Events are immutable
// after publication; subscribers must not mutate Data.
type Event struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Module        string    `json:"module"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Data          EventData `json:"data"`
}

// EventData is the interface that all event payload types implement.
// It ties a payload to its event type so publishers cannot mislabel events.
type EventData interface {
	EventType() EventType
}
