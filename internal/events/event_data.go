package events

import (
	"time"

	"github.com/aristath/quotehub/internal/domain"
)

// GatewayStateChangedData contains data for GatewayStateChanged events
type GatewayStateChangedData struct {
	AccountID string              `json:"account_id"`
	OldState  domain.SessionState `json:"old_state"`
	NewState  domain.SessionState `json:"new_state"`
	// Detail carries the human-readable transport message from the vendor
	// SDK, when one exists. The enum above is canonical; dashboards must
	// not parse this field.
	Detail string `json:"detail,omitempty"`
}

// EventType returns the event type for GatewayStateChangedData
func (d *GatewayStateChangedData) EventType() EventType { return GatewayStateChanged }

// HealthStatusChangedData contains data for HealthStatusChanged events
type HealthStatusChangedData struct {
	AccountID string             `json:"account_id"`
	OldStatus domain.HealthState `json:"old_status"`
	NewStatus domain.HealthState `json:"new_status"`
	Reason    string             `json:"reason,omitempty"`
}

// EventType returns the event type for HealthStatusChangedData
func (d *HealthStatusChangedData) EventType() EventType { return HealthStatusChanged }

// CanaryTickObservedData contains data for CanaryTickObserved events
type CanaryTickObservedData struct {
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	TickTime  time.Time `json:"tick_time"`
}

// EventType returns the event type for CanaryTickObservedData
func (d *CanaryTickObservedData) EventType() EventType { return CanaryTickObserved }

// RecoveryPhaseData contains data for RecoveryPhase events
type RecoveryPhaseData struct {
	AccountID string `json:"account_id"`
	Phase     string `json:"phase"` // cooldown, restarting, observing, completed, aborted, failed, permanently_failed
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for RecoveryPhaseData
func (d *RecoveryPhaseData) EventType() EventType { return RecoveryPhase }

// FailoverExecutedData contains data for FailoverExecuted events
type FailoverExecutedData struct {
	Symbol     string `json:"symbol"`
	From       string `json:"from,omitempty"` // empty when the symbol had no source
	To         string `json:"to"`
	DurationMS int64  `json:"duration_ms"`
}

// EventType returns the event type for FailoverExecutedData
func (d *FailoverExecutedData) EventType() EventType { return FailoverExecuted }

// ContractMigratedData contains data for ContractMigrated events
type ContractMigratedData struct {
	Symbols []string `json:"symbols"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to"`
}

// EventType returns the event type for ContractMigratedData
func (d *ContractMigratedData) EventType() EventType { return ContractMigrated }

// TickIngressedData contains data for TickIngressed events
type TickIngressedData struct {
	Tick domain.Tick `json:"tick"`
}

// EventType returns the event type for TickIngressedData
func (d *TickIngressedData) EventType() EventType { return TickIngressed }

// TickEgressedData contains data for TickEgressed events
type TickEgressedData struct {
	Symbol          string `json:"symbol"`
	SourceAccountID string `json:"source_account_id"`
	Bytes           int    `json:"bytes"`
}

// EventType returns the event type for TickEgressedData
func (d *TickEgressedData) EventType() EventType { return TickEgressed }

// SystemLogData contains data for SystemLog events
type SystemLogData struct {
	Level    string                 `json:"level"`
	Message  string                 `json:"message"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EventType returns the event type for SystemLogData
func (d *SystemLogData) EventType() EventType { return SystemLog }

// ControlActionRequestedData contains data for ControlActionRequested events
type ControlActionRequestedData struct {
	AccountID string `json:"account_id"`
	Action    string `json:"action"` // start, stop, restart, reset_recovery
}

// EventType returns the event type for ControlActionRequestedData
func (d *ControlActionRequestedData) EventType() EventType { return ControlActionRequested }

// ControlActionCompletedData contains data for ControlActionCompleted events
type ControlActionCompletedData struct {
	AccountID string `json:"account_id"`
	Action    string `json:"action"`
	Status    string `json:"status"` // ok, failed
	Error     string `json:"error,omitempty"`
}

// EventType returns the event type for ControlActionCompletedData
func (d *ControlActionCompletedData) EventType() EventType { return ControlActionCompleted }

// AccountMutatedData contains data for AccountMutated events
type AccountMutatedData struct {
	AccountID string          `json:"account_id"`
	Mutation  string          `json:"mutation"` // created, updated, deleted
	Account   *domain.Account `json:"account,omitempty"`
}

// EventType returns the event type for AccountMutatedData
func (d *AccountMutatedData) EventType() EventType { return AccountMutated }

// NoSourceAvailableData contains data for NoSourceAvailable events
type NoSourceAvailableData struct {
	Symbol     string `json:"symbol"`
	LastSource string `json:"last_source,omitempty"`
}

// EventType returns the event type for NoSourceAvailableData
func (d *NoSourceAvailableData) EventType() EventType { return NoSourceAvailable }
