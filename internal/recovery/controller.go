// Package recovery drives automatic restart cycles for unhealthy gateway
// sessions: exponential cooldown, restart, observation, and a hard attempt
// cap after which an account is parked until an operator resets it.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
)

// SessionController is the slice of the supervisor the controller needs.
type SessionController interface {
	RestartSession(accountID string) error
	RecordRestartAttempt(accountID string, attempts int, nextAllowed time.Time)
	MarkPermanentlyFailed(accountID string)
	ResetRecovery(accountID string)
}

// Options configures recovery timing.
type Options struct {
	// CooldownMin is the first cooldown; each further attempt doubles it.
	CooldownMin time.Duration
	// CooldownMax clamps the exponential growth.
	CooldownMax time.Duration
	// MaxAttempts is the hard cap before an account is parked.
	MaxAttempts int
	// Observation is how long a restarted session gets to turn HEALTHY
	// before the attempt counts as failed.
	Observation time.Duration
}

// cycle is one in-flight recovery loop for one account.
type cycle struct {
	attempts      int
	phase         string
	nextRestartAt time.Time
	// restarted records that at least one restart was issued; a cycle that
	// ends healthy without one was a false alarm, not a recovery.
	restarted bool
	// healthy is closed when the account turns HEALTHY, aborting whatever
	// wait the cycle goroutine is in.
	healthy chan struct{}
}

// Controller watches health transitions and runs at most one recovery
// cycle per account at a time.
type Controller struct {
	sup  SessionController
	bus  *events.Bus
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	cycles map[string]*cycle
	parked map[string]bool // permanently failed, waiting for manual reset

	ctx   context.Context
	unsub func()
}

// NewController creates a recovery controller. Call Start to activate it.
func NewController(sup SessionController, bus *events.Bus, opts Options, log zerolog.Logger) *Controller {
	if opts.CooldownMin <= 0 {
		opts.CooldownMin = 5 * time.Second
	}
	if opts.CooldownMax < opts.CooldownMin {
		opts.CooldownMax = 300 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Observation <= 0 {
		opts.Observation = 30 * time.Second
	}
	return &Controller{
		sup:    sup,
		bus:    bus,
		opts:   opts,
		log:    log.With().Str("component", "recovery").Logger(),
		cycles: make(map[string]*cycle),
		parked: make(map[string]bool),
	}
}

// Start subscribes to health transitions. Cycles stop when ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	c.ctx = ctx
	c.unsub = c.bus.Subscribe(c.onHealthChanged, events.HealthStatusChanged)
	go func() {
		<-ctx.Done()
		if c.unsub != nil {
			c.unsub()
		}
	}()
	c.log.Info().
		Dur("cooldown_min", c.opts.CooldownMin).
		Dur("cooldown_max", c.opts.CooldownMax).
		Int("max_attempts", c.opts.MaxAttempts).
		Msg("Recovery controller started")
}

func (c *Controller) onHealthChanged(e *events.Event) {
	data, ok := e.Data.(*events.HealthStatusChangedData)
	if !ok {
		return
	}
	switch data.NewStatus {
	case domain.HealthUnhealthy:
		c.startCycle(data.AccountID, data.Reason)
	case domain.HealthHealthy:
		c.markHealthy(data.AccountID)
	}
}

// startCycle launches a recovery loop for the account unless one is
// already running or the account is parked.
func (c *Controller) startCycle(accountID, reason string) {
	c.mu.Lock()
	if c.parked[accountID] {
		c.mu.Unlock()
		return
	}
	if _, running := c.cycles[accountID]; running {
		c.mu.Unlock()
		return
	}
	cy := &cycle{healthy: make(chan struct{})}
	c.cycles[accountID] = cy
	c.mu.Unlock()

	c.log.Warn().Str("account_id", accountID).Str("reason", reason).Msg("Starting recovery cycle")
	go c.runCycle(accountID, cy, reason)
}

// markHealthy aborts any in-flight cycle and resets the attempt counter.
func (c *Controller) markHealthy(accountID string) {
	c.mu.Lock()
	cy, running := c.cycles[accountID]
	c.mu.Unlock()
	if running {
		select {
		case <-cy.healthy:
		default:
			close(cy.healthy)
		}
	}
	c.sup.ResetRecovery(accountID)
}

// runCycle is the per-account recovery loop. Exactly one runs per account.
func (c *Controller) runCycle(accountID string, cy *cycle, reason string) {
	defer func() {
		c.mu.Lock()
		delete(c.cycles, accountID)
		c.mu.Unlock()
	}()

	for {
		cy.attempts++
		cooldown := c.cooldownFor(cy.attempts)

		c.setPhase(accountID, cy, "cooldown", reason)
		cy.nextRestartAt = time.Now().Add(cooldown)
		c.sup.RecordRestartAttempt(accountID, cy.attempts, cy.nextRestartAt)
		if !c.wait(cooldown, cy) {
			c.finishHealthy(accountID, cy)
			return
		}

		c.setPhase(accountID, cy, "restarting", "")
		if err := c.sup.RestartSession(accountID); err != nil {
			c.log.Error().Err(err).
				Str("account_id", accountID).
				Int("attempt", cy.attempts).
				Msg("Restart failed")
			c.setPhase(accountID, cy, "failed", err.Error())
			if c.exhausted(accountID, cy) {
				return
			}
			continue
		}

		cy.restarted = true
		c.setPhase(accountID, cy, "observing", "")
		if !c.wait(c.opts.Observation, cy) {
			c.finishHealthy(accountID, cy)
			return
		}

		// Observation window expired without a HEALTHY transition.
		c.setPhase(accountID, cy, "failed", "did not turn healthy within observation window")
		if c.exhausted(accountID, cy) {
			return
		}
	}
}

// wait sleeps for d. Returns false when the account turned HEALTHY or the
// controller is shutting down.
func (c *Controller) wait(d time.Duration, cy *cycle) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-cy.healthy:
		return false
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// finishHealthy ends a cycle whose account turned HEALTHY. The phase says
// whether a restart did the recovering ("completed") or health came back on
// its own before any restart was issued ("aborted").
func (c *Controller) finishHealthy(accountID string, cy *cycle) {
	if c.ctx.Err() != nil {
		return
	}
	phase := "completed"
	if !cy.restarted {
		phase = "aborted"
	}
	c.setPhase(accountID, cy, phase, "")
	c.sup.ResetRecovery(accountID)
	c.log.Info().
		Str("account_id", accountID).
		Int("attempts", cy.attempts).
		Str("phase", phase).
		Msg("Recovery cycle ended healthy")
}

// exhausted parks the account once the attempt cap is hit.
func (c *Controller) exhausted(accountID string, cy *cycle) bool {
	if cy.attempts < c.opts.MaxAttempts {
		return false
	}
	c.mu.Lock()
	c.parked[accountID] = true
	c.mu.Unlock()
	c.sup.MarkPermanentlyFailed(accountID)
	c.setPhase(accountID, cy, "permanently_failed", "restart attempt cap reached")
	c.log.Error().
		Str("account_id", accountID).
		Int("attempts", cy.attempts).
		Msg("Account permanently failed; manual reset required")
	c.bus.Publish("recovery", &events.SystemLogData{
		Level:   "error",
		Message: "gateway account permanently failed after exhausting restart attempts",
		Source:  "recovery",
		Metadata: map[string]interface{}{
			"account_id": accountID,
			"attempts":   cy.attempts,
		},
	})
	return true
}

func (c *Controller) setPhase(accountID string, cy *cycle, phase, reason string) {
	cy.phase = phase
	c.bus.Publish("recovery", &events.RecoveryPhaseData{
		AccountID: accountID,
		Phase:     phase,
		Attempt:   cy.attempts,
		Reason:    reason,
	})
}

// cooldownFor returns CooldownMin doubled per prior attempt, clamped to
// CooldownMax.
func (c *Controller) cooldownFor(attempt int) time.Duration {
	d := c.opts.CooldownMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.CooldownMax {
			return c.opts.CooldownMax
		}
	}
	if d > c.opts.CooldownMax {
		return c.opts.CooldownMax
	}
	return d
}

// Reset clears the parked flag and the supervisor's recovery bookkeeping so
// the account is eligible for recovery again. Used by the control API.
func (c *Controller) Reset(accountID string) {
	c.mu.Lock()
	delete(c.parked, accountID)
	c.mu.Unlock()
	c.sup.ResetRecovery(accountID)
	c.bus.Publish("recovery", &events.RecoveryPhaseData{
		AccountID: accountID,
		Phase:     "completed",
		Reason:    "manual reset",
	})
	c.log.Info().Str("account_id", accountID).Msg("Recovery state reset")
}

// Snapshots returns the in-flight and parked recovery state per account.
func (c *Controller) Snapshots() []domain.RecoverySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RecoverySnapshot, 0, len(c.cycles)+len(c.parked))
	for id, cy := range c.cycles {
		out = append(out, domain.RecoverySnapshot{
			AccountID:     id,
			Phase:         cy.phase,
			Attempts:      cy.attempts,
			NextRestartAt: cy.nextRestartAt,
		})
	}
	for id := range c.parked {
		if _, running := c.cycles[id]; running {
			continue
		}
		out = append(out, domain.RecoverySnapshot{
			AccountID:         id,
			Phase:             "permanently_failed",
			PermanentlyFailed: true,
		})
	}
	return out
}
