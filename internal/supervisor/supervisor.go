// Package supervisor owns the lifecycle of every upstream gateway session
// and the ingress path for their ticks.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/quotehub/internal/accounts"
	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
	"github.com/aristath/quotehub/internal/gateway"
	"github.com/rs/zerolog"
)

// Options configures the supervisor.
type Options struct {
	// CanarySymbols maps a gateway type to the contracts whose tick flow
	// doubles as the data-plane liveness signal.
	CanarySymbols map[domain.GatewayType][]string
	// TickMaxSkew bounds how far in the future an exchange timestamp may
	// sit before the tick is rejected.
	TickMaxSkew time.Duration
	// CommandTimeout bounds how long an enqueued lifecycle command may
	// wait for the command loop.
	CommandTimeout time.Duration
}

// recoveryMeta is recovery bookkeeping that must survive session
// recreation across hard restarts.
type recoveryMeta struct {
	restartAttempts      int
	nextAllowedRestartAt time.Time
	permanentlyFailed    bool
}

// command is one serialized lifecycle operation. The command loop is the
// only goroutine that creates, replaces or destroys sessions.
type command struct {
	run   func() error
	reply chan error
}

// Supervisor owns GatewaySessions. Lifecycle operations from the Control
// API, the recovery controller and account-mutation events all flow
// through the same command channel, so transitions for a session are
// always serialized.
type Supervisor struct {
	store   *accounts.Repository
	bus     *events.Bus
	factory gateway.Factory
	opts    Options
	log     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	meta     map[string]recoveryMeta

	cmds          chan command
	stopOnce      sync.Once
	stopped       chan struct{}
	unsubscribe   func()
	rejectedTicks atomic.Uint64
}

// New creates a supervisor. Call Start to launch the command loop and the
// enabled sessions.
func New(store *accounts.Repository, bus *events.Bus, factory gateway.Factory, opts Options, log zerolog.Logger) *Supervisor {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if opts.TickMaxSkew <= 0 {
		opts.TickMaxSkew = 10 * time.Second
	}
	return &Supervisor{
		store:    store,
		bus:      bus,
		factory:  factory,
		opts:     opts,
		log:      log.With().Str("component", "supervisor").Logger(),
		sessions: make(map[string]*session),
		meta:     make(map[string]recoveryMeta),
		cmds:     make(chan command, 64),
		stopped:  make(chan struct{}),
	}
}

// Start launches the command loop, subscribes to account mutations and
// starts a session for every enabled account. The command loop runs until
// Shutdown: lifecycle commands must stay serviceable while shutdown tears
// sessions down, so the loop cannot share the signal context.
func (s *Supervisor) Start() error {
	go s.run()

	s.unsubscribe = s.bus.Subscribe(s.onAccountMutated, events.AccountMutated)

	enabled, err := s.store.ListEnabled()
	if err != nil {
		return fmt.Errorf("failed to load enabled accounts: %w", err)
	}
	for _, account := range enabled {
		if err := s.StartSession(account.ID); err != nil {
			// One broken account must not prevent the rest from starting.
			s.log.Error().Err(err).Str("account_id", account.ID).Msg("Failed to start session")
		}
	}
	s.log.Info().Int("sessions", len(enabled)).Msg("Supervisor started")
	return nil
}

// run processes lifecycle commands until Shutdown closes the supervisor.
func (s *Supervisor) run() {
	for {
		select {
		case <-s.stopped:
			return
		case cmd := <-s.cmds:
			err := cmd.run()
			if cmd.reply != nil {
				cmd.reply <- err
			}
		}
	}
}

// enqueue submits a command and waits for the loop to process it.
func (s *Supervisor) enqueue(run func() error) error {
	cmd := command{run: run, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return fmt.Errorf("%w: supervisor stopped", domain.ErrDependencyUnavailable)
	case <-time.After(s.opts.CommandTimeout):
		return fmt.Errorf("%w: supervisor command queue saturated", domain.ErrTransient)
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-time.After(s.opts.CommandTimeout):
		return fmt.Errorf("%w: supervisor command timed out", domain.ErrTransient)
	}
}

// StartSession starts the session for an account. Idempotent: starting a
// running session is a no-op.
func (s *Supervisor) StartSession(accountID string) error {
	return s.enqueue(func() error { return s.doStart(accountID) })
}

// StopSession stops and tears down the session for an account. Stopping an
// absent session is a no-op.
func (s *Supervisor) StopSession(accountID string) error {
	return s.enqueue(func() error { return s.doStop(accountID, true) })
}

// RestartSession performs a hard restart: terminate the adaptor instance
// and replace it with a fresh one. Emits a single TERMINATING/CONNECTING
// event pair; callers observe it as one atomic operation.
func (s *Supervisor) RestartSession(accountID string) error {
	return s.enqueue(func() error {
		if err := s.doStop(accountID, false); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return s.doStart(accountID)
	})
}

// MigrateSubscriptions moves symbols from one session to another with
// subscribe-before-unsubscribe ordering so no tick gap can open. Migrating
// a set onto its current session is a no-op.
func (s *Supervisor) MigrateSubscriptions(symbols []string, fromID, toID string) error {
	if len(symbols) == 0 || fromID == toID {
		return nil
	}
	return s.enqueue(func() error { return s.doMigrate(symbols, fromID, toID) })
}

// SubscribeSymbols subscribes a session to symbols. Subscribing to zero
// symbols is legal and a no-op.
func (s *Supervisor) SubscribeSymbols(accountID string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	return s.enqueue(func() error {
		sess := s.lookup(accountID)
		if sess == nil {
			return fmt.Errorf("%w: no session for %q", domain.ErrNotFound, accountID)
		}
		if err := s.adaptorFor(sess).Subscribe(symbols); err != nil {
			return fmt.Errorf("subscribe failed on %s: %w", accountID, err)
		}
		sess.addSubscribed(symbols)
		return nil
	})
}

// ListSessions returns immutable snapshots of all live sessions.
func (s *Supervisor) ListSessions() []domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SessionSnapshot, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, sess.snapshot(s.meta[id]))
	}
	return out
}

// Snapshot returns the snapshot for one account's session.
func (s *Supervisor) Snapshot(accountID string) (domain.SessionSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[accountID]
	if !ok {
		return domain.SessionSnapshot{}, false
	}
	return sess.snapshot(s.meta[accountID]), true
}

// RecordRestartAttempt stores recovery bookkeeping for an account.
func (s *Supervisor) RecordRestartAttempt(accountID string, attempts int, nextAllowed time.Time) {
	s.mu.Lock()
	m := s.meta[accountID]
	m.restartAttempts = attempts
	m.nextAllowedRestartAt = nextAllowed
	s.meta[accountID] = m
	s.mu.Unlock()
}

// MarkPermanentlyFailed flags an account as beyond automatic recovery.
func (s *Supervisor) MarkPermanentlyFailed(accountID string) {
	s.mu.Lock()
	m := s.meta[accountID]
	m.permanentlyFailed = true
	s.meta[accountID] = m
	s.mu.Unlock()
}

// ResetRecovery clears recovery bookkeeping; a manual control action.
func (s *Supervisor) ResetRecovery(accountID string) {
	s.mu.Lock()
	delete(s.meta, accountID)
	s.mu.Unlock()
}

// RejectedTicks returns how many ticks cleansing has dropped.
func (s *Supervisor) RejectedTicks() uint64 {
	return s.rejectedTicks.Load()
}

// Shutdown stops all sessions in parallel and detaches from the bus.
func (s *Supervisor) Shutdown(ctx context.Context) {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			if err := s.StopSession(accountID); err != nil {
				s.log.Warn().Err(err).Str("account_id", accountID).Msg("Session stop failed during shutdown")
			}
		}(id)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		s.log.Info().Msg("All sessions stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("Shutdown deadline reached with sessions still stopping")
	}

	// Only now does the command loop stop; the stop commands above needed it.
	s.stopOnce.Do(func() { close(s.stopped) })
}

// --- command-loop internals -------------------------------------------------

func (s *Supervisor) lookup(accountID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[accountID]
}

func (s *Supervisor) adaptorFor(sess *session) gateway.UpstreamGateway {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.adaptor
}

func (s *Supervisor) doStart(accountID string) error {
	if existing := s.lookup(accountID); existing != nil {
		state := existing.currentState()
		if state != domain.SessionDisconnected && state != domain.SessionIdle {
			// Already live: start is idempotent.
			return nil
		}
		// A dead session gets torn down and replaced below.
		if err := s.doStop(accountID, false); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}

	account, err := s.store.Get(accountID)
	if err != nil {
		return err
	}

	sess := newSession(account, s.opts.CanarySymbols[account.GatewayType])

	adaptor, err := s.factory(account.GatewayType, account.ID, s.callbacksFor(sess), s.log)
	if err != nil {
		return fmt.Errorf("failed to create adaptor for %s: %w", accountID, err)
	}

	sess.mu.Lock()
	sess.adaptor = adaptor
	sess.generation++
	sess.state = domain.SessionConnecting
	sess.mu.Unlock()

	s.mu.Lock()
	s.sessions[accountID] = sess
	s.mu.Unlock()

	s.publishState(sess, domain.SessionIdle, domain.SessionConnecting, "")

	if err := adaptor.Connect(context.Background(), sess.settings); err != nil {
		return fmt.Errorf("connect failed for %s: %w", accountID, err)
	}

	// The canary contracts ride along on every session so data-plane
	// liveness works before any downstream subscription arrives.
	canaries := s.opts.CanarySymbols[account.GatewayType]
	if len(canaries) > 0 {
		if err := adaptor.Subscribe(canaries); err != nil {
			s.log.Warn().Err(err).Str("account_id", accountID).Msg("Canary subscription failed")
		} else {
			sess.addSubscribed(canaries)
		}
	}

	s.log.Info().Str("account_id", accountID).Str("gateway_type", string(account.GatewayType)).Msg("Session started")
	return nil
}

// doStop tears a session down. With remove=false the teardown is half of a
// restart: recovery metadata stays, and the DISCONNECTED transition is not
// published, so observers see one TERMINATING/CONNECTING pair instead of a
// spurious disconnect in the middle.
func (s *Supervisor) doStop(accountID string, remove bool) error {
	sess := s.lookup(accountID)
	if sess == nil {
		if remove {
			return nil // stop on absent session is a no-op
		}
		return fmt.Errorf("%w: no session for %q", domain.ErrNotFound, accountID)
	}

	old := sess.setState(domain.SessionTerminating)
	s.publishState(sess, old, domain.SessionTerminating, "")

	sess.mu.Lock()
	adaptor := sess.adaptor
	sess.adaptor = nil
	sess.generation++ // invalidate in-flight callbacks from the old adaptor
	sess.mu.Unlock()

	if adaptor != nil {
		adaptor.Terminate()
	}

	old = sess.setState(domain.SessionDisconnected)
	if remove {
		s.publishState(sess, old, domain.SessionDisconnected, "")
	}

	s.mu.Lock()
	delete(s.sessions, accountID)
	s.mu.Unlock()

	s.log.Info().Str("account_id", accountID).Msg("Session stopped")
	return nil
}

func (s *Supervisor) doMigrate(symbols []string, fromID, toID string) error {
	target := s.lookup(toID)
	if target == nil {
		return fmt.Errorf("%w: migration target %q has no session", domain.ErrNotFound, toID)
	}

	// Subscribe on the target first; a brief double subscription is fine,
	// a gap is not.
	if err := s.adaptorFor(target).Subscribe(symbols); err != nil {
		return fmt.Errorf("target subscribe failed on %s: %w", toID, err)
	}
	target.addSubscribed(symbols)

	if target.currentState() != domain.SessionConnected {
		return fmt.Errorf("%w: migration target %q not connected", domain.ErrTransient, toID)
	}

	// Unsubscribe from the source only if it is still alive; a dead
	// source has nothing to unsubscribe.
	if source := s.lookup(fromID); source != nil {
		keep := source.canaryOverlap(symbols)
		if adaptor := s.adaptorFor(source); adaptor != nil {
			if err := adaptor.Unsubscribe(exclude(symbols, keep)); err != nil {
				s.log.Warn().Err(err).Str("account_id", fromID).Msg("Source unsubscribe failed")
			}
		}
		source.removeSubscribed(exclude(symbols, keep))
	}

	s.bus.Publish("supervisor", &events.ContractMigratedData{
		Symbols: symbols,
		From:    fromID,
		To:      toID,
	})
	return nil
}

// --- adaptor callbacks ------------------------------------------------------

// callbacksFor binds adaptor callbacks to a session generation so a
// terminated adaptor can never mutate the session that replaced it.
func (s *Supervisor) callbacksFor(sess *session) gateway.Callbacks {
	sess.mu.RLock()
	gen := sess.generation + 1 // the generation doStart assigns right after
	sess.mu.RUnlock()

	isCurrent := func() bool {
		sess.mu.RLock()
		defer sess.mu.RUnlock()
		return sess.generation == gen
	}

	return gateway.Callbacks{
		OnState: func(state gateway.State, detail string) {
			if !isCurrent() {
				return
			}
			s.onTransportState(sess, state, detail)
		},
		OnTick: func(tick gateway.RawTick) {
			if !isCurrent() {
				return
			}
			s.ingest(sess, tick)
		},
		OnError: func(code int, message string) {
			if !isCurrent() {
				return
			}
			s.log.Warn().
				Int("code", code).
				Str("message", message).
				Str("account_id", sess.accountID).
				Msg("Gateway error")
		},
	}
}

func (s *Supervisor) onTransportState(sess *session, state gateway.State, detail string) {
	var next domain.SessionState
	switch state {
	case gateway.StateConnected:
		next = domain.SessionConnected
	case gateway.StateConnecting:
		next = domain.SessionConnecting
	case gateway.StateError:
		next = domain.SessionDisconnected
		if detail == "" {
			detail = "transport error"
		}
		sess.setLastError(detail)
	case gateway.StateDisconnected:
		next = domain.SessionDisconnected
	default:
		return
	}

	old := sess.setState(next)
	if old == next {
		return
	}
	s.publishState(sess, old, next, detail)
}

func (s *Supervisor) publishState(sess *session, old, next domain.SessionState, detail string) {
	s.bus.Publish("supervisor", &events.GatewayStateChangedData{
		AccountID: sess.accountID,
		OldState:  old,
		NewState:  next,
		Detail:    detail,
	})
}

// ingest is the hot path: stamp, validate, publish. It runs on the
// adaptor's callback goroutine and must stay well under a millisecond;
// everything downstream happens via the bus.
func (s *Supervisor) ingest(sess *session, raw gateway.RawTick) {
	now := time.Now()
	tick := domain.Tick{
		Symbol:          raw.Symbol,
		Exchange:        raw.Exchange,
		LastPrice:       domain.PriceFromFloat(raw.LastPrice),
		LastVolume:      raw.LastVolume,
		BidPrice:        domain.PriceFromFloat(raw.BidPrice),
		BidVolume:       raw.BidVolume,
		AskPrice:        domain.PriceFromFloat(raw.AskPrice),
		AskVolume:       raw.AskVolume,
		SourceAccountID: sess.accountID,
		ExchangeTime:    raw.ExchangeTime,
		IngressTime:     now,
	}

	if err := tick.Validate(now, s.opts.TickMaxSkew); err != nil {
		s.rejectedTicks.Add(1)
		s.bus.Publish("supervisor", &events.SystemLogData{
			Level:   "warn",
			Message: fmt.Sprintf("tick rejected: %v", err),
			Source:  "supervisor",
			Metadata: map[string]interface{}{
				"account_id": sess.accountID,
				"symbol":     raw.Symbol,
			},
		})
		return
	}

	sess.markTick(now)

	if sess.isCanary(tick.Symbol) {
		s.bus.Publish("supervisor", &events.CanaryTickObservedData{
			AccountID: sess.accountID,
			Symbol:    tick.Symbol,
			TickTime:  now,
		})
	}

	s.bus.Publish("supervisor", &events.TickIngressedData{Tick: tick})
}

// --- account mutation handling ----------------------------------------------

// onAccountMutated reconciles sessions with store mutations: disabled or
// deleted accounts stop, newly enabled accounts start, settings changes
// restart.
func (s *Supervisor) onAccountMutated(e *events.Event) {
	data, ok := e.Data.(*events.AccountMutatedData)
	if !ok {
		return
	}

	switch data.Mutation {
	case "deleted":
		if err := s.StopSession(data.AccountID); err != nil {
			s.log.Warn().Err(err).Str("account_id", data.AccountID).Msg("Teardown after delete failed")
		}
		return
	case "created", "updated":
	default:
		return
	}

	account, err := s.store.Get(data.AccountID)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", data.AccountID).Msg("Failed to re-read mutated account")
		return
	}

	sess := s.lookup(account.ID)
	switch {
	case !account.Enabled && sess != nil:
		if err := s.StopSession(account.ID); err != nil {
			s.log.Warn().Err(err).Str("account_id", account.ID).Msg("Stop after disable failed")
		}
	case account.Enabled && sess == nil:
		if err := s.StartSession(account.ID); err != nil {
			s.log.Error().Err(err).Str("account_id", account.ID).Msg("Start after enable failed")
		}
	case account.Enabled && sess != nil &&
		(!sess.settingsEqual(account.Settings) || sess.gatewayType != account.GatewayType):
		if err := s.RestartSession(account.ID); err != nil {
			s.log.Error().Err(err).Str("account_id", account.ID).Msg("Restart after settings change failed")
		}
	}
}

// canaryOverlap returns which of the symbols are canaries for the session,
// i.e. must stay subscribed regardless of migrations.
func (s *session) canaryOverlap(symbols []string) map[string]struct{} {
	keep := make(map[string]struct{})
	for _, sym := range symbols {
		if _, ok := s.canaries[sym]; ok {
			keep[sym] = struct{}{}
		}
	}
	return keep
}

func exclude(symbols []string, drop map[string]struct{}) []string {
	if len(drop) == 0 {
		return symbols
	}
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := drop[sym]; !ok {
			out = append(out, sym)
		}
	}
	return out
}
