/*
engine.go - Session-scoped synchronization facade

PURPOSE:
  Wires the store, gate, loader, push channel, withdrawal coordinator and
  reconciler into one object with an activation lifecycle and a read-only
  projection. Callers see the converged state; the plumbing stays in here.

WIRING:
  - push STREAM_UPDATE  -> store.PatchCalc, then a gate-debounced balance
                           refresh
  - push connect        -> reconciler stops (push supersedes polling)
  - push disconnect     -> reconciler starts, while the session is active
  - withdrawal settled  -> immediate refresh plus one delayed retry to
                           absorb settlement lag
  - reconcile tick      -> snapshot + aggregate reload through the gate

DEACTIVATION:
  Closes the channel with a normal closure, stops the reconciler, cancels
  pending settle-retry timers, cancels the session context so in-flight
  fetches cannot write back, and discards all records.
*/
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/stream-engine/backend"
	"github.com/warp/stream-engine/ledger"
	"github.com/warp/stream-engine/stream"
)

// Session identifies the user the engine synchronizes for.
type Session struct {
	WalletAddress string
}

// Deps are the engine's external collaborators.
type Deps struct {
	Backend *backend.Client
	Ledger  ledger.Ledger // optional; nil disables the chain fallback

	// Notify receives push notifications. Optional.
	Notify func(Notification)
}

// Engine synchronizes one user's stream state across backend, push channel
// and ledger.
type Engine struct {
	cfg    Config
	logger *log.Logger
	deps   Deps

	store      *stream.Store
	gate       *RefreshGate
	loader     *Loader
	channel    *ChannelManager
	coord      *Coordinator
	reconciler *Reconciler

	mu        sync.Mutex
	session   Session
	active    bool
	ctx       context.Context
	cancel    context.CancelFunc
	balance   *stream.UserBalance
	lastErr   error
	isLoading bool
	retries   []*time.Timer // pending settle-retry timers
}

// New builds an inactive engine. Activate starts it.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:    cfg,
		logger: cfg.logger(),
		deps:   deps,
		store:  stream.NewStore(),
		gate:   NewRefreshGate(cfg.APICooldown),
	}

	e.loader = newLoader(cfg, e.store, deps.Backend, deps.Ledger, e.gate, e.walletAddress)
	e.loader.onBalance = e.setBalance

	e.channel = newChannelManager(cfg, deps.Backend.WebSocketURL, e.Active)
	e.channel.onCalc = e.handleCalc
	e.channel.onNotice = e.handleNotice
	e.channel.onStateChange = e.handleConnChange

	e.coord = newCoordinator(cfg, e.store, deps.Backend, deps.Ledger)
	e.coord.confirm = e.confirmSettlement

	e.reconciler = newReconciler(cfg.ReconcileInterval, e.reconcile, cfg.logger())
	return e
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Activate binds a session and starts synchronizing: an initial snapshot and
// aggregate load, the push channel, and the polling reconciler until the
// channel comes up. Re-activating an active engine deactivates it first.
func (e *Engine) Activate(s Session) {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		e.Deactivate()
		e.mu.Lock()
	}
	e.session = s
	e.active = true
	e.lastErr = nil
	e.balance = nil
	e.ctx, e.cancel = context.WithCancel(context.Background())
	ctx := e.ctx
	e.mu.Unlock()

	e.gate.Reset()
	e.channel.reset()
	e.logger.Printf("[Engine] Activated for %s", s.WalletAddress)

	go func() {
		e.refreshStreams(ctx)
		e.loader.LoadBalance(ctx)
		e.channel.Open()
		if e.Active() && !e.channel.State().IsConnected {
			e.reconciler.Start()
		}
	}()
}

// Deactivate tears the session down. Safe to call twice.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	cancel := e.cancel
	e.ctx, e.cancel = nil, nil
	timers := e.retries
	e.retries = nil
	e.balance = nil
	e.lastErr = nil
	e.isLoading = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, t := range timers {
		t.Stop()
	}
	e.channel.Close()
	e.reconciler.Stop()
	e.store.Clear()
	e.logger.Printf("[Engine] Deactivated")
}

// Active reports whether a session is bound.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) walletAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.WalletAddress
}

// sessionCtx returns the current session context, or a canceled one when
// inactive so stray work fails fast.
func (e *Engine) sessionCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return e.ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// PROJECTION
// =============================================================================

// Streams returns the current records, deep-copied, in stable order.
func (e *Engine) Streams() []*stream.StreamRecord {
	return e.store.List()
}

// Stream returns one record by id.
func (e *Engine) Stream(id string) (*stream.StreamRecord, bool) {
	return e.store.Get(id)
}

// Balance returns the latest aggregate: the backend's figure when one has
// arrived, otherwise an aggregate derived from the store.
func (e *Engine) Balance() stream.UserBalance {
	e.mu.Lock()
	if e.balance != nil {
		bal := *e.balance
		e.mu.Unlock()
		return bal
	}
	e.mu.Unlock()
	return e.store.Balance()
}

// IsLoading reports whether a snapshot load is in progress.
func (e *Engine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLoading
}

// Err returns the most recent synchronization or withdrawal error, cleared by
// the next success.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// ConnectedToPush reports whether the push channel is open.
func (e *Engine) ConnectedToPush() bool {
	return e.channel.State().IsConnected
}

// ConnState returns the push channel's full state snapshot.
func (e *Engine) ConnState() ConnState {
	return e.channel.State()
}

// Withdrawing returns the stream id of the in-flight withdrawal, or "".
func (e *Engine) Withdrawing() string {
	return e.coord.Withdrawing()
}

// =============================================================================
// ACTIONS
// =============================================================================

// Withdraw runs a withdrawal for the stream. The failure, if any, is also
// retained as the engine's last error; a success clears it.
func (e *Engine) Withdraw(ctx context.Context, streamID string) error {
	if !e.Active() {
		err := &stream.WithdrawalError{StreamID: streamID, Cause: stream.ErrSessionInactive}
		e.setErr(err)
		return err
	}
	err := e.coord.Withdraw(ctx, streamID)
	e.setErr(err)
	return err
}

// RefreshStreams forces a snapshot reload, subject to the cooldown gate.
func (e *Engine) RefreshStreams() {
	if !e.Active() {
		return
	}
	go e.refreshStreams(e.sessionCtx())
}

// RefreshBalance forces an aggregate reload, subject to the cooldown gate.
func (e *Engine) RefreshBalance() {
	if !e.Active() {
		return
	}
	go e.loader.LoadBalance(e.sessionCtx())
}

// =============================================================================
// INTERNAL WIRING
// =============================================================================

func (e *Engine) refreshStreams(ctx context.Context) {
	e.setLoading(true)
	defer e.setLoading(false)

	ran, err := e.loader.LoadStreams(ctx)
	if !ran {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Printf("[Engine] Stream refresh failed: %v", err)
			e.setErr(err)
		}
		return
	}
	e.setErr(nil)
}

func (e *Engine) reconcile() {
	if !e.Active() {
		return
	}
	ctx := e.sessionCtx()
	e.refreshStreams(ctx)
	e.loader.LoadBalance(ctx)
}

// handleCalc applies a pushed calculation and opportunistically refreshes the
// aggregate when the gate permits.
func (e *Engine) handleCalc(calc stream.Calculation) {
	if !e.Active() {
		return
	}
	if !e.store.PatchCalc(calc.StreamID, calc) {
		return
	}
	if e.gate.CanProceed() {
		go e.loader.LoadBalance(e.sessionCtx())
	}
}

func (e *Engine) handleNotice(n Notification) {
	if e.deps.Notify != nil && e.Active() {
		e.deps.Notify(n)
	}
}

// handleConnChange hands the poll/push baton back and forth.
func (e *Engine) handleConnChange(connected bool) {
	if connected {
		e.reconciler.Stop()
		// Catch up on whatever was missed while disconnected.
		go e.reconcile()
		return
	}
	if e.Active() {
		e.reconciler.Start()
	}
}

// confirmSettlement runs after a successful withdrawal: one immediate
// reconciliation and one delayed retry so the authoritative post-settlement
// figures replace the optimistic ones even when the backend settles slowly.
func (e *Engine) confirmSettlement() {
	go e.reconcile()

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	t := time.AfterFunc(e.cfg.SettleRetryDelay, func() {
		if e.Active() {
			e.reconcile()
		}
	})
	e.retries = append(e.retries, t)
	e.mu.Unlock()
}

// setBalance installs a new aggregate. Derived figures are accepted too: an
// aggregate recomputed from the store after an optimistic update is fresher
// than whatever the backend last said.
func (e *Engine) setBalance(bal stream.UserBalance, authoritative bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.balance = &bal
	if authoritative {
		e.logger.Printf("[Engine] Balance updated from backend (%d tokens)", len(bal.Balances))
	}
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
}

func (e *Engine) setLoading(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isLoading = v
}
