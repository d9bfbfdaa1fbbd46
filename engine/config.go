/*
Package engine keeps a user's view of their payment streams correct and
current across three partially overlapping sources of truth: REST snapshots,
a websocket push channel, and the on-chain ledger as a last resort.

PURPOSE:
  The Engine owns one session's worth of synchronization state: the stream
  store, the push channel, the refresh gate, the snapshot loader, the
  withdrawal coordinator, and the polling reconciler that backstops gaps
  while the push channel is down.

LIFECYCLE:
  eng := engine.New(cfg, deps)
  eng.Activate(engine.Session{WalletAddress: addr})
  ...
  eng.Deactivate()   // closes the channel, clears timers, discards records

  Each activation owns a fresh set of resources; nothing is shared across
  sessions, and results of requests still in flight at deactivation are
  dropped.

SEE ALSO:
  - conn.go: Push channel manager
  - loader.go: Snapshot loader with ledger fallback
  - withdraw.go: Dual-path withdrawal coordinator
  - reconciler.go: Polling fallback
*/
package engine

import (
	"log"
	"time"

	"github.com/warp/stream-engine/stream"
)

// Config tunes the engine's timing and thresholds.
type Config struct {
	// APICooldown is the minimum gap between any two engine-triggered
	// snapshot/aggregate fetches. User-initiated withdrawals bypass it.
	APICooldown time.Duration

	// ReconnectBase and ReconnectCap bound the exponential backoff between
	// push channel connection attempts: min(base * 2^attempts, cap).
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// MaxReconnectAttempts caps automatic reconnection. Beyond it the
	// channel stays closed until the engine is re-activated.
	MaxReconnectAttempts int

	// ReconcileInterval is the polling period while the push channel is
	// down.
	ReconcileInterval time.Duration

	// SettleRetryDelay is the delay before the second confirmation refresh
	// after a withdrawal, absorbing backend settlement lag.
	SettleRetryDelay time.Duration

	// DustThreshold is the minimum claimable amount worth withdrawing.
	DustThreshold stream.Amount

	// MaxLedgerScan bounds the per-id enumeration of the ledger fallback.
	MaxLedgerScan uint64

	// PageLimit is the page size requested from the stream listing.
	PageLimit int

	// Logger receives engine logs. Defaults to the standard logger.
	Logger *log.Logger
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		APICooldown:          3 * time.Second,
		ReconnectBase:        5 * time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectAttempts: 3,
		ReconcileInterval:    60 * time.Second,
		SettleRetryDelay:     5 * time.Second,
		DustThreshold:        stream.NewAmount(0.000001),
		MaxLedgerScan:        1024,
		PageLimit:            100,
	}
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// withDefaults fills zero fields so a partially specified config behaves.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.APICooldown <= 0 {
		c.APICooldown = d.APICooldown
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = d.ReconnectCap
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.SettleRetryDelay <= 0 {
		c.SettleRetryDelay = d.SettleRetryDelay
	}
	if c.DustThreshold.IsZero() {
		c.DustThreshold = d.DustThreshold
	}
	if c.MaxLedgerScan == 0 {
		c.MaxLedgerScan = d.MaxLedgerScan
	}
	if c.PageLimit <= 0 {
		c.PageLimit = d.PageLimit
	}
	return c
}
