/*
loader.go - Snapshot loader with verified ledger fallback

PURPOSE:
  Fetches the authoritative stream set and aggregate balance. The backend
  is the primary source; when it fails or has nothing and a wallet address
  is known, the ledger is enumerated per stream id and records are
  synthesized from chain state. Either way the store is replaced in one
  atomic swap: the full new set is built first, then installed.

FALLBACK SEMANTICS:
  The per-id scan is best effort. Ids that fail to load are logged and
  skipped, never fatal, and an empty result is a legitimate outcome: a user
  with no streams is not an error. Synthesized records carry permissive
  withdrawal limits because the chain has no quota bookkeeping.

RATE LIMITING:
  Both loads consult the shared gate. A denied balance refresh falls back
  to recomputing the aggregate from the store, which needs no network.

SEE ALSO:
  - stream/calc.go: DeriveBalance, ComputeCalc
  - ledger/ledger.go: The enumeration surface
*/
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/warp/stream-engine/backend"
	"github.com/warp/stream-engine/ledger"
	"github.com/warp/stream-engine/stream"
)

// Loader populates the store from the backend, falling back to the ledger.
type Loader struct {
	cfg    Config
	logger *log.Logger

	store   *stream.Store
	backend *backend.Client
	ledger  ledger.Ledger
	gate    *RefreshGate
	wallet  func() string

	onBalance func(stream.UserBalance, bool) // balance, authoritative

	loadingStreams atomic.Bool
	loadingBalance atomic.Bool
	now            func() time.Time
}

func newLoader(cfg Config, store *stream.Store, bc *backend.Client, lc ledger.Ledger, gate *RefreshGate, wallet func() string) *Loader {
	return &Loader{
		cfg:     cfg,
		logger:  cfg.logger(),
		store:   store,
		backend: bc,
		ledger:  lc,
		gate:    gate,
		wallet:  wallet,
		now:     time.Now,
	}
}

// LoadStreams refreshes the store. Returns (false, nil) when the gate denied
// the refresh or one is already in flight.
func (l *Loader) LoadStreams(ctx context.Context) (bool, error) {
	if l.loadingStreams.Load() {
		return false, nil
	}
	if !l.gate.Allow() {
		l.logger.Printf("[Loader] Stream refresh skipped, cooldown active")
		return false, nil
	}
	l.loadingStreams.Store(true)
	defer l.loadingStreams.Store(false)

	records, err := l.fetchStreams(ctx)
	if err != nil {
		return true, err
	}
	// A fetch that outlived its session must not resurrect discarded state.
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	l.store.ReplaceAll(records)
	l.logger.Printf("[Loader] Store replaced with %d streams", len(records))
	return true, nil
}

func (l *Loader) fetchStreams(ctx context.Context) ([]*stream.StreamRecord, error) {
	list, backendErr := l.backend.ListStreams(ctx, backend.ListOptions{Limit: l.cfg.PageLimit})
	if backendErr == nil && len(list.Streams) > 0 {
		records := make([]*stream.StreamRecord, 0, len(list.Streams))
		for _, dto := range list.Streams {
			r, err := dto.ToRecord()
			if err != nil {
				l.logger.Printf("[Loader] Skipping malformed stream: %v", err)
				continue
			}
			records = append(records, r)
		}
		return records, nil
	}

	if backendErr != nil {
		l.logger.Printf("[Loader] Backend listing failed, trying ledger: %v", backendErr)
	} else {
		l.logger.Printf("[Loader] Backend has no streams, trying ledger")
	}

	wallet := l.wallet()
	if l.ledger == nil || wallet == "" {
		if backendErr != nil {
			return nil, fmt.Errorf("load streams: %w", backendErr)
		}
		return nil, nil
	}

	records, err := l.scanLedger(ctx, wallet)
	if err != nil {
		if backendErr != nil {
			return nil, fmt.Errorf("load streams: backend: %v; ledger: %w", backendErr, err)
		}
		return nil, fmt.Errorf("load streams from ledger: %w", err)
	}
	return records, nil
}

// scanLedger enumerates every stream id on the ledger and keeps the ones
// involving the wallet. O(count) per refresh; bounded by MaxLedgerScan.
func (l *Loader) scanLedger(ctx context.Context, wallet string) ([]*stream.StreamRecord, error) {
	count, err := l.ledger.StreamCount(ctx)
	if err != nil {
		return nil, err
	}
	if count > l.cfg.MaxLedgerScan {
		l.logger.Printf("[Loader] Ledger has %d streams, scanning first %d", count, l.cfg.MaxLedgerScan)
		count = l.cfg.MaxLedgerScan
	}

	var records []*stream.StreamRecord
	for id := uint64(0); id < count; id++ {
		detail, err := l.ledger.GetStream(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Printf("[Loader] Skipping ledger stream %d: %v", id, err)
			continue
		}
		if !strings.EqualFold(detail.Payer, wallet) && !strings.EqualFold(detail.Recipient, wallet) {
			continue
		}
		records = append(records, synthesizeRecord(detail, l.now()))
	}
	l.logger.Printf("[Loader] Ledger scan found %d streams for %s", len(records), wallet)
	return records, nil
}

// synthesizeRecord builds a StreamRecord from raw chain state. The id is
// prefixed so the withdrawal coordinator knows the backend has never heard
// of this stream.
func synthesizeRecord(d ledger.StreamDetail, now time.Time) *stream.StreamRecord {
	ref := d.ID
	var end *int64
	if d.EndTime > 0 {
		e := d.EndTime
		end = &e
	}

	status := stream.StatusCompleted
	if d.Active {
		status = stream.StatusActive
	}

	r := &stream.StreamRecord{
		ID:         fmt.Sprintf("chain-%d", d.ID),
		OnChainRef: &ref,
		Payer:      stream.Party{ID: d.Payer, WalletAddress: d.Payer},
		Recipient:  stream.Party{ID: d.Recipient, WalletAddress: d.Recipient},
		Token:      d.Token,
		Total:      stream.MustParseAmount(d.TotalAmount),
		Status:     status,
		StartTime:  d.StartTime,
		EndTime:    end,
		Limits:     stream.PermissiveLimits(),
		CreatedAt:  d.StartTime,
		UpdatedAt:  now.Unix(),
	}
	r.Calc = stream.Calculation{
		StreamID:        r.ID,
		WithdrawnAmount: stream.MustParseAmount(d.Withdrawn),
		RatePerSecond:   stream.MustParseAmount(d.RatePerSecond),
		StartTime:       d.StartTime,
		EndTime:         end,
	}
	r.Calc = stream.ComputeCalc(r, now)
	return r
}

// LoadBalance refreshes the aggregate. When the gate denies the fetch or the
// backend fails, the aggregate is recomputed from the store instead, marked
// non-authoritative.
func (l *Loader) LoadBalance(ctx context.Context) {
	if l.onBalance == nil || l.loadingBalance.Load() {
		return
	}
	l.loadingBalance.Store(true)
	defer l.loadingBalance.Store(false)

	if !l.gate.Allow() {
		l.onBalance(l.store.Balance(), false)
		return
	}

	dto, err := l.backend.GetBalance(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		l.logger.Printf("[Loader] Balance fetch failed, deriving from store: %v", err)
		l.onBalance(l.store.Balance(), false)
		return
	}
	bal, err := dto.ToBalance()
	if err != nil {
		l.logger.Printf("[Loader] Balance response malformed, deriving from store: %v", err)
		l.onBalance(l.store.Balance(), false)
		return
	}
	l.onBalance(bal, true)
}
