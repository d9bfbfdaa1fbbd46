/*
store.go - SQLite persistence for the simulated backend

PURPOSE:
  Persists stream definitions and the withdrawal journal for the simulator.
  Streams are stored as static facts (rate, total, parties, quota counters);
  accrual is always recomputed at read time, so a restarted simulator picks
  up exactly where the wall clock says it should be.

KEY TABLES:
  streams:      One row per payment stream
  withdrawals:  Journal of executed withdrawals, idempotency-keyed

IDEMPOTENCY:
  The withdrawals table carries a UNIQUE idempotency key. A replayed
  withdrawal request returns the original journal row instead of moving
  funds twice.

WAL MODE:
  SQLite is opened with WAL so the push feed can read while a withdrawal
  writes.

SEE ALSO:
  - server.go: HTTP surface on top of this store
  - feed.go: Push feed reading streams for periodic updates
*/
package sim

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/stream-engine/stream"
)

// Store persists simulator state in SQLite. Use ":memory:" for tests.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (and migrates) the simulator database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		on_chain_ref INTEGER,
		payer_id TEXT NOT NULL,
		payer_wallet TEXT NOT NULL,
		payer_name TEXT,
		recipient_id TEXT NOT NULL,
		recipient_wallet TEXT NOT NULL,
		recipient_name TEXT,
		token TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		rate_per_second TEXT NOT NULL,
		withdrawn TEXT NOT NULL DEFAULT '0',
		max_per_day INTEGER NOT NULL DEFAULT 5,
		used_today INTEGER NOT NULL DEFAULT 0,
		day_index INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_streams_recipient
		ON streams(recipient_wallet);
	CREATE INDEX IF NOT EXISTS idx_streams_status
		ON streams(status);

	-- Withdrawal journal. The idempotency key makes replays harmless.
	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL REFERENCES streams(id),
		amount TEXT NOT NULL,
		tx_hash TEXT,
		idempotency_key TEXT UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_stream
		ON withdrawals(stream_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all simulator data.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM withdrawals; DELETE FROM streams;`)
	return err
}

// SaveStream inserts or replaces a stream definition.
func (s *Store) SaveStream(ctx context.Context, r *stream.StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ref interface{}
	if r.OnChainRef != nil {
		ref = int64(*r.OnChainRef)
	}
	var end interface{}
	if r.EndTime != nil {
		end = *r.EndTime
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO streams (
			id, on_chain_ref,
			payer_id, payer_wallet, payer_name,
			recipient_id, recipient_wallet, recipient_name,
			token, total_amount, status, start_time, end_time,
			rate_per_second, withdrawn,
			max_per_day, used_today, day_index,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, ref,
		r.Payer.ID, r.Payer.WalletAddress, r.Payer.Name,
		r.Recipient.ID, r.Recipient.WalletAddress, r.Recipient.Name,
		r.Token, r.Total.String(), string(r.Status), r.StartTime, end,
		r.Calc.RatePerSecond.String(), r.Calc.WithdrawnAmount.String(),
		r.Limits.MaxPerDay, r.Limits.UsedToday, r.Limits.DayIndex,
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// ListStreams returns every stored stream with its accrual recomputed as of
// now.
func (s *Store) ListStreams(ctx context.Context, now time.Time) ([]*stream.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, on_chain_ref,
		       payer_id, payer_wallet, payer_name,
		       recipient_id, recipient_wallet, recipient_name,
		       token, total_amount, status, start_time, end_time,
		       rate_per_second, withdrawn,
		       max_per_day, used_today, day_index,
		       created_at, updated_at
		FROM streams ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*stream.StreamRecord
	for rows.Next() {
		r, err := scanStream(rows, now)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetStream returns one stream, recomputed as of now, or nil when absent.
func (s *Store) GetStream(ctx context.Context, id string, now time.Time) (*stream.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, on_chain_ref,
		       payer_id, payer_wallet, payer_name,
		       recipient_id, recipient_wallet, recipient_name,
		       token, total_amount, status, start_time, end_time,
		       rate_per_second, withdrawn,
		       max_per_day, used_today, day_index,
		       created_at, updated_at
		FROM streams WHERE id = ?`, id)

	r, err := scanStream(row, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStream(row rowScanner, now time.Time) (*stream.StreamRecord, error) {
	var (
		r                        stream.StreamRecord
		ref                      sql.NullInt64
		end                      sql.NullInt64
		total, rate, withdrawn   string
		status                   string
	)
	err := row.Scan(
		&r.ID, &ref,
		&r.Payer.ID, &r.Payer.WalletAddress, &r.Payer.Name,
		&r.Recipient.ID, &r.Recipient.WalletAddress, &r.Recipient.Name,
		&r.Token, &total, &status, &r.StartTime, &end,
		&rate, &withdrawn,
		&r.Limits.MaxPerDay, &r.Limits.UsedToday, &r.Limits.DayIndex,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ref.Valid {
		v := uint64(ref.Int64)
		r.OnChainRef = &v
	}
	if end.Valid {
		v := end.Int64
		r.EndTime = &v
	}
	r.Status = stream.Status(status)
	if r.Total, err = stream.ParseAmount(total); err != nil {
		return nil, fmt.Errorf("stream %s: total: %w", r.ID, err)
	}
	if r.Calc.RatePerSecond, err = stream.ParseAmount(rate); err != nil {
		return nil, fmt.Errorf("stream %s: rate: %w", r.ID, err)
	}
	if r.Calc.WithdrawnAmount, err = stream.ParseAmount(withdrawn); err != nil {
		return nil, fmt.Errorf("stream %s: withdrawn: %w", r.ID, err)
	}

	// Only the counters are persisted; the derived quota fields come back
	// through Normalize.
	r.Limits = r.Limits.RollDay(now).Normalize()
	r.Calc = stream.ComputeCalc(&r, now)

	// An active stream past its end has finished streaming.
	if r.Status == stream.StatusActive && r.EndTime != nil && now.Unix() >= *r.EndTime {
		r.Status = stream.StatusCompleted
		r.Calc.IsActive = false
	}
	return &r, nil
}

// WithdrawalRecord is one row of the withdrawal journal.
type WithdrawalRecord struct {
	ID       string
	StreamID string
	Amount   string
	TxHash   string
}

// FindWithdrawal returns the journal row recorded under an idempotency key,
// or nil when the key has never been seen.
func (s *Store) FindWithdrawal(ctx context.Context, idemKey string) (*WithdrawalRecord, error) {
	if idemKey == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec WithdrawalRecord
	var txHash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, amount, tx_hash
		FROM withdrawals WHERE idempotency_key = ?`, idemKey).
		Scan(&rec.ID, &rec.StreamID, &rec.Amount, &txHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.TxHash = txHash.String
	return &rec, nil
}

// RecordWithdrawal moves the claimable amount into withdrawn and journals
// the movement. A replayed idempotency key returns the original journal id
// without moving funds again.
func (s *Store) RecordWithdrawal(ctx context.Context, streamID, amount, txHash, idemKey string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idemKey != "" {
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM withdrawals WHERE idempotency_key = ?`, idemKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var withdrawn string
	var usedToday int
	var dayIndex int64
	err = tx.QueryRowContext(ctx,
		`SELECT withdrawn, used_today, day_index FROM streams WHERE id = ?`, streamID).
		Scan(&withdrawn, &usedToday, &dayIndex)
	if err == sql.ErrNoRows {
		return "", stream.ErrStreamNotFound
	}
	if err != nil {
		return "", err
	}

	prev, err := stream.ParseAmount(withdrawn)
	if err != nil {
		return "", fmt.Errorf("stream %s: withdrawn: %w", streamID, err)
	}
	amt, err := stream.ParseAmount(amount)
	if err != nil {
		return "", fmt.Errorf("withdrawal amount: %w", err)
	}

	// Quota counters reset when the UTC day rolls over.
	today := stream.DayIndexAt(now)
	if dayIndex != today {
		dayIndex = today
		usedToday = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE streams
		SET withdrawn = ?, used_today = ?, day_index = ?, updated_at = ?
		WHERE id = ?`,
		prev.Add(amt).String(), usedToday+1, dayIndex, now.Unix(), streamID)
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("wd-%d", now.UnixNano())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawals (id, stream_id, amount, tx_hash, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)`,
		id, streamID, amt.String(), txHash, idemKey, now.Unix())
	if err != nil {
		return "", err
	}

	return id, tx.Commit()
}

// CountStreams returns the size of the on-chain id space: one past the
// highest assigned reference. A per-id scan over [0, count) then reaches
// every stored stream even when references are sparse.
func (s *Store) CountStreams(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(on_chain_ref), -1) + 1 FROM streams`).Scan(&n)
	return uint64(n), err
}

// GetStreamByRef returns the stream with the given on-chain reference, or
// nil when absent.
func (s *Store) GetStreamByRef(ctx context.Context, ref uint64, now time.Time) (*stream.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, on_chain_ref,
		       payer_id, payer_wallet, payer_name,
		       recipient_id, recipient_wallet, recipient_name,
		       token, total_amount, status, start_time, end_time,
		       rate_per_second, withdrawn,
		       max_per_day, used_today, day_index,
		       created_at, updated_at
		FROM streams WHERE on_chain_ref = ?`, int64(ref))

	r, err := scanStream(row, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}
