/*
store.go - In-memory stream record store

PURPOSE:
  The Store exclusively owns StreamRecord instances from session activation
  to teardown. All mutation goes through it, each method holds the lock for
  the whole mutation, so no two updates ever interleave mid-record.

ORDERING CONTRACT:
  PatchCalc drops any patch whose LastCalculated is older than or equal to
  the stored value's. Out-of-order push delivery therefore converges on the
  newest recalculation regardless of arrival order, and re-delivery is a
  no-op.

OPTIMISTIC UPDATES:
  ApplyOptimisticWithdrawal / RevertOptimisticWithdrawal bracket a
  withdrawal attempt. Apply moves the claimed amount into withdrawn, zeroes
  claimable, and burns one unit of today's quota; Revert undoes exactly
  that. Either way the next authoritative refresh (ReplaceAll) supersedes
  whatever the optimistic figures say.

SEE ALSO:
  - calc.go: Normalize, which every mutation funnels through
*/
package stream

import (
	"sort"
	"sync"
	"time"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]*StreamRecord
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*StreamRecord),
		now:     time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ReplaceAll atomically swaps the full record set. The new set is built
// before the lock is taken, so readers never observe a partially written
// snapshot.
func (s *Store) ReplaceAll(records []*StreamRecord) {
	next := make(map[string]*StreamRecord, len(records))
	for _, r := range records {
		c := r.Clone()
		c.Calc = Normalize(c.Calc, c.Total)
		next[c.ID] = c
	}

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
}

// PatchCalc merges an incremental calculation into the matching record.
// Returns false when the stream is unknown or the patch is not newer than
// what is stored (last-writer-wins by LastCalculated).
func (s *Store) PatchCalc(streamID string, calc Calculation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[streamID]
	if !ok {
		return false
	}
	if calc.LastCalculated <= r.Calc.LastCalculated {
		return false
	}

	// Fields the patch does not carry keep their stored values.
	if calc.RatePerSecond.IsZero() {
		calc.RatePerSecond = r.Calc.RatePerSecond
	}
	if calc.StartTime == 0 {
		calc.StartTime = r.Calc.StartTime
	}
	if calc.EndTime == nil {
		calc.EndTime = r.Calc.EndTime
	}
	calc.StreamID = streamID

	r.Calc = Normalize(calc, r.Total)
	r.UpdatedAt = s.now().Unix()
	return true
}

// ApplyOptimisticWithdrawal records a just-claimed amount before the
// authoritative refresh lands: withdrawn grows by the claim, claimable goes
// to zero, and one unit of today's quota is consumed.
func (s *Store) ApplyOptimisticWithdrawal(streamID string, amount Amount) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[streamID]
	if !ok {
		return false
	}
	now := s.now()

	r.Calc.WithdrawnAmount = r.Calc.WithdrawnAmount.Add(amount)
	r.Calc.LastCalculated = now.UnixMilli()
	r.Calc = Normalize(r.Calc, r.Total)
	r.Limits = r.Limits.Consume(now)
	r.UpdatedAt = now.Unix()
	return true
}

// RevertOptimisticWithdrawal undoes a previous optimistic apply when the
// attempt turned out not to have settled.
func (s *Store) RevertOptimisticWithdrawal(streamID string, amount Amount) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[streamID]
	if !ok {
		return false
	}
	now := s.now()

	r.Calc.WithdrawnAmount = r.Calc.WithdrawnAmount.Sub(amount)
	if r.Calc.WithdrawnAmount.IsNegative() {
		r.Calc.WithdrawnAmount = ZeroAmount()
	}
	r.Calc.LastCalculated = now.UnixMilli()
	r.Calc = Normalize(r.Calc, r.Total)
	r.Limits = r.Limits.Release()
	r.UpdatedAt = now.Unix()
	return true
}

// Get returns a copy of one record.
func (s *Store) Get(streamID string) (*StreamRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[streamID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns copies of all records, ordered by creation time then id for
// stable output.
func (s *Store) List() []*StreamRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*StreamRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear discards every record. Called on session teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[string]*StreamRecord)
	s.mu.Unlock()
}

// Balance recomputes the aggregate from the current records.
func (s *Store) Balance() UserBalance {
	return DeriveBalance(s.List())
}
