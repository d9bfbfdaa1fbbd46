package engine

import (
	"sync"
	"time"
)

// =============================================================================
// REFRESH GATE - One outbound refresh per cooldown window
// =============================================================================

// RefreshGate is the advisory rate limiter shared by every refresh trigger
// (activation, reconnect, push message, reconcile tick). It prevents request
// storms when triggers overlap; it never blocks and has no error states.
// Withdrawal calls are user actions and do not consult it.
type RefreshGate struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     time.Time
	now      func() time.Time
}

func NewRefreshGate(cooldown time.Duration) *RefreshGate {
	return &RefreshGate{cooldown: cooldown, now: time.Now}
}

// SetClock overrides the gate's time source. Test hook.
func (g *RefreshGate) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// CanProceed reports whether the cooldown since the last recorded call has
// elapsed. It does not record anything.
func (g *RefreshGate) CanProceed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Sub(g.last) >= g.cooldown
}

// MarkCalled records that an outbound call was made now.
func (g *RefreshGate) MarkCalled() {
	g.mu.Lock()
	g.last = g.now()
	g.mu.Unlock()
}

// Allow combines CanProceed and MarkCalled atomically: callers that will
// definitely fire on permission use this so two racing triggers cannot both
// pass the same window.
func (g *RefreshGate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.now().Sub(g.last) < g.cooldown {
		return false
	}
	g.last = g.now()
	return true
}

// Reset clears the gate so the next call proceeds immediately. Called on
// session activation.
func (g *RefreshGate) Reset() {
	g.mu.Lock()
	g.last = time.Time{}
	g.mu.Unlock()
}
