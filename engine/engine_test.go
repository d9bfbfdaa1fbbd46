package engine_test

import (
	"context"
	"log"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stream-engine/backend"
	"github.com/warp/stream-engine/engine"
	"github.com/warp/stream-engine/ledger"
	"github.com/warp/stream-engine/sim"
	"github.com/warp/stream-engine/stream"
)

// =============================================================================
// TEST SETUP - The engine against a real simulator instance
// =============================================================================

type harness struct {
	srv    *httptest.Server
	sim    *sim.Server
	engine *engine.Engine

	mu      sync.Mutex
	notices []engine.Notification
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := sim.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, sim.Seed(context.Background(), store, time.Now()))

	server := sim.NewServer(store, log.Default())
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	h := &harness{srv: srv, sim: server}

	token, refresh := server.Credentials()
	cfg := engine.DefaultConfig()
	cfg.APICooldown = 50 * time.Millisecond
	cfg.ReconcileInterval = 100 * time.Millisecond
	cfg.SettleRetryDelay = 100 * time.Millisecond

	h.engine = engine.New(cfg, engine.Deps{
		Backend: backend.NewClient(srv.URL+"/api", token, refresh),
		Ledger:  ledger.NewHTTPClient(srv.URL + "/ledger"),
		Notify: func(n engine.Notification) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.engine.Deactivate)
	return h
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.engine.Activate(engine.Session{WalletAddress: sim.DemoWallet})
	require.Eventually(t, func() bool {
		return len(h.engine.Streams()) == 4
	}, 5*time.Second, 20*time.Millisecond, "initial snapshot")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestEngine_ActivateLoadsAndConnects(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	streams := h.engine.Streams()
	byID := map[string]*stream.StreamRecord{}
	for _, r := range streams {
		byID[r.ID] = r
	}
	require.Contains(t, byID, "str-salary")
	assert.Equal(t, stream.StatusActive, byID["str-salary"].Status)
	assert.Equal(t, stream.StatusCompleted, byID["str-consulting"].Status)
	assert.False(t, byID["str-salary"].Calc.ClaimableAmount.IsZero())

	require.Eventually(t, h.engine.ConnectedToPush, 5*time.Second, 20*time.Millisecond, "push channel")

	bal := h.engine.Balance()
	require.NotEmpty(t, bal.Balances)
	assert.Equal(t, 2, bal.ActiveStreams)
	assert.NoError(t, h.engine.Err())
}

func TestEngine_DeactivateDiscardsState(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	require.Eventually(t, h.engine.ConnectedToPush, 5*time.Second, 20*time.Millisecond)

	h.engine.Deactivate()

	assert.Empty(t, h.engine.Streams())
	assert.False(t, h.engine.ConnectedToPush())
	assert.False(t, h.engine.Active())
	assert.NoError(t, h.engine.Err())

	err := h.engine.Withdraw(context.Background(), "str-salary")
	assert.ErrorIs(t, err, stream.ErrSessionInactive)
}

func TestEngine_ReactivateAfterDeactivate(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.engine.Deactivate()

	h.activate(t)
	assert.Len(t, h.engine.Streams(), 4)
}

// =============================================================================
// PUSH UPDATES AND POLLING HAND-OFF
// =============================================================================

func TestEngine_PushUpdatesPatchStore(t *testing.T) {
	h := newHarness(t)
	h.sim.Feed.Interval = 30 * time.Millisecond
	h.sim.Feed.Run()
	defer h.sim.Feed.Stop()

	h.activate(t)
	require.Eventually(t, h.engine.ConnectedToPush, 5*time.Second, 20*time.Millisecond)

	before, ok := h.engine.Stream("str-salary")
	require.True(t, ok)

	// The feed recomputes accrual every tick, so the streamed figure grows.
	require.Eventually(t, func() bool {
		after, ok := h.engine.Stream("str-salary")
		return ok && after.Calc.LastCalculated > before.Calc.LastCalculated
	}, 5*time.Second, 20*time.Millisecond, "pushed recalculation")
}

func TestEngine_NotificationsForwarded(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	require.Eventually(t, h.engine.ConnectedToPush, 5*time.Second, 20*time.Millisecond)

	h.sim.Feed.PushNotification(sim.Notification{
		Type: "STREAM_COMPLETED", StreamID: "str-grant", Message: "done",
	})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.notices) > 0
	}, 5*time.Second, 20*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "STREAM_COMPLETED", h.notices[0].Type)
}

// =============================================================================
// WITHDRAWALS END TO END
// =============================================================================

func TestEngine_WithdrawSettlesAndReconciles(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.engine.Withdraw(ctx, "str-salary"))
	assert.NoError(t, h.engine.Err())

	// Optimistic figures land immediately. An authoritative refresh may have
	// raced in, but either way the claim is gone and withdrawn is recorded.
	got, ok := h.engine.Stream("str-salary")
	require.True(t, ok)
	assert.True(t, got.Calc.ClaimableAmount.LessThan(stream.MustParseAmount("1")))
	assert.False(t, got.Calc.WithdrawnAmount.IsZero())

	// The authoritative refresh confirms the withdrawal server-side.
	require.Eventually(t, func() bool {
		after, ok := h.engine.Stream("str-salary")
		return ok && after.Limits.UsedToday == 1
	}, 5*time.Second, 20*time.Millisecond, "server-confirmed quota")
}

func TestEngine_WithdrawValidationSurfacesAsErr(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	ctx := context.Background()
	err := h.engine.Withdraw(ctx, "str-retainer") // seeded as PAUSED
	assert.ErrorIs(t, err, stream.ErrStreamInactive)
	assert.ErrorIs(t, h.engine.Err(), stream.ErrStreamInactive)

	// A later success clears the retained error.
	require.NoError(t, h.engine.Withdraw(ctx, "str-salary"))
	assert.NoError(t, h.engine.Err())
}

// =============================================================================
// AUTH REFRESH UNDER THE ENGINE
// =============================================================================

func TestEngine_SurvivesTokenExpiry(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.sim.ExpireToken()

	// The next refresh 401s, the client refreshes, and data keeps flowing.
	h.engine.RefreshStreams()
	require.Eventually(t, func() bool {
		return len(h.engine.Streams()) == 4 && h.engine.Err() == nil
	}, 5*time.Second, 20*time.Millisecond, "recovered after refresh")
}
