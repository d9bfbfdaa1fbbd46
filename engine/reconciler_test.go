package engine

import (
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconciler_TicksWhileRunning(t *testing.T) {
	// GIVEN: A reconciler on a short interval
	// WHEN: Started, left running, then stopped
	// THEN: Ticks arrive while running and stop with it

	var ticks atomic.Int32
	r := newReconciler(10*time.Millisecond, func() { ticks.Add(1) }, log.Default())

	r.Start()
	assert.True(t, r.Running())

	waitFor(t, func() bool { return ticks.Load() >= 3 }, "ticks")

	r.Stop()
	assert.False(t, r.Running())

	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load(), "no ticks after stop")
}

func TestReconciler_StartStopIdempotent(t *testing.T) {
	var ticks atomic.Int32
	r := newReconciler(5*time.Millisecond, func() { ticks.Add(1) }, log.Default())

	r.Stop() // stopping an idle reconciler is a no-op

	r.Start()
	r.Start() // second start must not spawn a second loop
	waitFor(t, func() bool { return ticks.Load() >= 2 }, "ticks")

	r.Stop()
	r.Stop()
	assert.False(t, r.Running())
}

func TestReconciler_Restartable(t *testing.T) {
	var ticks atomic.Int32
	r := newReconciler(5*time.Millisecond, func() { ticks.Add(1) }, log.Default())

	r.Start()
	waitFor(t, func() bool { return ticks.Load() >= 1 }, "first run")
	r.Stop()

	before := ticks.Load()
	r.Start()
	waitFor(t, func() bool { return ticks.Load() > before }, "second run")
	r.Stop()
}
