/*
reconciler.go - Polling fallback while the push channel is down

PURPOSE:
  Runs a fixed-interval timer that triggers a snapshot + aggregate reload
  through the shared gate, but only while the push channel is not OPEN.
  The engine starts it on disconnect and stops it on connect; deactivation
  stops it for good.

DESIGN:
  - Background goroutine with a ticker, stopped via channel + WaitGroup
  - Each tick defers the gate decision to the refresh functions, so a tick
    that lands inside the cooldown is simply skipped
*/
package engine

import (
	"log"
	"sync"
	"time"
)

// Reconciler backstops gaps in push delivery with periodic polling.
type Reconciler struct {
	interval time.Duration
	tick     func()
	logger   *log.Logger

	mu      sync.Mutex
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func newReconciler(interval time.Duration, tick func(), logger *log.Logger) *Reconciler {
	return &Reconciler{interval: interval, tick: tick, logger: logger}
}

// Start begins polling. No-op when already running.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.ticker = time.NewTicker(r.interval)
	r.stop = make(chan struct{})
	r.wg.Add(1)

	go r.run(r.ticker, r.stop)

	r.logger.Printf("[Reconciler] Started with interval %s", r.interval)
}

// Stop halts polling and waits for the loop to exit. No-op when idle.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.ticker.Stop()
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Printf("[Reconciler] Stopped")
}

// Running reports whether the poll loop is active.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ticker *time.Ticker, stop chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-stop:
			return
		}
	}
}
