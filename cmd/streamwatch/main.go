/*
main.go - Terminal watcher for a user's payment streams

PURPOSE:
  Runs the synchronization engine against a backend (the simulator or a
  real deployment) and prints the converged view on an interval: streams,
  accrued balances, push channel state.

CONFIGURATION (environment, .env supported):
  STREAM_API_URL        Backend base URL       (default http://localhost:8080/api)
  STREAM_LEDGER_URL     Chain gateway base URL (default http://localhost:8080/ledger)
  STREAM_API_TOKEN      Bearer token           (required)
  STREAM_REFRESH_TOKEN  Refresh token          (optional)
  STREAM_WALLET         Wallet address         (default: the simulator's demo wallet)

COMMAND-LINE FLAGS:
  -interval   Display refresh period (default: 5s)
  -withdraw   Stream id to withdraw from once after the first load

EXAMPLES:
  STREAM_API_TOKEN=dev ./streamwatch
  STREAM_API_TOKEN=dev ./streamwatch -withdraw str-salary

SEE ALSO:
  - engine/engine.go: The synchronization engine this drives
  - cmd/simserver/main.go: A backend to point it at
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/warp/stream-engine/backend"
	"github.com/warp/stream-engine/engine"
	"github.com/warp/stream-engine/ledger"
	"github.com/warp/stream-engine/sim"
)

type config struct {
	APIURL       string `env:"STREAM_API_URL,default=http://localhost:8080/api"`
	LedgerURL    string `env:"STREAM_LEDGER_URL,default=http://localhost:8080/ledger"`
	Token        string `env:"STREAM_API_TOKEN,required"`
	RefreshToken string `env:"STREAM_REFRESH_TOKEN"`
	Wallet       string `env:"STREAM_WALLET"`
}

func main() {
	interval := flag.Duration("interval", 5*time.Second, "display refresh period")
	withdraw := flag.String("withdraw", "", "stream id to withdraw from once")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	godotenv.Load()

	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if cfg.Wallet == "" {
		cfg.Wallet = sim.DemoWallet
	}

	eng := engine.New(engine.DefaultConfig(), engine.Deps{
		Backend: backend.NewClient(cfg.APIURL, cfg.Token, cfg.RefreshToken),
		Ledger:  ledger.NewHTTPClient(cfg.LedgerURL),
		Notify: func(n engine.Notification) {
			log.Printf("🔔 %s: %s", n.Type, n.Message)
		},
	})

	eng.Activate(engine.Session{WalletAddress: cfg.Wallet})
	defer eng.Deactivate()

	if *withdraw != "" {
		go func() {
			// Give the initial snapshot a moment to land.
			time.Sleep(2 * time.Second)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := eng.Withdraw(ctx, *withdraw); err != nil {
				log.Printf("Withdrawal from %s failed: %v", *withdraw, err)
			} else {
				log.Printf("Withdrawal from %s settled", *withdraw)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			printView(eng)
		case <-quit:
			log.Println("Shutting down...")
			return
		}
	}
}

func printView(eng *engine.Engine) {
	link := "poll"
	if eng.ConnectedToPush() {
		link = "push"
	}
	loading := ""
	if eng.IsLoading() {
		loading = " (loading)"
	}

	streams := eng.Streams()
	fmt.Printf("\n=== %d streams [%s]%s ===\n", len(streams), link, loading)
	for _, r := range streams {
		fmt.Printf("  %-16s %-9s  streamed %s / %s  claimable %s  (%.1f%%)\n",
			r.ID, r.Status,
			r.Calc.TotalStreamed, r.Total, r.Calc.ClaimableAmount, r.Calc.Progress)
	}

	bal := eng.Balance()
	for _, tb := range bal.Balances {
		fmt.Printf("  token %s: earned %s, withdrawn %s, available %s\n",
			tb.Token, tb.TotalEarned, tb.TotalWithdrawn, tb.Available)
	}
	if err := eng.Err(); err != nil {
		fmt.Printf("  last error: %v\n", err)
	}
}
