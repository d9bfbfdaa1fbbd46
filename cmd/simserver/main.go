/*
main.go - Simulated backend entry point

PURPOSE:
  Runs the stream simulator: REST API, push feed, and the chain gateway
  surface, all in one process backed by SQLite.

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: simserver.db, ":memory:" works)
  -seed           Replace database contents with the demo streams
  -token          Fixed bearer token (default: generated, printed at startup)
  -refresh-token  Fixed refresh token (default: generated, printed at startup)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the push feed closes every subscriber with a normal
  closure, the HTTP server drains (30s timeout), and the database closes.

EXAMPLES:
  # Fresh demo data, in-memory
  ./simserver -db=":memory:" -seed

  # Persistent, fixed credentials for scripting
  ./simserver -db=./sim.db -token=dev -refresh-token=dev-refresh

SEE ALSO:
  - sim/server.go: Router and handlers
  - cmd/streamwatch/main.go: The client side
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/stream-engine/sim"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "simserver.db", "SQLite database path")
	seed := flag.Bool("seed", false, "replace database contents with demo streams")
	token := flag.String("token", "", "fixed bearer token (default: generated)")
	refreshToken := flag.String("refresh-token", "", "fixed refresh token (default: generated)")
	flag.Parse()

	store, err := sim.NewStore(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	if *seed {
		if err := sim.Seed(context.Background(), store, time.Now()); err != nil {
			log.Fatalf("Failed to seed database: %v", err)
		}
		log.Printf("Seeded demo streams for %s", sim.DemoWallet)
	}

	server := sim.NewServer(store, log.Default())
	server.SetCredentials(*token, *refreshToken)
	server.Feed.Run()

	tok, ref := server.Credentials()
	log.Printf("Bearer token:  %s", tok)
	log.Printf("Refresh token: %s", ref)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Simulator listening on http://localhost:%d", *port)
		log.Printf("API at /api, chain gateway at /ledger, push at /api/ws")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	server.Feed.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server stopped")
}
