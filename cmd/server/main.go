/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server: SQLite ledger
  store, lifecycle engine, expiry sweeper, and HTTP gateway.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store and proof vault
  3. Wire engine, reporter, handler, router
  4. Start the expiry sweeper
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: settlement.db)
                  Use ":memory:" for an in-memory database
  -proof-dir      Directory for uploaded proof files
  -review-window  How long a CREATED order may wait for proof
  -sweep-interval How often the expiry sweep runs
  -admin-token    Bearer token granting administrator privilege
  -buyer-tokens   token=ownerID pairs for buyer access

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, close the database
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/sweeper.go: Expiry sweep
  - store/sqlite/sqlite.go: Database implementation
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
	"strings"
	"syscall"
	"time"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/entitlement"
	"github.com/warp/settlement-engine/order"
	"github.com/warp/settlement-engine/report"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "settlement.db", "SQLite database path")
	proofDir := flag.String("proof-dir", "./proofs", "Directory for uploaded proof files")
	reviewWindow := flag.Duration("review-window", order.DefaultReviewWindow, "How long a CREATED order may wait for proof")
	sweepInterval := flag.Duration("sweep-interval", time.Minute, "How often the expiry sweep runs")
	adminToken := flag.String("admin-token", "", "Bearer token granting administrator privilege")
	buyerTokens := flag.String("buyer-tokens", "", "Comma-separated token=ownerID pairs for buyer access")
	flag.Parse()

	if *adminToken == "" {
		log.Fatal("-admin-token is required")
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	vault, err := api.NewDirVault(*proofDir)
	if err != nil {
		log.Fatalf("Failed to initialize proof vault: %v", err)
	}

	engine := order.NewEngine(store, entitlement.NewCalculator()).
		WithReviewWindow(*reviewWindow)
	reporter := report.NewReporter(store)
	handler := api.NewHandler(engine, reporter, vault)

	tokens := map[string]api.Actor{
		*adminToken: {ID: "admin-root", Role: api.RoleAdmin},
	}
	for _, pair := range strings.Split(*buyerTokens, ",") {
		token, owner, ok := strings.Cut(pair, "=")
		if !ok || token == "" || owner == "" {
			continue
		}
		tokens[token] = api.Actor{ID: owner, Role: api.RoleBuyer}
	}
	auth := api.NewStaticAuthenticator(tokens)
	router := api.NewRouter(handler, auth)

	sweeper := api.NewExpirySweeper(engine, store)
	sweeper.CheckInterval = *sweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Settlement engine listening on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
