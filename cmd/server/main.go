/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and parse command-line flags
  2. Initialize SQLite store and blob storage
  3. Wire the parse engine and reconciliation loop
  4. Configure HTTP router and scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port                HTTP server port (default: 8080)
  -db                  SQLite database path (default: ledger.db)
                       Use ":memory:" for in-memory database
  -gcs-bucket          GCS bucket for raw files (default: in-memory)
  -scheduler           Enable the reconciliation scheduler (default: true)
  -scheduler-interval  Sweep interval (default: 1h)
  -max-iterations      Reconciliation iterations per session (default: 3)
  -assist-timeout      Per-investigation assistant timeout (default: 10s)

ENVIRONMENT:
  GEMINI_API_KEY  Assistant credentials. Without it the server still runs;
                  investigations are recorded as failed and discrepancies
                  surface for manual review.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run with in-memory database and no scheduler
  ./server -db=":memory:" -scheduler=false

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/assist"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ingest/blob"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logger"
	"github.com/warp/ledger-engine/reconcile"
	"github.com/warp/ledger-engine/store/sqlite"
)

func main() {
	_ = godotenv.Load()

	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	gcsBucket := flag.String("gcs-bucket", "", "GCS bucket for raw files (empty = in-memory)")
	schedulerEnabled := flag.Bool("scheduler", true, "enable the reconciliation scheduler")
	schedulerInterval := flag.Duration("scheduler-interval", time.Hour, "reconciliation sweep interval")
	maxIterations := flag.Int("max-iterations", reconcile.MaxIterations, "reconciliation iterations per session")
	assistTimeout := flag.Duration("assist-timeout", assist.DefaultTimeout, "per-investigation assistant timeout")
	flag.Parse()

	log := logger.New()
	ctx := context.Background()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	blobs, err := newBlobStore(ctx, *gcsBucket)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	ldgr := ledger.New(store.Ledger(), blobs, log)
	eng := engine.NewOrchestrator(blobs, store.Plans(), ldgr, engine.NewGval(), store.Runs(), log)

	investigator := newInvestigator(ctx, *assistTimeout, log)
	detector := reconcile.NewDetector(store.Ledger(), store.Checkpoints())
	applicator := reconcile.NewApplicator(ldgr, detector, store.Audit(), log)
	reconciler := reconcile.NewOrchestrator(detector, investigator, applicator, store.Audit(), store.Sessions(), nil, log)
	reconciler.MaxIterations = *maxIterations

	handler := &api.Handler{
		Plans:       store.Plans(),
		Blobs:       blobs,
		Engine:      eng,
		Runs:        store.Runs(),
		Ledger:      ldgr,
		Checkpoints: store.Checkpoints(),
		Detector:    detector,
		Reconciler:  reconciler,
		Applicator:  applicator,
		Sessions:    store.Sessions(),
		Trail:       store.Audit(),
		Log:         log,
	}

	scheduler := api.NewReconciliationScheduler(store.Ledger(), detector, reconciler, log)
	scheduler.Enabled = *schedulerEnabled
	scheduler.CheckInterval = *schedulerInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// newBlobStore picks GCS when a bucket is configured, otherwise the
// in-memory store suitable for development.
func newBlobStore(ctx context.Context, bucket string) (blob.Store, error) {
	if bucket == "" {
		return blob.NewMemory(), nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return blob.NewGCS(client, bucket, "raw"), nil
}

// newInvestigator wires the Gemini assistant when credentials are present.
// Without them the engine still runs; investigations fail and discrepancies
// surface for manual review.
func newInvestigator(ctx context.Context, timeout time.Duration, log zerolog.Logger) assist.Investigator {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not set, assistant disabled")
		return assist.Disabled{}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		log.Warn().Err(err).Msg("assistant client failed to initialize, assistant disabled")
		return assist.Disabled{}
	}
	g := assist.NewGemini(client, log)
	g.Timeout = timeout
	return g
}
