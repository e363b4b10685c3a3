/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically sweeps every ledger account and runs a reconciliation
  session on the ones whose checkpoints disagree with the replayed
  balance.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Detects discrepancies per account before starting a session, so
    clean accounts cost one detector pass and zero assistant calls
  - Skips accounts that already have an active session

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(entries, detector, reconciler, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual reconciliation)
  - reconcile/session.go: session orchestrator
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

// ReconciliationScheduler handles automated reconciliation sweeps.
type ReconciliationScheduler struct {
	Entries       ledger.Store
	Detector      *reconcile.Detector
	Reconciler    *reconcile.Orchestrator
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
	log    zerolog.Logger
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(entries ledger.Store, detector *reconcile.Detector, reconciler *reconcile.Orchestrator, log zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Entries:       entries,
		Detector:      detector,
		Reconciler:    reconciler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("scheduler disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("scheduler started")
}

// Stop stops the scheduler.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.log.Info().Msg("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess()

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess()
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) checkAndProcess() {
	ctx := context.Background()

	accounts, err := rs.Entries.Accounts(ctx)
	if err != nil {
		rs.log.Error().Err(err).Msg("listing accounts")
		return
	}

	processedCount := 0
	skippedCount := 0

	for _, accountID := range accounts {
		discrepancies, err := rs.Detector.Detect(ctx, accountID)
		if err != nil {
			rs.log.Error().Str("account", accountID).Err(err).Msg("detection failed")
			continue
		}
		if len(discrepancies) == 0 {
			skippedCount++
			continue
		}

		session, err := rs.Reconciler.Reconcile(ctx, accountID)
		if err != nil {
			if errors.Is(err, reconcile.ErrSessionInProgress) {
				skippedCount++
				continue
			}
			rs.log.Error().Str("account", accountID).Err(err).Msg("reconciliation failed")
			continue
		}
		processedCount++
		rs.log.Info().Str("account", accountID).Str("session", session.ID).
			Str("status", string(session.Status)).Int("remaining", len(session.Remaining)).
			Msg("account reconciled")
	}

	if processedCount > 0 || skippedCount > 0 {
		rs.log.Info().Int("processed", processedCount).Int("skipped", skippedCount).Msg("sweep complete")
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (rs *ReconciliationScheduler) RunNow() {
	rs.checkAndProcess()
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
