/*
Package reconcile finds balance discrepancies and drives them to zero.

PURPOSE:
  Institution exports carry reported running balances. Those become
  checkpoints: ground truth the replayed ledger balance is compared
  against. When the two disagree beyond tolerance, a reconciliation
  session investigates each discrepancy with the assistant, applies or
  stages the proposed fixes under confidence gates, and re-detects, up
  to a bounded number of iterations.

CRITICAL INVARIANTS:
  1. Checkpoints are ground truth. A fix changes the ledger, never the
     checkpoint.
  2. One active session per account. Concurrent requests fail fast with
     SessionInProgressError instead of queueing.
  3. Every fix application is preceded by a dry-run check against the
     fix's own predicted impact; a contradiction rejects the fix.
  4. Fixes enter the ledger through the same materialization path as
     imported rows, with idempotency keys. Nothing is ever edited.

SEE ALSO:
  - detector.go: running-balance comparison and severity banding
  - session.go:  the iterative session orchestrator
  - apply.go:    confidence gates, staging, dry-run, application
*/
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// CHECKPOINT - A reported balance, pinned to its source row
// =============================================================================

type Checkpoint struct {
	AccountID string
	Date      time.Time
	Row       ingest.RowRef
	Balance   decimal.Decimal
	Currency  string
}

// BuildCheckpoints collects the reported balances out of a commit run's
// mapped rows. Rows without a balance field contribute nothing.
func BuildCheckpoints(rows []ledger.MappedRow) []Checkpoint {
	var out []Checkpoint
	for _, r := range rows {
		if r.Balance == nil {
			continue
		}
		out = append(out, Checkpoint{
			AccountID: r.AccountID,
			Date:      r.Date,
			Row:       r.Source,
			Balance:   *r.Balance,
			Currency:  r.Currency,
		})
	}
	return out
}

// =============================================================================
// CHECKPOINT STORE
// =============================================================================

// CheckpointStore persists checkpoints. Like the ledger, append-only.
type CheckpointStore interface {
	Put(ctx context.Context, cps []Checkpoint) error

	// Account returns an account's checkpoints ordered by (date, row).
	Account(ctx context.Context, accountID string) ([]Checkpoint, error)
}

type MemoryCheckpoints struct {
	mu   sync.RWMutex
	all  []Checkpoint
	seen map[string]struct{}
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{seen: make(map[string]struct{})}
}

// Put skips checkpoints whose (account, source row) is already stored, so
// replaying an interrupted run registers each reported balance once.
func (m *MemoryCheckpoints) Put(_ context.Context, cps []Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range cps {
		key := fmt.Sprintf("%s|%s|%d", cp.AccountID, cp.Row.RawFile, cp.Row.Number)
		if _, ok := m.seen[key]; ok {
			continue
		}
		m.seen[key] = struct{}{}
		m.all = append(m.all, cp)
	}
	return nil
}

func (m *MemoryCheckpoints) Account(_ context.Context, accountID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Checkpoint
	for _, cp := range m.all {
		if cp.AccountID == accountID {
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Row.Number < out[j].Row.Number
	})
	return out, nil
}
