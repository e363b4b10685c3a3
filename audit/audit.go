/*
Package audit is the append-only record of everything the reconciliation
loop did: every investigation received (applied or not, failed or not) and
every transaction delta that reached the ledger, with who approved it.

The trail is evidence, not state. Nothing reads it to make decisions; it
exists so a human can answer "why does this entry exist" months later.
*/
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/assist"
	"github.com/warp/ledger-engine/ledger"
)

type ApprovalSource string

const (
	// ApprovalAuto: confidence cleared the auto-apply threshold.
	ApprovalAuto ApprovalSource = "auto"

	// ApprovalManual: a human approved a staged fix.
	ApprovalManual ApprovalSource = "manual"
)

// InvestigationRecord is one assistant answer, kept verbatim.
type InvestigationRecord struct {
	SessionID  string
	AccountID  string
	Iteration  int
	Investigation assist.Investigation
	RecordedAt time.Time
}

// TransactionDelta is one applied fix: which investigation and fix it came
// from, how it was approved, and what it wrote.
type TransactionDelta struct {
	ID              string
	SessionID       string
	AccountID       string
	InvestigationID string
	FixIndex        int

	ApprovalSource ApprovalSource
	BalanceChange  decimal.Decimal
	EntryIDs       []ledger.EntryID

	// ResolvedCheckpoints are checkpoint dates that moved from mismatched
	// to matched because of this delta, measured against the live ledger,
	// not taken from the fix's own claim.
	ResolvedCheckpoints []time.Time

	AppliedAt time.Time
}

// =============================================================================
// TRAIL
// =============================================================================

var ErrDeltaNotFound = fmt.Errorf("transaction delta not found")

// Trail persists audit records. Append-only: no implementation exposes
// update or delete.
type Trail interface {
	RecordInvestigation(ctx context.Context, rec InvestigationRecord) error
	RecordDelta(ctx context.Context, delta TransactionDelta) error

	// Investigations returns a session's investigations in recorded order.
	Investigations(ctx context.Context, sessionID string) ([]InvestigationRecord, error)

	// Deltas returns an account's applied deltas in applied order.
	Deltas(ctx context.Context, accountID string) ([]TransactionDelta, error)
}

// =============================================================================
// MEMORY TRAIL - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu             sync.RWMutex
	investigations []InvestigationRecord
	deltas         []TransactionDelta
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) RecordInvestigation(_ context.Context, rec InvestigationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.investigations = append(m.investigations, rec)
	return nil
}

func (m *Memory) RecordDelta(_ context.Context, delta TransactionDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas = append(m.deltas, delta)
	return nil
}

func (m *Memory) Investigations(_ context.Context, sessionID string) ([]InvestigationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []InvestigationRecord
	for _, rec := range m.investigations {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) Deltas(_ context.Context, accountID string) ([]TransactionDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TransactionDelta
	for _, d := range m.deltas {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	return out, nil
}
