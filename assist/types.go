/*
Package assist is the boundary to the AI investigation assistant.

PURPOSE:
  When reconciliation finds a balance discrepancy it cannot explain
  mechanically, it hands the assistant a bounded evidence bundle and gets
  back a structured Investigation: a hypothesis, analysis, and zero to
  three proposed fixes, each with a confidence score and a predicted
  impact.

TRUST MODEL:
  Assistant output is UNTRUSTED INPUT. Everything that comes back is
  schema-validated here before reconciliation is allowed to see it, and
  reconciliation re-validates fixes against the live ledger before any
  entry is written. The assistant proposes; the engine disposes.

  A failed or timed-out investigation is an outcome to record, never a
  reason to crash a reconciliation session.

SEE ALSO:
  - validate.go: structural validation of assistant output
  - gemini.go:   the Gemini-backed Investigator
*/
package assist

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// REQUEST - What the assistant is shown
// =============================================================================

// Request describes one discrepancy plus its evidence window.
type Request struct {
	AccountID      string
	CheckpointDate time.Time
	Currency       string

	Expected   decimal.Decimal // reported balance at the checkpoint
	Calculated decimal.Decimal // replayed ledger balance
	Delta      decimal.Decimal // expected - calculated

	Severity  ledger.Severity
	Iteration int // 1-based reconciliation iteration

	Evidence Evidence
}

// Evidence is the bounded context bundle: entries and reported balances
// within the window around the checkpoint, plus the raw source rows they
// came from. Nothing outside this bundle is shown to the assistant.
type Evidence struct {
	Entries     []ledger.Entry
	Checkpoints []CheckpointInfo
	SourceRows  []SourceRowInfo
}

// CheckpointInfo is a nearby reported balance.
type CheckpointInfo struct {
	Date    time.Time
	Balance decimal.Decimal
	Row     ingest.RowRef
}

// SourceRowInfo is a raw source row as extracted, before any transform.
type SourceRowInfo struct {
	Ref    ingest.RowRef
	Fields map[string]string
}

// =============================================================================
// INVESTIGATION - What the assistant returns
// =============================================================================

// FixEntry is one correcting ledger line a fix wants to create.
type FixEntry struct {
	Date      time.Time
	AccountID string
	AssetID   string
	Action    string          // transaction type, e.g. "fee", "dividend"
	Amount    decimal.Decimal // signed; positive increases the account balance
	Currency  string
	Memo      string
}

// PredictedImpact is the fix's own claim about what applying it would do.
// The applicator checks this claim against the live ledger; a contradiction
// rejects the fix.
type PredictedImpact struct {
	BalanceChange       decimal.Decimal
	TransactionsCreated int
	CheckpointsResolved []time.Time
	Warnings            []string
}

// ProposedFix is one candidate correction.
type ProposedFix struct {
	Description string
	Confidence  float64 // [0, 1]
	Assumptions []string
	Entries     []FixEntry
	Impact      PredictedImpact
}

// Investigation is the assistant's full answer for one discrepancy.
type Investigation struct {
	ID             string
	AccountID      string
	CheckpointDate time.Time

	Hypothesis       string
	EvidenceAnalysis string
	ProposedFixes    []ProposedFix // at most three
	Uncertainties    []string

	Failed        bool
	FailureReason string

	ReceivedAt time.Time
}

// BestFix returns the highest-confidence proposed fix, or nil.
func (inv *Investigation) BestFix() *ProposedFix {
	var best *ProposedFix
	for i := range inv.ProposedFixes {
		if best == nil || inv.ProposedFixes[i].Confidence > best.Confidence {
			best = &inv.ProposedFixes[i]
		}
	}
	return best
}

// =============================================================================
// INVESTIGATOR
// =============================================================================

// Investigator produces an investigation for a discrepancy. Implementations
// must honor ctx cancellation; the caller bounds each call with a timeout.
type Investigator interface {
	Investigate(ctx context.Context, req Request) (*Investigation, error)
}

// ErrUnavailable is returned by the Disabled investigator.
var ErrUnavailable = errors.New("assistant not configured")

// Disabled is the Investigator for deployments without assistant
// credentials. Every investigation fails, which the session loop records
// and routes to manual review.
type Disabled struct{}

func (Disabled) Investigate(context.Context, Request) (*Investigation, error) {
	return nil, ErrUnavailable
}
