/*
Package ledger is the append-only canonical record of the system.

PURPOSE:
  Validated mapped rows become immutable LedgerEntry records, grouped into
  double-entry transactions, each entry linked back to the source rows it
  came from. Balances are always computed by replaying entries - there is
  no separate balance field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete. Corrections are new entries.
  2. PROVENANCE: every entry resolves to at least one existing source row;
     a missing or corrupted raw file is a ProvenanceIntegrityError, never a
     silent null.
  3. DOUBLE-ENTRY: a transaction group whose entry total deviates from its
     recorded csvAmount beyond $0.01 is flagged CRITICAL, never silently
     forced into balance.
  4. IDEMPOTENT: entries carry idempotency keys so a resumed commit run
     cannot materialize the same group twice.

SEE ALSO:
  - materialize.go: row grouping and entry construction
  - ledger.go:      Ledger (Store wrapper with idempotency + provenance)
  - store/:         in-memory Store; store/sqlite for persistence
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ingest"
)

// Tolerance is the double-entry and reconciliation tolerance: mismatches of
// at most one cent are treated as balanced.
var Tolerance = decimal.RequireFromString("0.01")

// =============================================================================
// MAPPED ROW - The validated output of parse execution
// =============================================================================

// MappedRow is one source row after transform and validation, in canonical
// field form. It is the materializer's input and the checkpoint builder's
// input; it is never persisted itself.
type MappedRow struct {
	Source ingest.RowRef

	Date      time.Time // date precision
	Action    string    // originating action (buy, sell, dividend, fee, ...); "" for settlement rows
	AccountID string
	AssetID   string
	Currency  string

	Quantity decimal.Decimal
	Price    decimal.Decimal // optional unit price; zero when the export has none
	Amount   decimal.Decimal // signed cash amount as reported

	// Balance is the reported running balance, when the row carries one.
	// Settlement legs usually do, intra-day trade legs usually don't.
	Balance *decimal.Decimal
}

// IsSettlement reports whether this row is a settlement leg: zero quantity
// and a blank action, to be associated with a preceding action row.
func (r MappedRow) IsSettlement() bool {
	return r.Action == "" && r.Quantity.IsZero()
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryID string

type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// Entry is one immutable ledger line.
type Entry struct {
	ID      EntryID
	GroupID string // double-entry transaction group

	Date      time.Time
	AccountID string
	AssetID   string
	Side      Side
	Amount    decimal.Decimal // always positive; Side carries the direction
	Currency  string
	Type      string // transaction type: the group's action, or "correction"

	// CSVAmount is the group's recorded amount from the source data, kept
	// for comparison against the constructed entry total. Deviations beyond
	// Tolerance set AmountDiscrepancy; they never auto-correct the entry.
	CSVAmount         *decimal.Decimal
	AmountDiscrepancy *decimal.Decimal // entrySum - csvAmount, when beyond Tolerance

	// DuplicateSource marks entries whose source rows are also referenced
	// by another group: a possible over-grouping error, surfaced but not
	// auto-resolved.
	DuplicateSource bool

	SourceRows []ingest.RowRef
	OriginRun  string

	// RowOrder is the lowest source row number, used to order same-date
	// entries deterministically.
	RowOrder int

	IdempotencyKey string
	CreatedAt      time.Time
}

// Signed returns the entry amount with its direction applied: debits
// increase an asset account's balance, credits decrease it.
func (e Entry) Signed() decimal.Decimal {
	if e.Side == Credit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// =============================================================================
// TRANSACTION GROUP - Materialization report unit
// =============================================================================

// Group describes one materialized double-entry transaction, for run
// reports and over-grouping diagnostics.
type Group struct {
	ID        string
	Date      time.Time
	Action    string
	AccountID string
	Rows      []ingest.RowRef

	CSVAmount decimal.Decimal // sum of the rows' signed amounts
	EntrySum  decimal.Decimal // total of the constructed account-side lines

	// Broken is set when |EntrySum - CSVAmount| exceeds Tolerance. Such a
	// group is a double-entry violation and an over-grouping candidate.
	Broken bool
}
