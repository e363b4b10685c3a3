package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ingest"
)

// =============================================================================
// MATERIALIZER - Mapped rows -> double-entry transaction groups
// =============================================================================

// Materializer turns validated mapped rows into ledger entries.
//
// Rows are grouped by (date, action, account, asset). Settlement rows carry
// no action of their own and attach to the preceding action row's group when
// they sit within AdjacencyWindow source rows of it on the same account; a
// settlement row with no such neighbor becomes its own group.
//
// Each group produces exactly two entries: the account leg, and an opposite
// offset leg on a clearing account named after the action. The group's
// recorded csvAmount (sum of the rows' signed amounts) is compared against
// the constructed entry total; a deviation beyond Tolerance flags both
// entries rather than forcing them into balance.
type Materializer struct {
	Tolerance       decimal.Decimal
	AdjacencyWindow int
	Now             func() time.Time
}

func NewMaterializer() *Materializer {
	return &Materializer{
		Tolerance:       Tolerance,
		AdjacencyWindow: 3,
		Now:             time.Now,
	}
}

// Result is one materialization pass: the entries to append plus the group
// report used by run summaries and over-grouping diagnostics.
type Result struct {
	Entries []Entry
	Groups  []Group
}

// BrokenGroups returns the double-entry violations as errors, one per group.
func (r Result) BrokenGroups() []error {
	var out []error
	for _, g := range r.Groups {
		if g.Broken {
			out = append(out, &DoubleEntryError{Group: g.ID, EntrySum: g.EntrySum, CSVAmount: g.CSVAmount})
		}
	}
	return out
}

type groupBuilder struct {
	date      time.Time
	action    string
	accountID string
	assetID   string
	currency  string
	rows      []MappedRow
	lastRow   int
}

func (b *groupBuilder) accepts(r MappedRow, window int) bool {
	if r.AccountID != b.accountID {
		return false
	}
	if r.IsSettlement() {
		return r.Source.Number-b.lastRow <= window
	}
	return r.Date.Equal(b.date) && r.Action == b.action && r.AssetID == b.assetID
}

// Materialize groups the rows and constructs their entries. Rows must be in
// source order; output is deterministic for a given input and originRun.
func (m *Materializer) Materialize(rows []MappedRow, originRun string) Result {
	var builders []*groupBuilder
	var current *groupBuilder

	for _, r := range rows {
		if current != nil && current.accepts(r, m.AdjacencyWindow) {
			current.rows = append(current.rows, r)
			current.lastRow = r.Source.Number
			continue
		}
		action := r.Action
		if action == "" {
			action = "settlement"
		}
		current = &groupBuilder{
			date:      r.Date,
			action:    action,
			accountID: r.AccountID,
			assetID:   r.AssetID,
			currency:  r.Currency,
			rows:      []MappedRow{r},
			lastRow:   r.Source.Number,
		}
		builders = append(builders, current)
	}

	// A source row referenced by more than one group is an over-grouping
	// symptom. Flag, never resolve. Correction rows synthesized from fixes
	// carry no source ref and are exempt.
	seen := make(map[string]int)
	for _, b := range builders {
		for _, r := range b.rows {
			if r.Source != (ingest.RowRef{}) {
				seen[r.Source.String()]++
			}
		}
	}

	res := Result{}
	now := m.Now().UTC()
	for _, b := range builders {
		group, entries := m.build(b, originRun, now, seen)
		res.Groups = append(res.Groups, group)
		res.Entries = append(res.Entries, entries...)
	}
	return res
}

func (m *Materializer) build(b *groupBuilder, originRun string, now time.Time, seen map[string]int) (Group, []Entry) {
	csvAmount := decimal.Zero
	entrySum := decimal.Zero
	refs := make([]ingest.RowRef, 0, len(b.rows))
	duplicate := false
	for _, r := range b.rows {
		csvAmount = csvAmount.Add(r.Amount)
		entrySum = entrySum.Add(lineAmount(r))
		if r.Source == (ingest.RowRef{}) {
			continue
		}
		refs = append(refs, r.Source)
		if seen[r.Source.String()] > 1 {
			duplicate = true
		}
	}

	groupKey := fmt.Sprintf("%s:%s:%d:%s:%s:%s", originRun,
		b.rows[0].Source.RawFile, b.rows[0].Source.Number,
		b.date.Format("2006-01-02"), b.action, b.accountID)
	group := Group{
		ID:        "grp_" + shortHash(groupKey),
		Date:      b.date,
		Action:    b.action,
		AccountID: b.accountID,
		Rows:      refs,
		CSVAmount: csvAmount,
		EntrySum:  entrySum,
	}

	var discrepancy *decimal.Decimal
	if diff := entrySum.Sub(csvAmount); diff.Abs().GreaterThan(m.Tolerance) {
		group.Broken = true
		discrepancy = &diff
	}

	accountSide, offsetSide := Debit, Credit
	if entrySum.IsNegative() {
		accountSide, offsetSide = Credit, Debit
	}
	amount := entrySum.Abs()

	account := Entry{
		GroupID:           group.ID,
		Date:              b.date,
		AccountID:         b.accountID,
		AssetID:           b.assetID,
		Side:              accountSide,
		Amount:            amount,
		Currency:          b.currency,
		Type:              b.action,
		CSVAmount:         &csvAmount,
		AmountDiscrepancy: discrepancy,
		DuplicateSource:   duplicate,
		SourceRows:        refs,
		OriginRun:         originRun,
		RowOrder:          b.rows[0].Source.Number,
		IdempotencyKey:    groupKey + ":account",
		CreatedAt:         now,
	}
	account.ID = EntryID("ent_" + shortHash(account.IdempotencyKey))

	offset := account
	offset.AccountID = "clearing:" + b.action
	offset.AssetID = ""
	offset.Side = offsetSide
	offset.IdempotencyKey = groupKey + ":offset"
	offset.ID = EntryID("ent_" + shortHash(offset.IdempotencyKey))

	return group, []Entry{account, offset}
}

// lineAmount is a row's contribution to the constructed entry total. Trade
// rows with a unit price contribute quantity x price, which is what exposes
// reported amounts that don't match the traded value; all other rows
// contribute their reported amount as-is.
func lineAmount(r MappedRow) decimal.Decimal {
	if !r.Quantity.IsZero() && !r.Price.IsZero() {
		v := r.Quantity.Mul(r.Price).Abs()
		if r.Amount.IsNegative() {
			return v.Neg()
		}
		return v
	}
	return r.Amount
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
