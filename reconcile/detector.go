package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// DISCREPANCY DETECTION
// =============================================================================

// Discrepancy is one checkpoint the replayed ledger disagrees with.
type Discrepancy struct {
	AccountID  string
	Checkpoint Checkpoint

	Expected   decimal.Decimal // checkpoint balance (ground truth)
	Calculated decimal.Decimal // replayed ledger balance at the checkpoint
	Delta      decimal.Decimal // Expected - Calculated: what the ledger is missing

	Severity ledger.Severity

	// BrokenDoubleEntry is set when an entry at or before the checkpoint
	// carries an amount discrepancy flag. It forces CRITICAL.
	BrokenDoubleEntry bool
}

// Detector replays an account's entries against its checkpoints.
type Detector struct {
	Entries     ledger.Store
	Checkpoints CheckpointStore
	Tolerance   decimal.Decimal
}

func NewDetector(entries ledger.Store, checkpoints CheckpointStore) *Detector {
	return &Detector{Entries: entries, Checkpoints: checkpoints, Tolerance: ledger.Tolerance}
}

// Detect walks the account once: entries ordered by (date, row), checkpoints
// ordered the same way. Multiple checkpoints on one date collapse to the
// last by row number; the intra-day ones are unreliable ordering-wise.
func (d *Detector) Detect(ctx context.Context, accountID string) ([]Discrepancy, error) {
	entries, err := d.Entries.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cps, err := d.Checkpoints.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cps = lastPerDate(cps)

	var out []Discrepancy
	running := decimal.Zero
	broken := false
	i := 0
	for _, cp := range cps {
		for i < len(entries) && !entries[i].Date.After(cp.Date) {
			running = running.Add(entries[i].Signed())
			if entries[i].AmountDiscrepancy != nil {
				broken = true
			}
			i++
		}
		delta := cp.Balance.Sub(running)
		if delta.Abs().LessThanOrEqual(d.Tolerance) && !broken {
			continue
		}
		sev := ledger.ClassifySeverity(delta, broken)
		if sev == ledger.SeverityNone {
			continue
		}
		out = append(out, Discrepancy{
			AccountID:         accountID,
			Checkpoint:        cp,
			Expected:          cp.Balance,
			Calculated:        running,
			Delta:             delta,
			Severity:          sev,
			BrokenDoubleEntry: broken,
		})
	}
	return out, nil
}

// lastPerDate keeps, for each date, the checkpoint with the highest row
// number. Input is already (date, row) ordered.
func lastPerDate(cps []Checkpoint) []Checkpoint {
	var out []Checkpoint
	for _, cp := range cps {
		if n := len(out); n > 0 && sameDay(out[n-1].Date, cp.Date) {
			out[n-1] = cp
			continue
		}
		out = append(out, cp)
	}
	return out
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
