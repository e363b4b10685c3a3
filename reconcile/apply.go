package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/assist"
	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/ledger"
)

// Confidence gates. Application is governed by the 0.95/0.70 pair; 0.60 is
// the floor below which an investigation's best idea is not even worth
// staging and the discrepancy goes to manual review.
const (
	AutoApplyThreshold   = 0.95
	ManualStageThreshold = 0.70
	InvestigationFloor   = 0.60
)

// Outcome is what the applicator decided for one investigation.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeStaged       Outcome = "staged"
	OutcomeManualReview Outcome = "needs_manual_review"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "investigation_failed"
)

// StagedFix is a mid-confidence fix waiting for a human decision.
type StagedFix struct {
	ID        string
	SessionID string
	AccountID string

	InvestigationID string
	FixIndex        int
	Fix             assist.ProposedFix
	Discrepancy     Discrepancy

	StagedAt time.Time
}

// =============================================================================
// APPLICATOR
// =============================================================================

// Applicator turns accepted fixes into ledger entries. Fixes travel the
// same materialization path as imported rows and carry idempotency keys
// derived from (investigation, fix index), so approving twice writes once.
type Applicator struct {
	ldgr     *ledger.Ledger
	mat      *ledger.Materializer
	detector *Detector
	trail    audit.Trail
	log      zerolog.Logger

	mu     sync.Mutex
	staged map[string]StagedFix

	now func() time.Time
}

func NewApplicator(ldgr *ledger.Ledger, detector *Detector, trail audit.Trail, log zerolog.Logger) *Applicator {
	return &Applicator{
		ldgr:     ldgr,
		mat:      ledger.NewMaterializer(),
		detector: detector,
		trail:    trail,
		log:      log.With().Str("component", "applicator").Logger(),
		staged:   make(map[string]StagedFix),
		now:      time.Now,
	}
}

// Consider gates an investigation's best fix:
//
//	confidence >= 0.95        apply now
//	0.70 <= confidence < 0.95 stage for human approval
//	confidence < 0.70         never applied; below 0.60 the discrepancy is
//	                          marked for manual review outright
func (a *Applicator) Consider(ctx context.Context, sessionID string, d Discrepancy, inv *assist.Investigation) (Outcome, *audit.TransactionDelta, error) {
	if inv.Failed {
		return OutcomeFailed, nil, nil
	}
	best := inv.BestFix()
	if best == nil || best.Confidence < InvestigationFloor {
		return OutcomeManualReview, nil, nil
	}
	if best.Confidence < ManualStageThreshold {
		return OutcomeRejected, nil, nil
	}

	fixIndex := 0
	for i := range inv.ProposedFixes {
		if &inv.ProposedFixes[i] == best {
			fixIndex = i
		}
	}

	if best.Confidence >= AutoApplyThreshold {
		delta, err := a.apply(ctx, sessionID, d, inv.ID, fixIndex, *best, audit.ApprovalAuto)
		if err != nil {
			a.log.Warn().Str("investigation", inv.ID).Err(err).Msg("auto-apply rejected")
			return OutcomeRejected, nil, nil
		}
		return OutcomeApplied, delta, nil
	}

	a.stage(sessionID, d, inv.ID, fixIndex, *best)
	return OutcomeStaged, nil, nil
}

func (a *Applicator) stage(sessionID string, d Discrepancy, invID string, fixIndex int, fix assist.ProposedFix) StagedFix {
	a.mu.Lock()
	defer a.mu.Unlock()
	sf := StagedFix{
		ID:              "staged_" + uuid.NewString(),
		SessionID:       sessionID,
		AccountID:       d.AccountID,
		InvestigationID: invID,
		FixIndex:        fixIndex,
		Fix:             fix,
		Discrepancy:     d,
		StagedAt:        a.now().UTC(),
	}
	a.staged[sf.ID] = sf
	a.log.Info().Str("staged", sf.ID).Float64("confidence", fix.Confidence).Msg("fix staged for approval")
	return sf
}

// Staged lists pending fixes, optionally filtered by account.
func (a *Applicator) Staged(accountID string) []StagedFix {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []StagedFix
	for _, sf := range a.staged {
		if accountID == "" || sf.AccountID == accountID {
			out = append(out, sf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StagedAt.Before(out[j].StagedAt) })
	return out
}

// Approve applies a staged fix with manual provenance. The dry-run check
// runs again here: the ledger may have moved since staging.
func (a *Applicator) Approve(ctx context.Context, stagedID string) (*audit.TransactionDelta, error) {
	a.mu.Lock()
	sf, ok := a.staged[stagedID]
	if ok {
		delete(a.staged, stagedID)
	}
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStagedFixNotFound, stagedID)
	}
	return a.apply(ctx, sf.SessionID, sf.Discrepancy, sf.InvestigationID, sf.FixIndex, sf.Fix, audit.ApprovalManual)
}

// Reject discards a staged fix. The investigation stays on the audit trail.
func (a *Applicator) Reject(stagedID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.staged[stagedID]; !ok {
		return fmt.Errorf("%w: %s", ErrStagedFixNotFound, stagedID)
	}
	delete(a.staged, stagedID)
	return nil
}

// apply dry-runs the fix, materializes it, and records the delta.
func (a *Applicator) apply(ctx context.Context, sessionID string, d Discrepancy, invID string, fixIndex int, fix assist.ProposedFix, source audit.ApprovalSource) (*audit.TransactionDelta, error) {
	if err := a.dryRun(d, fix); err != nil {
		return nil, err
	}

	before, err := a.mismatchedDates(ctx, d.AccountID)
	if err != nil {
		return nil, err
	}

	rows := fixRows(fix)
	originRun := fmt.Sprintf("fix:%s:%d", invID, fixIndex)
	res := a.mat.Materialize(rows, originRun)
	appended, err := a.ldgr.AppendBatch(ctx, res.Entries)
	if err != nil {
		return nil, err
	}

	after, err := a.mismatchedDates(ctx, d.AccountID)
	if err != nil {
		return nil, err
	}

	delta := audit.TransactionDelta{
		ID:                  "delta_" + uuid.NewString(),
		SessionID:           sessionID,
		AccountID:           d.AccountID,
		InvestigationID:     invID,
		FixIndex:            fixIndex,
		ApprovalSource:      source,
		BalanceChange:       fix.Impact.BalanceChange,
		ResolvedCheckpoints: resolvedDates(before, after),
		AppliedAt:           a.now().UTC(),
	}
	for _, e := range appended {
		delta.EntryIDs = append(delta.EntryIDs, e.ID)
	}
	if err := a.trail.RecordDelta(ctx, delta); err != nil {
		return nil, err
	}
	a.log.Info().Str("delta", delta.ID).Str("source", string(source)).
		Int("entries", len(delta.EntryIDs)).Msg("fix applied")
	return &delta, nil
}

// dryRun checks the fix against the live discrepancy before anything is
// written. Two contradictions reject it: the entries' effect on the account
// at the checkpoint disagrees with the claimed balance change, or applying
// it would move the balance further from the checkpoint.
func (a *Applicator) dryRun(d Discrepancy, fix assist.ProposedFix) error {
	change := decimal.Zero
	for _, e := range fix.Entries {
		if e.AccountID != d.AccountID || e.Date.After(d.Checkpoint.Date) {
			continue
		}
		change = change.Add(e.Amount)
	}

	if change.Sub(fix.Impact.BalanceChange).Abs().GreaterThan(ledger.Tolerance) {
		return fmt.Errorf("%w: claimed change %s, entries change %s at checkpoint",
			ErrFixContradiction, fix.Impact.BalanceChange.StringFixed(2), change.StringFixed(2))
	}

	residual := d.Delta.Sub(change)
	if residual.Abs().GreaterThan(d.Delta.Abs()) {
		return fmt.Errorf("%w: delta %s would become %s",
			ErrFixContradiction, d.Delta.StringFixed(2), residual.StringFixed(2))
	}
	return nil
}

func (a *Applicator) mismatchedDates(ctx context.Context, accountID string) (map[string]struct{}, error) {
	disc, err := a.detector.Detect(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(disc))
	for _, d := range disc {
		out[d.Checkpoint.Date.Format("2006-01-02")] = struct{}{}
	}
	return out, nil
}

func resolvedDates(before, after map[string]struct{}) []time.Time {
	var out []time.Time
	for s := range before {
		if _, still := after[s]; still {
			continue
		}
		t, err := time.Parse("2006-01-02", s)
		if err == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// fixRows renders a fix's entries as mapped rows so they materialize like
// any imported transaction. Corrections carry no source rows of their own;
// the audit delta is their lineage.
func fixRows(fix assist.ProposedFix) []ledger.MappedRow {
	rows := make([]ledger.MappedRow, 0, len(fix.Entries))
	for _, e := range fix.Entries {
		rows = append(rows, ledger.MappedRow{
			Date:      e.Date,
			Action:    e.Action,
			AccountID: e.AccountID,
			AssetID:   e.AssetID,
			Currency:  e.Currency,
			Amount:    e.Amount,
		})
	}
	return rows
}
