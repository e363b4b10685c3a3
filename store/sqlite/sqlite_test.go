package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/assist"
	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/plan"
	"github.com/warp/ledger-engine/reconcile"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func testSettings() plan.Settings {
	return plan.Settings{
		Dialect: ingest.Dialect{Format: ingest.FormatCSV, HasHeader: true},
		Schema: ingest.Schema{Fields: []ingest.FieldSpec{
			{Name: "date", Column: "Date", Type: ingest.TypeDate, Required: true},
			{Name: "account_id", Column: "Account", Type: ingest.TypeString, Required: true},
			{Name: "amount", Column: "Amount", Type: ingest.TypeDecimal, Required: true},
		}},
	}
}

func testEntries(t *testing.T, originRun string, rows ...ledger.MappedRow) []ledger.Entry {
	t.Helper()
	return ledger.NewMaterializer().Materialize(rows, originRun).Entries
}

func mrow(num int, date, action, account, amount string) ledger.MappedRow {
	return ledger.MappedRow{
		Source:    ingest.RowRef{RawFile: "f1", Number: num},
		Date:      day(date),
		Action:    action,
		AccountID: account,
		Currency:  "USD",
		Amount:    dec(amount),
	}
}

// =============================================================================
// PLAN STORE
// =============================================================================

func TestSQLite_PlanLifecycle(t *testing.T) {
	s := newStore(t)
	plans := s.Plans()
	ctx := context.Background()

	p, err := plans.Create(ctx, "inst-1", testSettings())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Revision)

	v1, err := plans.Commit(ctx, p.ID, p.Revision, "initial")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Number)

	d := ingest.Dialect{Format: ingest.FormatCSV, Delimiter: ";", HasHeader: true}
	p2, err := plans.Edit(ctx, p.ID, p.Revision, plan.Patch{Dialect: &d})
	require.NoError(t, err)
	assert.Equal(t, 2, p2.Revision)

	v2, err := plans.Commit(ctx, p.ID, p2.Revision, "semicolons")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Number)
	assert.Equal(t, v1.ID, v2.Parent)

	history, err := plans.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, v1.ID, history[0].ID)
	assert.Equal(t, ";", history[1].Settings.Dialect.Delimiter)

	got, err := plans.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, got.Head)
	assert.Equal(t, ";", got.Working.Dialect.Delimiter)
}

func TestSQLite_Plan_ConcurrentEdit(t *testing.T) {
	s := newStore(t)
	plans := s.Plans()
	ctx := context.Background()

	p, err := plans.Create(ctx, "inst-1", testSettings())
	require.NoError(t, err)

	d1 := ingest.Dialect{Format: ingest.FormatCSV, Delimiter: ";", HasHeader: true}
	_, err = plans.Edit(ctx, p.ID, p.Revision, plan.Patch{Dialect: &d1})
	require.NoError(t, err)

	d2 := ingest.Dialect{Format: ingest.FormatCSV, Delimiter: "|", HasHeader: true}
	_, err = plans.Edit(ctx, p.ID, p.Revision, plan.Patch{Dialect: &d2})
	assert.ErrorIs(t, err, plan.ErrConcurrentEdit)

	_, err = plans.Commit(ctx, p.ID, p.Revision, "stale")
	assert.ErrorIs(t, err, plan.ErrConcurrentEdit)
}

func TestSQLite_Plan_NothingToCommit(t *testing.T) {
	s := newStore(t)
	plans := s.Plans()
	ctx := context.Background()

	p, err := plans.Create(ctx, "inst-1", testSettings())
	require.NoError(t, err)
	_, err = plans.Commit(ctx, p.ID, p.Revision, "initial")
	require.NoError(t, err)

	_, err = plans.Commit(ctx, p.ID, p.Revision, "again")
	assert.ErrorIs(t, err, plan.ErrNothingToCommit)
}

func TestSQLite_Plan_Fork(t *testing.T) {
	s := newStore(t)
	plans := s.Plans()
	ctx := context.Background()

	p, err := plans.Create(ctx, "inst-1", testSettings())
	require.NoError(t, err)
	v, err := plans.Commit(ctx, p.ID, p.Revision, "initial")
	require.NoError(t, err)

	fork, err := plans.Fork(ctx, v.ID, "inst-2")
	require.NoError(t, err)
	assert.Equal(t, v.ID, fork.ForkedFrom)
	assert.Equal(t, v.Settings, fork.Working)
	assert.Empty(t, fork.Head)

	_, err = plans.Fork(ctx, "v_missing", "inst-2")
	assert.ErrorIs(t, err, plan.ErrVersionNotFound)
}

func TestSQLite_Plan_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Plans().Get(context.Background(), "plan_missing")
	assert.ErrorIs(t, err, plan.ErrPlanNotFound)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func TestSQLite_Entries_AppendAndQuery(t *testing.T) {
	s := newStore(t)
	entries := s.Ledger()
	ctx := context.Background()

	batch := testEntries(t, "run-1",
		mrow(1, "2024-01-02", "deposit", "acct-1", "10000.00"),
		mrow(2, "2024-01-03", "buy", "acct-1", "-1855.00"),
		mrow(3, "2024-01-04", "deposit", "acct-2", "500.00"),
	)
	require.NoError(t, entries.Append(ctx, batch))

	got, err := entries.Get(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, batch[0].AccountID, got.AccountID)
	assert.True(t, got.Amount.Equal(batch[0].Amount))
	assert.Equal(t, batch[0].SourceRows, got.SourceRows)
	require.NotNil(t, got.CSVAmount)
	assert.True(t, got.CSVAmount.Equal(dec("10000.00")))

	account, err := entries.Account(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, account, 2)
	assert.True(t, account[0].Date.Before(account[1].Date), "ordered by date")

	ranged, err := entries.AccountRange(ctx, "acct-1", day("2024-01-03"), day("2024-01-05"))
	require.NoError(t, err)
	assert.Len(t, ranged, 1)

	byRun, err := entries.ByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 6)

	accounts, err := entries.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1", "acct-2"}, accounts, "clearing accounts excluded")

	ok, err := entries.Exists(ctx, batch[0].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = entries.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_Entries_DuplicateKeyRejected(t *testing.T) {
	s := newStore(t)
	entries := s.Ledger()
	ctx := context.Background()

	batch := testEntries(t, "run-1", mrow(1, "2024-01-02", "deposit", "acct-1", "100.00"))
	require.NoError(t, entries.Append(ctx, batch))

	err := entries.Append(ctx, batch[:1])
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)

	// The failed batch rolled back atomically; nothing half-written.
	byRun, err := entries.ByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 2)
}

func TestSQLite_Entries_DiscrepancyRoundtrip(t *testing.T) {
	s := newStore(t)
	entries := s.Ledger()
	ctx := context.Background()

	broken := mrow(1, "2024-01-03", "buy", "acct-1", "-1850.00")
	broken.Quantity = dec("10")
	broken.Price = dec("185.50")
	batch := testEntries(t, "run-1", broken)
	require.NoError(t, entries.Append(ctx, batch))

	got, err := entries.Get(ctx, batch[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.AmountDiscrepancy)
	assert.True(t, got.AmountDiscrepancy.Equal(dec("-5.00")))
}

// =============================================================================
// RUN STORE
// =============================================================================

func TestSQLite_Runs_PayloadRoundtrip(t *testing.T) {
	s := newStore(t)
	runs := s.Runs()
	ctx := context.Background()

	run := &engine.ParseRun{
		ID:          "run_1",
		PlanID:      "plan_1",
		PlanVersion: "v_abc",
		RawFile:     "f1",
		Mode:        engine.Commit(),
		Status:      engine.StatusRunning,
		StartedAt:   time.Now().UTC().Truncate(time.Second),
		TotalRows:   2,
		Outcomes: []engine.RowOutcome{
			{Row: ingest.RowRef{RawFile: "f1", Number: 1}, OK: true},
			{Row: ingest.RowRef{RawFile: "f1", Number: 2}, Stage: engine.StageValidate, Err: "rejected"},
		},
		Lineage: map[int]engine.Lineage{
			1: {PlanVersion: "v_abc", Steps: []string{"normalize"}},
		},
		EntryIDs:       []ledger.EntryID{"ent_1", "ent_2"},
		AppendedChunks: 1,
	}
	require.NoError(t, runs.Save(ctx, run))

	got, err := runs.Get(ctx, "run_1")
	require.NoError(t, err)
	assert.True(t, got.Mode.IsCommit())
	assert.Equal(t, run.Outcomes, got.Outcomes)
	assert.Equal(t, run.Lineage, got.Lineage)
	assert.Equal(t, run.EntryIDs, got.EntryIDs)
	assert.Equal(t, 1, got.AppendedChunks)

	// Save is an upsert; progress updates land on the same row.
	run.Status = engine.StatusCompleted
	run.FinishedAt = run.StartedAt.Add(time.Second)
	require.NoError(t, runs.Save(ctx, run))

	got, err = runs.Get(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, got.Status)
	assert.False(t, got.FinishedAt.IsZero())

	list, err := runs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLite_Runs_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Runs().Get(context.Background(), "run_missing")
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

// =============================================================================
// CHECKPOINT STORE
// =============================================================================

func TestSQLite_Checkpoints_ReimportIsNoOp(t *testing.T) {
	s := newStore(t)
	cps := s.Checkpoints()
	ctx := context.Background()

	batch := []reconcile.Checkpoint{
		{AccountID: "acct-1", Date: day("2024-01-03"), Row: ingest.RowRef{RawFile: "f1", Number: 2}, Balance: dec("8145.00"), Currency: "USD"},
		{AccountID: "acct-1", Date: day("2024-01-02"), Row: ingest.RowRef{RawFile: "f1", Number: 1}, Balance: dec("10000.00"), Currency: "USD"},
	}
	require.NoError(t, cps.Put(ctx, batch))
	require.NoError(t, cps.Put(ctx, batch), "same file, same rows, no duplicates")

	got, err := cps.Account(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day("2024-01-02"), got[0].Date, "ordered by date")
	assert.True(t, got[0].Balance.Equal(dec("10000.00")))
	assert.Equal(t, 2, got[1].Row.Number)
}

// =============================================================================
// SESSION STORE
// =============================================================================

func TestSQLite_Sessions_Roundtrip(t *testing.T) {
	s := newStore(t)
	sessions := s.Sessions()
	ctx := context.Background()

	sess := &reconcile.Session{
		ID:        "sess_1",
		AccountID: "acct-1",
		Status:    reconcile.SessionPartial,
		Iterations: []reconcile.IterationReport{
			{Number: 1, Discrepancies: 2, Applied: 1, ManualReview: 1},
		},
		Remaining: []reconcile.Discrepancy{{
			AccountID: "acct-1",
			Expected:  dec("10012.40"),
			Delta:     dec("-12.40"),
			Severity:  ledger.SeverityLow,
		}},
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		FinishedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, sessions.Save(ctx, sess))

	got, err := sessions.Get(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.SessionPartial, got.Status)
	assert.Equal(t, sess.Iterations, got.Iterations)
	require.Len(t, got.Remaining, 1)
	assert.True(t, got.Remaining[0].Delta.Equal(dec("-12.40")))

	byAccount, err := sessions.ByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, byAccount, 1)

	_, err = sessions.Get(ctx, "sess_missing")
	assert.ErrorIs(t, err, reconcile.ErrSessionNotFound)
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func TestSQLite_Audit_Roundtrip(t *testing.T) {
	s := newStore(t)
	trail := s.Audit()
	ctx := context.Background()

	rec := audit.InvestigationRecord{
		SessionID: "sess_1",
		AccountID: "acct-1",
		Iteration: 1,
		Investigation: assist.Investigation{
			ID:         "inv-1",
			Hypothesis: "missing dividend",
			ProposedFixes: []assist.ProposedFix{{
				Description: "insert it",
				Confidence:  0.9,
				Entries: []assist.FixEntry{{
					Date: day("2024-01-05"), AccountID: "acct-1",
					Action: "dividend", Amount: dec("12.40"), Currency: "USD",
				}},
				Impact: assist.PredictedImpact{BalanceChange: dec("12.40"), TransactionsCreated: 1},
			}},
		},
		RecordedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, trail.RecordInvestigation(ctx, rec))

	records, err := trail.Investigations(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "inv-1", records[0].Investigation.ID)
	require.Len(t, records[0].Investigation.ProposedFixes, 1)
	assert.True(t, records[0].Investigation.ProposedFixes[0].Entries[0].Amount.Equal(dec("12.40")))

	delta := audit.TransactionDelta{
		ID:                  "delta_1",
		SessionID:           "sess_1",
		AccountID:           "acct-1",
		InvestigationID:     "inv-1",
		FixIndex:            0,
		ApprovalSource:      audit.ApprovalAuto,
		BalanceChange:       dec("12.40"),
		EntryIDs:            []ledger.EntryID{"ent_1", "ent_2"},
		ResolvedCheckpoints: []time.Time{day("2024-01-10")},
		AppliedAt:           time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, trail.RecordDelta(ctx, delta))

	deltas, err := trail.Deltas(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, audit.ApprovalAuto, deltas[0].ApprovalSource)
	assert.Equal(t, delta.EntryIDs, deltas[0].EntryIDs)
	require.Len(t, deltas[0].ResolvedCheckpoints, 1)
	assert.True(t, deltas[0].ResolvedCheckpoints[0].Equal(day("2024-01-10")))
}
