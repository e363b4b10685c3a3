package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

// =============================================================================
// TEST SETUP - Shared across the reconcile suite
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
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

func cp(account, date, balance string, rowNum int) reconcile.Checkpoint {
	return reconcile.Checkpoint{
		AccountID: account,
		Date:      day(date),
		Row:       ingest.RowRef{RawFile: "f1", Number: rowNum},
		Balance:   dec(balance),
		Currency:  "USD",
	}
}

// seed materializes rows into the entry store and registers checkpoints.
func seed(t *testing.T, entries *ledger.Memory, cps *reconcile.MemoryCheckpoints, rows []ledger.MappedRow, checkpoints []reconcile.Checkpoint) {
	t.Helper()
	ctx := context.Background()
	if len(rows) > 0 {
		res := ledger.NewMaterializer().Materialize(rows, "run-1")
		require.NoError(t, entries.Append(ctx, res.Entries))
	}
	if len(checkpoints) > 0 {
		require.NoError(t, cps.Put(ctx, checkpoints))
	}
}

func newDetector() (*reconcile.Detector, *ledger.Memory, *reconcile.MemoryCheckpoints) {
	entries := ledger.NewMemory()
	cps := reconcile.NewMemoryCheckpoints()
	return reconcile.NewDetector(entries, cps), entries, cps
}

// =============================================================================
// DETECTION
// =============================================================================

func TestDetect_CleanAccount(t *testing.T) {
	d, entries, cps := newDetector()
	seed(t, entries, cps,
		[]ledger.MappedRow{
			mrow(1, "2024-01-02", "deposit", "acct-1", "10000.00"),
			mrow(2, "2024-01-03", "buy", "acct-1", "-1855.00"),
		},
		[]reconcile.Checkpoint{
			cp("acct-1", "2024-01-02", "10000.00", 1),
			cp("acct-1", "2024-01-03", "8145.00", 2),
		})

	found, err := d.Detect(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetect_MissingEntry(t *testing.T) {
	// GIVEN: A checkpoint reporting a dividend the ledger never saw
	// THEN: One discrepancy, delta = expected - calculated

	d, entries, cps := newDetector()
	seed(t, entries, cps,
		[]ledger.MappedRow{
			mrow(1, "2024-01-02", "deposit", "acct-1", "10000.00"),
		},
		[]reconcile.Checkpoint{
			cp("acct-1", "2024-01-02", "10000.00", 1),
			cp("acct-1", "2024-01-10", "10012.40", 2),
		})

	found, err := d.Detect(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, found, 1)

	disc := found[0]
	assert.Equal(t, "acct-1", disc.AccountID)
	assert.True(t, disc.Expected.Equal(dec("10012.40")))
	assert.True(t, disc.Calculated.Equal(dec("10000.00")))
	assert.True(t, disc.Delta.Equal(dec("12.40")), "the missing amount, not its mirror image")
	assert.Equal(t, ledger.SeverityLow, disc.Severity)
	assert.False(t, disc.BrokenDoubleEntry)
}

func TestDetect_WithinTolerance_Skipped(t *testing.T) {
	d, entries, cps := newDetector()
	seed(t, entries, cps,
		[]ledger.MappedRow{mrow(1, "2024-01-02", "deposit", "acct-1", "100.00")},
		[]reconcile.Checkpoint{cp("acct-1", "2024-01-02", "100.01", 1)})

	found, err := d.Detect(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, found, "a cent of rounding is not a discrepancy")
}

func TestDetect_MultipleCheckpointsPerDate_LastWins(t *testing.T) {
	// Intra-day reported balances are unreliable mid-sequence; only the
	// day's last row counts.

	d, entries, cps := newDetector()
	seed(t, entries, cps,
		[]ledger.MappedRow{
			mrow(1, "2024-01-02", "deposit", "acct-1", "100.00"),
			mrow(2, "2024-01-02", "deposit", "acct-1", "50.00"),
		},
		[]reconcile.Checkpoint{
			cp("acct-1", "2024-01-02", "100.00", 1),
			cp("acct-1", "2024-01-02", "150.00", 2),
		})

	found, err := d.Detect(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetect_BrokenDoubleEntry_ForcesCritical(t *testing.T) {
	// GIVEN: An entry flagged with an amount discrepancy at import
	// THEN: Its checkpoint is CRITICAL even when the balance matches

	d, entries, cps := newDetector()
	broken := mrow(1, "2024-01-03", "buy", "acct-1", "-1850.00")
	broken.Quantity = dec("10")
	broken.Price = dec("185.50") // 1855, reported 1850
	seed(t, entries, cps,
		[]ledger.MappedRow{broken},
		[]reconcile.Checkpoint{cp("acct-1", "2024-01-03", "-1855.00", 1)})

	found, err := d.Detect(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].BrokenDoubleEntry)
	assert.Equal(t, ledger.SeverityCritical, found[0].Severity)
	assert.True(t, found[0].Delta.Abs().LessThanOrEqual(ledger.Tolerance))
}

func TestDetect_SeverityFollowsDeltaMagnitude(t *testing.T) {
	// A few cents is LOW; a checkpoint reporting 46175.80 against a replayed
	// -2019.24 is a 48195.04 gap and CRITICAL.

	d, entries, cps := newDetector()
	seed(t, entries, cps,
		[]ledger.MappedRow{mrow(1, "2024-01-03", "buy", "acct-crit", "-2019.24")},
		[]reconcile.Checkpoint{
			cp("acct-low", "2024-01-02", "0.03", 1),
			cp("acct-crit", "2024-01-03", "46175.80", 2),
		})

	found, err := d.Detect(context.Background(), "acct-low")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ledger.SeverityLow, found[0].Severity)
	assert.True(t, found[0].Delta.Equal(dec("0.03")))

	found, err = d.Detect(context.Background(), "acct-crit")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ledger.SeverityCritical, found[0].Severity)
	assert.True(t, found[0].Calculated.Equal(dec("-2019.24")))
	assert.True(t, found[0].Delta.Equal(dec("48195.04")))
}

func TestDetect_UnknownAccount(t *testing.T) {
	d, _, _ := newDetector()
	found, err := d.Detect(context.Background(), "acct-ghost")
	require.NoError(t, err)
	assert.Empty(t, found, "no checkpoints means nothing to disagree with")
}

// =============================================================================
// CHECKPOINT STORE
// =============================================================================

func TestMemoryCheckpoints_RePutIsNoOp(t *testing.T) {
	// A resumed import registers its checkpoints again; each (account,
	// source row) must be kept once.
	ctx := context.Background()
	cps := reconcile.NewMemoryCheckpoints()
	batch := []reconcile.Checkpoint{
		cp("acct-1", "2024-01-02", "10000.00", 1),
		cp("acct-1", "2024-01-03", "8145.00", 2),
	}
	require.NoError(t, cps.Put(ctx, batch))
	require.NoError(t, cps.Put(ctx, batch))

	got, err := cps.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
