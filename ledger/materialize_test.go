package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var fixedNow = time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC)

func newTestMaterializer() *ledger.Materializer {
	m := ledger.NewMaterializer()
	m.Now = func() time.Time { return fixedNow }
	return m
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func row(num int, date, action, account, asset string, qty, price, amount string) ledger.MappedRow {
	d, _ := time.Parse("2006-01-02", date)
	return ledger.MappedRow{
		Source:    ingest.RowRef{RawFile: "f1", Number: num},
		Date:      d,
		Action:    action,
		AccountID: account,
		AssetID:   asset,
		Currency:  "USD",
		Quantity:  dec(qty),
		Price:     dec(price),
		Amount:    dec(amount),
	}
}

// =============================================================================
// GROUPING
// =============================================================================

func TestMaterialize_GroupsByDateActionAccountAsset(t *testing.T) {
	// GIVEN: Two buys of the same asset on the same day, then a different day
	// THEN: The same-day rows share a group, the third stands alone

	m := newTestMaterializer()
	rows := []ledger.MappedRow{
		row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00"),
		row(2, "2024-01-02", "buy", "acct-1", "AAPL", "3", "100", "-300.00"),
		row(3, "2024-01-03", "buy", "acct-1", "AAPL", "2", "100", "-200.00"),
	}

	res := m.Materialize(rows, "run-1")
	require.Len(t, res.Groups, 2)
	assert.Len(t, res.Groups[0].Rows, 2)
	assert.Len(t, res.Groups[1].Rows, 1)
	assert.True(t, res.Groups[0].CSVAmount.Equal(dec("-800.00")))
}

func TestMaterialize_SettlementAttachesWithinWindow(t *testing.T) {
	// GIVEN: A trade followed two rows later by a settlement row on the
	//        same account (blank action, zero quantity)
	// THEN: The settlement joins the trade's group

	m := newTestMaterializer()
	settlement := row(3, "2024-01-04", "", "acct-1", "", "0", "0", "-2.50")
	rows := []ledger.MappedRow{
		row(1, "2024-01-02", "sell", "acct-1", "AAPL", "4", "50", "200.00"),
		settlement,
	}
	require.True(t, settlement.IsSettlement())

	res := m.Materialize(rows, "run-1")
	require.Len(t, res.Groups, 1)
	assert.Len(t, res.Groups[0].Rows, 2)
	assert.True(t, res.Groups[0].CSVAmount.Equal(dec("197.50")))
}

func TestMaterialize_SettlementBeyondWindow_OwnGroup(t *testing.T) {
	m := newTestMaterializer()
	rows := []ledger.MappedRow{
		row(1, "2024-01-02", "sell", "acct-1", "AAPL", "4", "50", "200.00"),
		row(9, "2024-01-05", "", "acct-1", "", "0", "0", "-2.50"),
	}

	res := m.Materialize(rows, "run-1")
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "settlement", res.Groups[1].Action)
}

func TestMaterialize_SettlementNeverCrossesAccounts(t *testing.T) {
	m := newTestMaterializer()
	rows := []ledger.MappedRow{
		row(1, "2024-01-02", "sell", "acct-1", "AAPL", "4", "50", "200.00"),
		row(2, "2024-01-02", "", "acct-2", "", "0", "0", "-2.50"),
	}

	res := m.Materialize(rows, "run-1")
	require.Len(t, res.Groups, 2)
}

// =============================================================================
// DOUBLE-ENTRY CONSTRUCTION
// =============================================================================

func TestMaterialize_TwoEntriesPerGroup_Balanced(t *testing.T) {
	// Each group: one account leg, one offset leg on clearing:<action>,
	// equal amounts, opposite sides.

	m := newTestMaterializer()
	res := m.Materialize([]ledger.MappedRow{
		row(1, "2024-01-02", "buy", "acct-1", "AAPL", "10", "185.50", "-1855.00"),
	}, "run-1")

	require.Len(t, res.Entries, 2)
	account, offset := res.Entries[0], res.Entries[1]

	assert.Equal(t, "acct-1", account.AccountID)
	assert.Equal(t, ledger.Credit, account.Side)
	assert.True(t, account.Amount.Equal(dec("1855.00")))

	assert.Equal(t, "clearing:buy", offset.AccountID)
	assert.Equal(t, ledger.Debit, offset.Side)
	assert.True(t, offset.Amount.Equal(account.Amount))

	assert.True(t, account.Signed().Add(offset.Signed()).IsZero(), "legs must cancel")
	assert.Empty(t, offset.AssetID)
	assert.NotEqual(t, account.IdempotencyKey, offset.IdempotencyKey)
}

func TestMaterialize_QuantityPriceMismatch_FlagsGroup(t *testing.T) {
	// GIVEN: A trade whose reported amount disagrees with quantity x price
	//        by more than a cent
	// THEN: The group is broken and both entries carry the discrepancy;
	//       nothing is forced into balance

	m := newTestMaterializer()
	res := m.Materialize([]ledger.MappedRow{
		row(1, "2024-01-02", "buy", "acct-1", "AAPL", "10", "185.50", "-1850.00"),
	}, "run-1")

	require.Len(t, res.Groups, 1)
	g := res.Groups[0]
	assert.True(t, g.Broken)
	assert.True(t, g.EntrySum.Equal(dec("-1855.00")))
	assert.True(t, g.CSVAmount.Equal(dec("-1850.00")))

	for _, e := range res.Entries {
		require.NotNil(t, e.AmountDiscrepancy)
		assert.True(t, e.AmountDiscrepancy.Equal(dec("-5.00")))
	}

	errs := res.BrokenGroups()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ledger.ErrDoubleEntryViolation)
}

func TestMaterialize_WithinTolerance_NotBroken(t *testing.T) {
	// A half-cent rounding difference is not a discrepancy.
	m := newTestMaterializer()
	res := m.Materialize([]ledger.MappedRow{
		row(1, "2024-01-02", "buy", "acct-1", "AAPL", "3", "33.335", "-100.00"),
	}, "run-1")

	require.Len(t, res.Groups, 1)
	assert.False(t, res.Groups[0].Broken)
	assert.Nil(t, res.Entries[0].AmountDiscrepancy)
}

func TestMaterialize_RowsWithoutPrice_UseReportedAmount(t *testing.T) {
	m := newTestMaterializer()
	res := m.Materialize([]ledger.MappedRow{
		row(1, "2024-01-10", "dividend", "acct-1", "AAPL", "0", "0", "12.40"),
	}, "run-1")

	require.Len(t, res.Groups, 1)
	assert.False(t, res.Groups[0].Broken)
	assert.Equal(t, ledger.Debit, res.Entries[0].Side)
	assert.True(t, res.Entries[0].Amount.Equal(dec("12.40")))
}

// =============================================================================
// DETERMINISM & DUPLICATES
// =============================================================================

func TestMaterialize_DeterministicIDs(t *testing.T) {
	// Same rows, same origin run, same ids and keys. Twice.
	m := newTestMaterializer()
	rows := []ledger.MappedRow{
		row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00"),
	}

	first := m.Materialize(rows, "run-1")
	second := m.Materialize(rows, "run-1")
	assert.Equal(t, first.Entries, second.Entries)

	// A different origin run yields different keys.
	other := m.Materialize(rows, "run-2")
	assert.NotEqual(t, first.Entries[0].IdempotencyKey, other.Entries[0].IdempotencyKey)
}

func TestMaterialize_DuplicateSourceRow_Flagged(t *testing.T) {
	// GIVEN: The same source row appearing in two groups
	// THEN: Affected entries are flagged, never silently merged or dropped

	m := newTestMaterializer()
	dup := row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00")
	other := row(1, "2024-01-03", "sell", "acct-1", "AAPL", "5", "100", "500.00")

	res := m.Materialize([]ledger.MappedRow{dup, other}, "run-1")
	require.Len(t, res.Groups, 2)
	for _, e := range res.Entries {
		assert.True(t, e.DuplicateSource)
	}
}

// =============================================================================
// SEVERITY BANDS
// =============================================================================

func TestClassifySeverity_Bands(t *testing.T) {
	cases := []struct {
		delta  string
		broken bool
		want   ledger.Severity
	}{
		{"0.01", false, ledger.SeverityNone},
		{"0.03", false, ledger.SeverityLow},
		{"-10.00", false, ledger.SeverityLow},
		{"10.01", false, ledger.SeverityMedium},
		{"1000.00", false, ledger.SeverityMedium},
		{"-1000.01", false, ledger.SeverityCritical},
		{"48195.04", false, ledger.SeverityCritical},
		{"0.02", true, ledger.SeverityCritical},
	}
	for _, tc := range cases {
		got := ledger.ClassifySeverity(dec(tc.delta), tc.broken)
		assert.Equal(t, tc.want, got, "delta %s broken=%v", tc.delta, tc.broken)
	}
}
