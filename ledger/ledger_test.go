package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ingest/blob"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/logger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *ledger.Memory, *blob.Memory) {
	t.Helper()
	store := ledger.NewMemory()
	blobs := blob.NewMemory()
	l := ledger.New(store, blobs, logger.New())
	return l, store, blobs
}

// materialized builds real entries through the materializer so tests
// exercise the same construction path as runs do.
func materialized(originRun string, rows ...ledger.MappedRow) []ledger.Entry {
	return newTestMaterializer().Materialize(rows, originRun).Entries
}

// =============================================================================
// IDEMPOTENT APPEND
// =============================================================================

func TestAppendBatch_SecondAppendIsNoOp(t *testing.T) {
	// GIVEN: A batch already in the ledger
	// WHEN: The identical batch is appended again
	// THEN: Nothing new is written

	l, store, _ := newTestLedger(t)
	ctx := context.Background()
	entries := materialized("run-1",
		row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00"))

	first, err := l.AppendBatch(ctx, entries)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := l.AppendBatch(ctx, entries)
	require.NoError(t, err)
	assert.Empty(t, second)

	all, err := store.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAppendBatch_PartialOverlap_AppendsOnlyFresh(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	batch1 := materialized("run-1",
		row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00"))
	_, err := l.AppendBatch(ctx, batch1)
	require.NoError(t, err)

	batch2 := append(batch1, materialized("run-1",
		row(2, "2024-01-03", "sell", "acct-1", "AAPL", "5", "101", "505.00"))...)
	fresh, err := l.AppendBatch(ctx, batch2)
	require.NoError(t, err)
	assert.Len(t, fresh, 2, "only the sell's two legs are new")
}

// =============================================================================
// BALANCE BY REPLAY
// =============================================================================

func TestBalance_ReplaysUpToAsOf(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AppendBatch(ctx, materialized("run-1",
		row(1, "2024-01-02", "deposit", "acct-1", "", "0", "0", "10000.00"),
		row(2, "2024-01-03", "buy", "acct-1", "AAPL", "10", "185.50", "-1855.00"),
		row(3, "2024-01-10", "dividend", "acct-1", "AAPL", "0", "0", "12.40"),
	))
	require.NoError(t, err)

	jan5, _ := time.Parse("2006-01-02", "2024-01-05")
	balance, err := l.Balance(ctx, "acct-1", jan5)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("8145.00")), "got %s", balance)

	jan31, _ := time.Parse("2006-01-02", "2024-01-31")
	balance, err = l.Balance(ctx, "acct-1", jan31)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("8157.40")), "got %s", balance)
}

func TestBalance_EmptyAccountIsZero(t *testing.T) {
	l, _, _ := newTestLedger(t)
	balance, err := l.Balance(context.Background(), "acct-nobody", time.Now())
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

// =============================================================================
// PROVENANCE
// =============================================================================

func TestVerifyProvenance_IntactBlob(t *testing.T) {
	l, _, blobs := newTestLedger(t)
	ctx := context.Background()

	ref, err := blobs.Put(ctx, []byte("Date,Amount\n2024-01-02,-500.00\n"))
	require.NoError(t, err)

	r := row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00")
	r.Source = ingest.RowRef{RawFile: ingest.RawFileID(ref.ID), Number: 1}
	entries := materialized("run-1", r)

	assert.NoError(t, l.VerifyProvenance(ctx, entries[0]))
}

func TestVerifyProvenance_CorruptedBlob_Fails(t *testing.T) {
	// GIVEN: An entry whose raw file bytes changed after import
	// THEN: Verification fails loudly with the file and cause

	l, _, blobs := newTestLedger(t)
	ctx := context.Background()

	ref, err := blobs.Put(ctx, []byte("original bytes"))
	require.NoError(t, err)

	r := row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00")
	r.Source = ingest.RowRef{RawFile: ingest.RawFileID(ref.ID), Number: 1}
	entries := materialized("run-1", r)

	blobs.Corrupt(ref.ID, []byte("tampered bytes"))

	err = l.VerifyProvenance(ctx, entries[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrProvenanceIntegrity)
	assert.ErrorIs(t, err, blob.ErrChecksumMismatch)

	var pErr *ledger.ProvenanceIntegrityError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ref.ID, pErr.RawFile)
}

func TestVerifyProvenance_DeletedBlob_Fails(t *testing.T) {
	l, _, blobs := newTestLedger(t)
	ctx := context.Background()

	ref, err := blobs.Put(ctx, []byte("bytes"))
	require.NoError(t, err)

	r := row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00")
	r.Source = ingest.RowRef{RawFile: ingest.RawFileID(ref.ID), Number: 1}
	entries := materialized("run-1", r)

	blobs.Delete(ref.ID)

	err = l.VerifyProvenance(ctx, entries[0])
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestVerifyProvenance_CorrectionEntriesHaveNoSourceRows(t *testing.T) {
	// Correction entries trace to their audit delta, not to raw files.
	l, _, _ := newTestLedger(t)

	corr := ledger.MappedRow{
		Date:      time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Action:    "correction",
		AccountID: "acct-1",
		Currency:  "USD",
		Amount:    dec("-12.40"),
	}
	entries := materialized("fix:inv-1:0", corr)

	assert.NoError(t, l.VerifyProvenance(context.Background(), entries[0]))
}

func TestVerifyProvenance_ImportedEntryWithoutSources_Fails(t *testing.T) {
	l, _, _ := newTestLedger(t)

	r := row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00")
	entries := materialized("run-1", r)
	entries[0].SourceRows = nil

	err := l.VerifyProvenance(context.Background(), entries[0])
	assert.ErrorIs(t, err, ledger.ErrProvenanceIntegrity)
}

// =============================================================================
// STORE QUERIES
// =============================================================================

func TestMemoryStore_AccountsExcludesClearing(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AppendBatch(ctx, materialized("run-1",
		row(1, "2024-01-02", "buy", "acct-b", "AAPL", "5", "100", "-500.00"),
		row(2, "2024-01-02", "buy", "acct-a", "AAPL", "5", "100", "-500.00"),
	))
	require.NoError(t, err)

	accounts, err := store.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-a", "acct-b"}, accounts)
	assert.True(t, ledger.IsClearingAccount("clearing:buy"))
}

func TestMemoryStore_AccountRangeInclusive(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AppendBatch(ctx, materialized("run-1",
		row(1, "2024-01-02", "deposit", "acct-1", "", "0", "0", "100.00"),
		row(2, "2024-01-05", "deposit", "acct-1", "", "0", "0", "200.00"),
		row(3, "2024-01-09", "deposit", "acct-1", "", "0", "0", "300.00"),
	))
	require.NoError(t, err)

	from, _ := time.Parse("2006-01-02", "2024-01-05")
	to, _ := time.Parse("2006-01-02", "2024-01-09")
	entries, err := store.AccountRange(ctx, "acct-1", from, to)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryStore_DuplicateKeyRejected(t *testing.T) {
	store := ledger.NewMemory()
	ctx := context.Background()

	entries := materialized("run-1",
		row(1, "2024-01-02", "buy", "acct-1", "AAPL", "5", "100", "-500.00"))
	require.NoError(t, store.Append(ctx, entries))

	err := store.Append(ctx, entries[:1])
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)
}
