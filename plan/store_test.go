package plan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/plan"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func baseSettings() plan.Settings {
	return plan.Settings{
		Dialect: ingest.Dialect{Format: ingest.FormatCSV, HasHeader: true},
		Schema: ingest.Schema{Fields: []ingest.FieldSpec{
			{Name: "date", Column: "Date", Type: ingest.TypeDate, Required: true},
			{Name: "account_id", Column: "Account", Type: ingest.TypeString, Required: true},
			{Name: "amount", Column: "Amount", Type: ingest.TypeDecimal, Required: true},
		}},
	}
}

func newPlan(t *testing.T, store plan.Store) *plan.Plan {
	t.Helper()
	p, err := store.Create(context.Background(), "inst-1", baseSettings())
	require.NoError(t, err)
	return p
}

func delimiterPatch(delim string) plan.Patch {
	d := ingest.Dialect{Format: ingest.FormatCSV, Delimiter: delim, HasHeader: true}
	return plan.Patch{Dialect: &d}
}

// =============================================================================
// WORKING COPY - Optimistic concurrency
// =============================================================================

func TestEdit_StaleRevision_Rejected(t *testing.T) {
	// GIVEN: Two authors who both read revision 1
	// WHEN: The second edit arrives after the first advanced the revision
	// THEN: The second fails with ErrConcurrentEdit, nothing is overwritten

	store := plan.NewMemory()
	ctx := context.Background()
	p := newPlan(t, store)

	_, err := store.Edit(ctx, p.ID, p.Revision, delimiterPatch(";"))
	require.NoError(t, err)

	_, err = store.Edit(ctx, p.ID, p.Revision, delimiterPatch("|"))
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrConcurrentEdit)

	var cErr *plan.ConcurrentEditError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, p.Revision, cErr.BaseRevision)
	assert.Equal(t, p.Revision+1, cErr.Revision)

	// First author's edit survives.
	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ";", got.Working.Dialect.Delimiter)
}

func TestEdit_PatchLeavesOtherSectionsUntouched(t *testing.T) {
	store := plan.NewMemory()
	ctx := context.Background()
	p := newPlan(t, store)

	steps := []plan.TransformStep{{Name: "negate", Target: "amount", Expr: "-amount"}}
	got, err := store.Edit(ctx, p.ID, p.Revision, plan.Patch{TransformSteps: &steps})
	require.NoError(t, err)

	assert.Len(t, got.Working.TransformSteps, 1)
	assert.Len(t, got.Working.Schema.Fields, 3, "schema must survive an unrelated patch")
	assert.Equal(t, p.Revision+1, got.Revision)
}

// =============================================================================
// COMMIT CHAIN
// =============================================================================

func TestCommit_ChainNumbersAndParents(t *testing.T) {
	// GIVEN: Two commits with an edit in between
	// THEN: Numbers strictly increase and each version links to its parent

	store := plan.NewMemory()
	ctx := context.Background()
	p := newPlan(t, store)

	v1, err := store.Commit(ctx, p.ID, p.Revision, "initial")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Number)
	assert.Empty(t, v1.Parent)

	p2, err := store.Edit(ctx, p.ID, p.Revision, delimiterPatch(";"))
	require.NoError(t, err)
	v2, err := store.Commit(ctx, p.ID, p2.Revision, "semicolons")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Number)
	assert.Equal(t, v1.ID, v2.Parent)

	history, err := store.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, v1.ID, history[0].ID)
	assert.Equal(t, v2.ID, history[1].ID)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, got.Head)
	assert.Equal(t, 2, got.HeadNumber)
}

func TestCommit_NothingToCommit(t *testing.T) {
	// Committing a working copy identical to the head is refused.
	store := plan.NewMemory()
	ctx := context.Background()
	p := newPlan(t, store)

	_, err := store.Commit(ctx, p.ID, p.Revision, "initial")
	require.NoError(t, err)

	_, err = store.Commit(ctx, p.ID, p.Revision, "again")
	assert.ErrorIs(t, err, plan.ErrNothingToCommit)
}

func TestCommit_StaleRevision_Rejected(t *testing.T) {
	store := plan.NewMemory()
	ctx := context.Background()
	p := newPlan(t, store)

	_, err := store.Edit(ctx, p.ID, p.Revision, delimiterPatch(";"))
	require.NoError(t, err)

	_, err = store.Commit(ctx, p.ID, p.Revision, "stale")
	assert.ErrorIs(t, err, plan.ErrConcurrentEdit)
}

func TestComputeVersionID_ContentAddressed(t *testing.T) {
	// Same parent + number + settings always hash to the same id; any
	// difference changes it.
	s := baseSettings()

	a, err := plan.ComputeVersionID("v_parent", 2, s)
	require.NoError(t, err)
	b, err := plan.ComputeVersionID("v_parent", 2, s)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	s.Dialect.Delimiter = ";"
	c, err := plan.ComputeVersionID("v_parent", 2, s)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestVersion_ReturnedCopyDoesNotAliasStore(t *testing.T) {
	// GIVEN: A committed version
	// WHEN: The caller mutates the returned settings
	// THEN: The stored version is unchanged. Versions are immutable.

	store := plan.NewMemory()
	ctx := context.Background()
	p := newPlan(t, store)

	v, err := store.Commit(ctx, p.ID, p.Revision, "initial")
	require.NoError(t, err)

	v.Settings.Schema.Fields[0].Name = "mutated"

	fresh, err := store.Version(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "date", fresh.Settings.Schema.Fields[0].Name)
}

// =============================================================================
// FORK
// =============================================================================

func TestFork_SeedsWorkingCopyAndStaysIndependent(t *testing.T) {
	store := plan.NewMemory()
	ctx := context.Background()
	p := newPlan(t, store)

	v, err := store.Commit(ctx, p.ID, p.Revision, "initial")
	require.NoError(t, err)

	fork, err := store.Fork(ctx, v.ID, "inst-2")
	require.NoError(t, err)
	assert.Equal(t, v.ID, fork.ForkedFrom)
	assert.Equal(t, "inst-2", fork.InstitutionID)
	assert.Empty(t, fork.Head, "fork has no committed versions of its own")
	assert.Equal(t, v.Settings, fork.Working)

	// Editing the fork leaves the original untouched.
	_, err = store.Edit(ctx, fork.ID, fork.Revision, delimiterPatch("|"))
	require.NoError(t, err)

	orig, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, orig.Working.Dialect.Delimiter)
}

func TestFork_UnknownVersion(t *testing.T) {
	store := plan.NewMemory()
	_, err := store.Fork(context.Background(), "v_missing", "inst-2")
	assert.ErrorIs(t, err, plan.ErrVersionNotFound)
}
