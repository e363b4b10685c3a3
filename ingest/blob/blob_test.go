package blob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ingest/blob"
)

func TestMemory_PutGet_Roundtrip(t *testing.T) {
	store := blob.NewMemory()
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("Date,Amount\n2024-01-02,10.00\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ID)
	assert.Len(t, ref.Checksum, 64)

	content, err := store.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "Date,Amount\n2024-01-02,10.00\n", string(content))
}

func TestMemory_Get_Missing(t *testing.T) {
	store := blob.NewMemory()
	_, err := store.Get(context.Background(), "no-such-blob")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestMemory_Get_DetectsCorruption(t *testing.T) {
	// GIVEN: Stored bytes silently changed after put
	// THEN: Get refuses to return them

	store := blob.NewMemory()
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("original"))
	require.NoError(t, err)

	store.Corrupt(ref.ID, []byte("tampered"))

	_, err = store.Get(ctx, ref.ID)
	assert.ErrorIs(t, err, blob.ErrChecksumMismatch)
}

func TestMemory_Put_CopiesContent(t *testing.T) {
	// Mutating the caller's slice after Put must not reach the store.
	store := blob.NewMemory()
	ctx := context.Background()

	content := []byte("immutable")
	ref, err := store.Put(ctx, content)
	require.NoError(t, err)

	content[0] = 'X'

	got, err := store.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "immutable", string(got))
}
