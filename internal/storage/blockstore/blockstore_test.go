package blockstore_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage/blockstore"
	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

func openStore(t *testing.T) *blockstore.FlatFS {
	t.Helper()
	store, err := blockstore.OpenFlatFS(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	data := []byte("hello world")
	c := cidutil.Compute(data)

	require.NoError(t, store.Put(ctx, c, data))

	got, err := store.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPut_Idempotent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	data := []byte("same bytes")
	c := cidutil.Compute(data)

	require.NoError(t, store.Put(ctx, c, data))
	require.NoError(t, store.Put(ctx, c, data), "re-writing identical bytes is a no-op success")
}

func TestPut_MismatchedBytes(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	c := cidutil.Compute([]byte("original"))

	err := store.Put(ctx, c, []byte("different"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, blockstore.ErrInvalidBlockContent))
	assert.Equal(t, tcerr.KindBodyMismatch, tcerr.KindOf(err))

	ok, err := store.Has(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok, "no corruption: nothing stored under the mismatched cid")
}

func TestGet_NotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.Get(context.Background(), cidutil.Compute([]byte("absent")))
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestDelete(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	data := []byte("to delete")
	c := cidutil.Compute(data)

	require.NoError(t, store.Put(ctx, c, data))
	require.NoError(t, store.Delete(ctx, c))

	ok, err := store.Has(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIterPrefix(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var want []string
	for _, s := range []string{"one", "two", "three"} {
		data := []byte(s)
		c := cidutil.Compute(data)
		require.NoError(t, store.Put(ctx, c, data))
		want = append(want, cidutil.Format(c))
	}

	var got []string
	err := store.IterPrefix(ctx, "b", func(c cid.Cid) error {
		got = append(got, cidutil.Format(c))
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)

	var none []string
	err = store.IterPrefix(ctx, "zzz", func(c cid.Cid) error {
		none = append(none, cidutil.Format(c))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCached(t *testing.T) {
	store := blockstore.WithCache(openStore(t), 16)
	ctx := context.Background()
	data := []byte("cached bytes")
	c := cidutil.Compute(data)

	require.NoError(t, store.Put(ctx, c, data))

	got, err := store.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Delete through the wrapper, then the cache must not resurrect it.
	require.NoError(t, store.Delete(ctx, c))
	_, err = store.Get(ctx, c)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestSweep(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	keep := []byte("referenced")
	drop := []byte("orphaned")
	keepCID := cidutil.Compute(keep)
	dropCID := cidutil.Compute(drop)
	require.NoError(t, store.Put(ctx, keepCID, keep))
	require.NoError(t, store.Put(ctx, dropCID, drop))

	removed, err := blockstore.Sweep(ctx, store, func(ctx context.Context, c cid.Cid) (bool, error) {
		return cidutil.Equals(c, keepCID), nil
	}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := store.Has(ctx, keepCID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Has(ctx, dropCID)
	require.NoError(t, err)
	assert.False(t, ok)
}
