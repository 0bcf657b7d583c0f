package memtable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
)

func TestInsertLookupOrder(t *testing.T) {
	ctx := context.Background()
	tbl := New(dtype.U32, TombstoneOnRemove)

	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(2), dtype.NewBlob([]byte("b")), false))
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a")), false))
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(3), dtype.NewBlob([]byte("c")), true))

	v, err := tbl.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)
	require.Equal(t, "b", v.String())

	it, err := tbl.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	pairs, err := dtable.Collect(it)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	require.Equal(t, uint32(1), pairs[0].Key.U32())
	require.Equal(t, uint32(2), pairs[1].Key.U32())
	require.Equal(t, uint32(3), pairs[2].Key.U32())
}

func TestInsertDNEEquivalentToRemove(t *testing.T) {
	ctx := context.Background()
	tbl := New(dtype.U32, TombstoneOnRemove)
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a")), false))
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(1), dtype.DNE, false))

	v, err := tbl.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.False(t, v.Exists())
}

func TestTombstoneVsFullRemove(t *testing.T) {
	ctx := context.Background()

	tomb := New(dtype.U32, TombstoneOnRemove)
	require.NoError(t, tomb.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a")), false))
	require.NoError(t, tomb.Remove(ctx, dtype.U32Key(1)))
	require.True(t, tomb.Present(dtype.U32Key(1)))
	v, err := tomb.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.False(t, v.Exists())

	full := New(dtype.U32, FullRemoveOnRemove)
	require.NoError(t, full.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a")), false))
	require.NoError(t, full.Remove(ctx, dtype.U32Key(1)))
	require.False(t, full.Present(dtype.U32Key(1)))
}

func TestEmptyIteratorInvalidImmediately(t *testing.T) {
	ctx := context.Background()
	tbl := New(dtype.U32, TombstoneOnRemove)
	it, err := tbl.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()
	require.False(t, it.First())
	require.False(t, it.Valid())
}

func TestSeekPastEndThenPrevRecoversLast(t *testing.T) {
	ctx := context.Background()
	tbl := New(dtype.U32, TombstoneOnRemove)
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, tbl.Insert(ctx, dtype.U32Key(i), dtype.NewBlob([]byte{byte(i)}), true))
	}
	it, err := tbl.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	it.Seek(dtype.U32Key(100))
	require.False(t, it.Valid())
	require.True(t, it.Prev())
	require.Equal(t, uint32(3), it.Key().U32())
}

func TestMaxKeyTracksAppends(t *testing.T) {
	ctx := context.Background()
	tbl := New(dtype.U32, TombstoneOnRemove)
	_, ok := tbl.MaxKey()
	require.False(t, ok)

	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(5), dtype.NewBlob([]byte("x")), true))
	max, ok := tbl.MaxKey()
	require.True(t, ok)
	require.Equal(t, uint32(5), max.U32())

	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(2), dtype.NewBlob([]byte("y")), false))
	max, _ = tbl.MaxKey()
	require.Equal(t, uint32(5), max.U32())
}
