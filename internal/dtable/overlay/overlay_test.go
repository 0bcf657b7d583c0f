package overlay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	"github.com/nathansgreen/anvil/internal/dtype"
)

func TestLookupHighestLayerWins(t *testing.T) {
	ctx := context.Background()
	low := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	high := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	require.NoError(t, low.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("low")), false))
	require.NoError(t, high.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("high")), false))

	o := New(dtype.U32, low, high)
	v, err := o.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.Equal(t, "high", v.String())
}

func TestTombstoneShadowsLowerLayer(t *testing.T) {
	ctx := context.Background()
	low := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	high := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	require.NoError(t, low.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("low")), false))
	require.NoError(t, high.Remove(ctx, dtype.U32Key(1)))

	o := New(dtype.U32, low, high)
	_, err := o.Lookup(ctx, dtype.U32Key(1))
	require.Error(t, err)
}

func TestIteratorMergesAndOrders(t *testing.T) {
	ctx := context.Background()
	low := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	high := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	require.NoError(t, low.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a")), false))
	require.NoError(t, low.Insert(ctx, dtype.U32Key(3), dtype.NewBlob([]byte("c")), false))
	require.NoError(t, high.Insert(ctx, dtype.U32Key(2), dtype.NewBlob([]byte("b")), false))
	require.NoError(t, high.Insert(ctx, dtype.U32Key(3), dtype.NewBlob([]byte("C")), false))

	o := New(dtype.U32, low, high)
	it, err := o.Iterator(ctx)
	require.NoError(t, err)
	pairs, err := dtable.Collect(it)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	require.Equal(t, uint32(1), pairs[0].Key.U32())
	require.Equal(t, "a", pairs[0].Value.String())
	require.Equal(t, uint32(2), pairs[1].Key.U32())
	require.Equal(t, uint32(3), pairs[2].Key.U32())
	require.Equal(t, "C", pairs[2].Value.String())
}

func TestIteratorModeSurfacesTombstones(t *testing.T) {
	ctx := context.Background()
	low := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	high := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	require.NoError(t, low.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a")), false))
	require.NoError(t, high.Remove(ctx, dtype.U32Key(1)))

	o := New(dtype.U32, low, high)

	skipIt, err := o.IteratorMode(ctx, SkipTombstones)
	require.NoError(t, err)
	pairs, err := dtable.Collect(skipIt)
	require.NoError(t, err)
	require.Len(t, pairs, 0)

	surfaceIt, err := o.IteratorMode(ctx, SurfaceTombstones)
	require.NoError(t, err)
	ok := surfaceIt.First()
	require.True(t, ok)
	require.False(t, surfaceIt.Meta().Exists())
}
