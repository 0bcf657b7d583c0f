package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	_ "github.com/nathansgreen/anvil/internal/dtable/sstable" // registers simple_dtable
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

func deltaintConfig(t *testing.T, skip int64) *params.Tree {
	t.Helper()
	tree := params.NewTree()
	tree.Set("skip", params.Value{Kind: params.Int, Int: skip})
	tree.Set("base", params.Value{Kind: params.ClassDT, Class: "simple_dtable"})
	tree.Set("base_config", params.Value{Kind: params.Config, Sub: params.NewTree()})
	tree.Set("ref", params.Value{Kind: params.ClassDT, Class: "simple_dtable"})
	tree.Set("ref_config", params.Value{Kind: params.Config, Sub: params.NewTree()})
	return tree
}

func buildDeltaintSource(t *testing.T, seq []uint32) dtable.Iterator {
	t.Helper()
	mem := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	ctx := context.Background()
	for i, v := range seq {
		require.NoError(t, mem.Insert(ctx, dtype.U32Key(uint32(i)), encodeU32(v), false))
	}
	it, err := mem.Iterator(ctx)
	require.NoError(t, err)
	return it
}

func TestDeltaintLookupReconstructsSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seq := []uint32{10, 10, 15, 15, 15, 100, 250, 250, 1000}
	src := buildDeltaintSource(t, seq)

	f := deltaintFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", deltaintConfig(t, 3), src, nil)
	require.NoError(t, err)
	defer tbl.Close()

	for i, want := range seq {
		v, err := tbl.Lookup(ctx, dtype.U32Key(uint32(i)))
		require.NoError(t, err)
		got, ok := decodeU32(v)
		require.True(t, ok)
		require.Equal(t, want, got, "position %d", i)
	}
}

func TestDeltaintIteratorAccumulatesForward(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seq := []uint32{0, 5, 5, 20, 21, 21, 21, 99}
	src := buildDeltaintSource(t, seq)

	f := deltaintFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", deltaintConfig(t, 4), src, nil)
	require.NoError(t, err)
	defer tbl.Close()

	it, err := tbl.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	i := 0
	for ok := it.First(); ok; ok = it.Next() {
		v, err := it.Value()
		require.NoError(t, err)
		got, ok := decodeU32(v)
		require.True(t, ok)
		require.Equal(t, seq[i], got, "position %d", i)
		i++
	}
	require.Equal(t, len(seq), i)
}

func TestDeltaintRejectsDecreasingSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildDeltaintSource(t, []uint32{10, 5})

	f := deltaintFactory{}
	_, err := f.Create(ctx, dir, dtype.U32, "", deltaintConfig(t, 2), src, nil)
	require.Error(t, err)
}
