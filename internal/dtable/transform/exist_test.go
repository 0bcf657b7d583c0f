package transform

import (
	"context"
	"testing"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	_ "github.com/nathansgreen/anvil/internal/dtable/sstable" // registers simple_dtable
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

func existConfig(t *testing.T) *params.Tree {
	t.Helper()
	tree := params.NewTree()
	tree.Set("base", params.Value{Kind: params.ClassDT, Class: "simple_dtable"})
	tree.Set("base_config", params.Value{Kind: params.Config, Sub: params.NewTree()})
	tree.Set("dnebase", params.Value{Kind: params.ClassDT, Class: "simple_dtable"})
	tree.Set("dnebase_config", params.Value{Kind: params.Config, Sub: params.NewTree()})
	return tree
}

func buildExistSource(t *testing.T, present map[uint32]string, dne []uint32) dtable.Iterator {
	t.Helper()
	mem := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	ctx := context.Background()
	for k, v := range present {
		require.NoError(t, mem.Insert(ctx, dtype.U32Key(k), dtype.NewBlob([]byte(v)), false))
	}
	for _, k := range dne {
		require.NoError(t, mem.Insert(ctx, dtype.U32Key(k), dtype.DNE, false))
	}
	it, err := mem.Iterator(ctx)
	require.NoError(t, err)
	return it
}

func TestExistLookupDistinguishesPresentAndDne(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildExistSource(t, map[uint32]string{1: "a", 2: "b"}, []uint32{3, 4})

	f := existFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", existConfig(t), src, nil)
	require.NoError(t, err)
	defer tbl.Close()

	v, err := tbl.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.Equal(t, "a", v.String())

	_, err = tbl.Lookup(ctx, dtype.U32Key(3))
	require.Error(t, err)
	require.True(t, anverr.Is(err, anverr.NotFound))

	_, err = tbl.Lookup(ctx, dtype.U32Key(99))
	require.Error(t, err)
	require.True(t, anverr.Is(err, anverr.NotFound))
}

func TestExistIteratorSkipsTombstonesByDefault(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildExistSource(t, map[uint32]string{1: "a", 5: "e"}, []uint32{2, 3})

	f := existFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", existConfig(t), src, nil)
	require.NoError(t, err)
	defer tbl.Close()

	it, err := tbl.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	pairs, err := dtable.Collect(it)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, uint32(1), pairs[0].Key.U32())
	require.Equal(t, uint32(5), pairs[1].Key.U32())
}

func TestExistReopenPreservesSplit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildExistSource(t, map[uint32]string{7: "g"}, []uint32{8})

	f := existFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", existConfig(t), src, nil)
	require.NoError(t, err)
	tbl.Close()

	reopened, err := f.Open(ctx, dir, existConfig(t))
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Lookup(ctx, dtype.U32Key(7))
	require.NoError(t, err)
	require.Equal(t, "g", v.String())

	_, err = reopened.Lookup(ctx, dtype.U32Key(8))
	require.Error(t, err)
	require.True(t, anverr.Is(err, anverr.NotFound))
}
