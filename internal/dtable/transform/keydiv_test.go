package transform

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	_ "github.com/nathansgreen/anvil/internal/dtable/sstable" // registers simple_dtable
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

func keydivConfig(t *testing.T, dividers []uint32) *params.Tree {
	t.Helper()
	n := len(dividers) + 1
	tree := params.NewTree()
	tree.Set("shard_count", params.Value{Kind: params.Int, Int: int64(n)})
	for i := 0; i < n; i++ {
		tree.Set(shardName(i), params.Value{Kind: params.ClassDT, Class: "simple_dtable"})
		tree.Set(shardName(i)+"_config", params.Value{Kind: params.Config, Sub: params.NewTree()})
	}
	for i, d := range dividers {
		tree.Set(dividerName(i), params.Value{Kind: params.Int, Int: int64(d)})
	}
	return tree
}

func shardName(i int) string   { return "shard" + strconv.Itoa(i) }
func dividerName(i int) string { return "divider" + strconv.Itoa(i) }

func buildKeydivSource(t *testing.T, entries map[uint32]string) dtable.Iterator {
	t.Helper()
	mem := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	ctx := context.Background()
	for k, v := range entries {
		require.NoError(t, mem.Insert(ctx, dtype.U32Key(k), dtype.NewBlob([]byte(v)), false))
	}
	it, err := mem.Iterator(ctx)
	require.NoError(t, err)
	return it
}

func TestKeydivRoutesPointLookupsToShard(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildKeydivSource(t, map[uint32]string{
		1: "a", 5: "e", 10: "j", 20: "t", 99: "zz",
	})

	f := keydivFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", keydivConfig(t, []uint32{10, 50}), src, nil)
	require.NoError(t, err)
	defer tbl.Close()

	for k, want := range map[uint32]string{1: "a", 5: "e", 10: "j", 20: "t", 99: "zz"} {
		v, err := tbl.Lookup(ctx, dtype.U32Key(k))
		require.NoError(t, err)
		require.Equal(t, want, v.String())
	}
}

func TestKeydivIteratorYieldsGlobalOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	entries := map[uint32]string{99: "i", 1: "a", 50: "f", 10: "b", 49: "e", 51: "g", 5: "c"}
	src := buildKeydivSource(t, entries)

	f := keydivFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", keydivConfig(t, []uint32{10, 50}), src, nil)
	require.NoError(t, err)
	defer tbl.Close()

	it, err := tbl.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	pairs, err := dtable.Collect(it)
	require.NoError(t, err)
	require.Len(t, pairs, len(entries))
	for i := 1; i < len(pairs); i++ {
		require.True(t, pairs[i-1].Key.U32() < pairs[i].Key.U32())
	}
}

func TestKeydivReopenKeepsShards(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildKeydivSource(t, map[uint32]string{3: "c", 30: "dd"})

	f := keydivFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", keydivConfig(t, []uint32{10}), src, nil)
	require.NoError(t, err)
	tbl.Close()

	reopened, err := f.Open(ctx, dir, keydivConfig(t, []uint32{10}))
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Lookup(ctx, dtype.U32Key(3))
	require.NoError(t, err)
	require.Equal(t, "c", v.String())
	v, err = reopened.Lookup(ctx, dtype.U32Key(30))
	require.NoError(t, err)
	require.Equal(t, "dd", v.String())
}
