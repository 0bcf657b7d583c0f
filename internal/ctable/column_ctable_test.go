package ctable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/anverr"
	_ "github.com/nathansgreen/anvil/internal/dtable/manageddtable" // registers managed_dtable
	_ "github.com/nathansgreen/anvil/internal/dtable/sstable"       // registers simple_dtable
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

func columnCtableConfig(t *testing.T) *params.Tree {
	t.Helper()
	tree := params.NewTree()
	tree.Set("column_count", params.Value{Kind: params.Int, Int: 2})
	tree.Set("column0_name", params.Value{Kind: params.String, Str: "name"})
	tree.Set("column0", params.Value{Kind: params.ClassDT, Class: "managed_dtable"})
	tree.Set("column0_config", params.Value{Kind: params.Config, Sub: rowsConfig(t)})
	tree.Set("column1_name", params.Value{Kind: params.String, Str: "age"})
	tree.Set("column1", params.Value{Kind: params.ClassDT, Class: "managed_dtable"})
	tree.Set("column1_config", params.Value{Kind: params.Config, Sub: rowsConfig(t)})
	return tree
}

func TestColumnCtableGetSetRemove(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f := columnCtableFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", columnCtableConfig(t))
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Set(ctx, dtype.U32Key(1), "name", dtype.NewBlob([]byte("alice"))))
	require.NoError(t, tbl.Set(ctx, dtype.U32Key(1), "age", dtype.NewBlob([]byte("30"))))

	v, err := tbl.Get(ctx, dtype.U32Key(1), "name")
	require.NoError(t, err)
	require.Equal(t, "alice", v.String())

	require.NoError(t, tbl.Remove(ctx, dtype.U32Key(1), "name"))
	_, err = tbl.Get(ctx, dtype.U32Key(1), "name")
	require.True(t, anverr.Is(err, anverr.NotFound))

	v, err = tbl.Get(ctx, dtype.U32Key(1), "age")
	require.NoError(t, err)
	require.Equal(t, "30", v.String())
}

func TestColumnCtableRemoveRowClearsEveryColumn(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f := columnCtableFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", columnCtableConfig(t))
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Set(ctx, dtype.U32Key(2), "name", dtype.NewBlob([]byte("bob"))))
	require.NoError(t, tbl.Set(ctx, dtype.U32Key(2), "age", dtype.NewBlob([]byte("40"))))

	require.NoError(t, tbl.RemoveRow(ctx, dtype.U32Key(2)))

	_, err = tbl.Get(ctx, dtype.U32Key(2), "name")
	require.True(t, anverr.Is(err, anverr.NotFound))
	_, err = tbl.Get(ctx, dtype.U32Key(2), "age")
	require.True(t, anverr.Is(err, anverr.NotFound))
}

func TestColumnCtableIteratorSkipsRowsMissingPrimary(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f := columnCtableFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", columnCtableConfig(t))
	require.NoError(t, err)
	defer tbl.Close()

	require.NoError(t, tbl.Set(ctx, dtype.U32Key(1), "name", dtype.NewBlob([]byte("a"))))
	require.NoError(t, tbl.Set(ctx, dtype.U32Key(1), "age", dtype.NewBlob([]byte("1"))))
	// key 2 only has the non-primary column set; the primary column
	// (index 0, "name") never has an entry for it, so it must not
	// surface from iteration.
	require.NoError(t, tbl.Set(ctx, dtype.U32Key(2), "age", dtype.NewBlob([]byte("2"))))

	it, err := tbl.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	seen := map[uint32]bool{}
	for ok := it.First(); ok; ok = it.Next() {
		_, err := it.Value()
		require.NoError(t, err)
		seen[it.Key().U32()] = true
	}
	require.True(t, seen[1])
	require.False(t, seen[2])
}

func TestColumnCtableReopenPreservesMetadata(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f := columnCtableFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", columnCtableConfig(t))
	require.NoError(t, err)
	require.NoError(t, tbl.Set(ctx, dtype.U32Key(3), "name", dtype.NewBlob([]byte("c"))))
	tbl.Close()

	reopened, err := f.Open(ctx, dir, columnCtableConfig(t))
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, []string{"name", "age"}, reopened.Columns())
	v, err := reopened.Get(ctx, dtype.U32Key(3), "name")
	require.NoError(t, err)
	require.Equal(t, "c", v.String())
}
