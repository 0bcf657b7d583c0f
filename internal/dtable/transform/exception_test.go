package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	_ "github.com/nathansgreen/anvil/internal/dtable/sstable" // registers simple_dtable
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

func TestExceptionDtableRoutesToStoreClass(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mem := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	require.NoError(t, mem.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("one")), false))
	it, err := mem.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	config := params.NewTree()
	config.Set("store", params.Value{Kind: params.ClassDT, Class: "simple_dtable"})
	config.Set("store_config", params.Value{Kind: params.Config, Sub: params.NewTree()})

	f := exceptionFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", config, it, nil)
	require.NoError(t, err)
	defer tbl.Close()

	v, err := tbl.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.Equal(t, "one", v.String())

	reopened, err := f.Open(ctx, dir, config)
	require.NoError(t, err)
	defer reopened.Close()
	v, err = reopened.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.Equal(t, "one", v.String())
}
