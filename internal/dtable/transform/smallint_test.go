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

func u32Blob(v uint32) dtype.Blob {
	buf := make([]byte, 4)
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	return dtype.NewBlob(buf)
}

func buildSmallintSource(t *testing.T, entries map[uint32]uint32) dtable.Iterator {
	t.Helper()
	mem := memtable.New(dtype.U32, memtable.TombstoneOnRemove)
	ctx := context.Background()
	for k, v := range entries {
		require.NoError(t, mem.Insert(ctx, dtype.U32Key(k), u32Blob(v), false))
	}
	it, err := mem.Iterator(ctx)
	require.NoError(t, err)
	return it
}

func smallintConfigNoExceptions(t *testing.T, bytesN int64) *params.Tree {
	t.Helper()
	tree := params.NewTree()
	tree.Set("bytes", params.Value{Kind: params.Int, Int: bytesN})
	tree.Set("base", params.Value{Kind: params.ClassDT, Class: "simple_dtable"})
	tree.Set("base_config", params.Value{Kind: params.Config, Sub: params.NewTree()})
	return tree
}

func smallintConfigWithExceptions(t *testing.T, bytesN int64) *params.Tree {
	t.Helper()
	tree := smallintConfigNoExceptions(t, bytesN)
	excConfig := params.NewTree()
	excConfig.Set("store", params.Value{Kind: params.ClassDT, Class: "simple_dtable"})
	excConfig.Set("store_config", params.Value{Kind: params.Config, Sub: params.NewTree()})
	tree.Set("exceptions", params.Value{Kind: params.ClassDT, Class: "exception_dtable"})
	tree.Set("exceptions_config", params.Value{Kind: params.Config, Sub: excConfig})
	return tree
}

func TestSmallintRoundTripsInRangeValues(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildSmallintSource(t, map[uint32]uint32{1: 0, 2: 1, 3: 255})

	f := smallintFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", smallintConfigNoExceptions(t, 1), src, nil)
	require.NoError(t, err)
	defer tbl.Close()

	v, err := tbl.Lookup(ctx, dtype.U32Key(3))
	require.NoError(t, err)
	require.Equal(t, uint32(255), u32Of(v))
}

func u32Of(v dtype.Blob) uint32 {
	b := v.Bytes()
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestSmallintRejectsOutOfRangeWithoutExceptions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildSmallintSource(t, map[uint32]uint32{1: 256})

	f := smallintFactory{}
	_, err := f.Create(ctx, dir, dtype.U32, "", smallintConfigNoExceptions(t, 1), src, nil)
	require.Error(t, err)
}

func TestSmallintExceptionSideTableHoldsOutOfRangeValues(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := buildSmallintSource(t, map[uint32]uint32{1: 5, 2: 70000})

	f := smallintFactory{}
	tbl, err := f.Create(ctx, dir, dtype.U32, "", smallintConfigWithExceptions(t, 1), src, nil)
	require.NoError(t, err)
	defer tbl.Close()

	v, err := tbl.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.Equal(t, uint32(5), u32Of(v))

	v, err = tbl.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)
	require.Equal(t, uint32(70000), u32Of(v))
}
