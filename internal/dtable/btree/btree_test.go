package btree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	"github.com/nathansgreen/anvil/internal/dtable/sstable"
	"github.com/nathansgreen/anvil/internal/dtype"
)

// buildBase writes an sstable over entries and returns it opened, used
// as the indexed base every test builds an index over.
func buildBase(t *testing.T, kt dtype.KeyType, entries map[dtype.Key]string) *sstable.Table {
	t.Helper()
	ctx := context.Background()
	mem := memtable.New(kt, memtable.TombstoneOnRemove)
	for k, v := range entries {
		require.NoError(t, mem.Insert(ctx, k, dtype.NewBlob([]byte(v)), false))
	}
	it, err := mem.Iterator(ctx)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "base.sdt")
	require.NoError(t, sstable.Write(ctx, path, kt, "", it, nil))
	tbl, err := sstable.Open(path)
	require.NoError(t, err)
	return tbl
}

func buildIndex(t *testing.T, kt dtype.KeyType, base *sstable.Table) *Table {
	t.Helper()
	ctx := context.Background()
	it, err := base.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()
	path := filepath.Join(t.TempDir(), "index.bti")
	require.NoError(t, Write(ctx, path, kt, "", it))
	idx, err := Open(path, base)
	require.NoError(t, err)
	return idx
}

func TestLookupMatchesBase(t *testing.T) {
	base := buildBase(t, dtype.U32, map[dtype.Key]string{
		dtype.U32Key(10): "j",
		dtype.U32Key(3):  "c",
		dtype.U32Key(7):  "g",
		dtype.U32Key(1):  "a",
	})
	defer base.Close()
	idx := buildIndex(t, dtype.U32, base)
	defer idx.Close()

	ctx := context.Background()
	require.Equal(t, 4, idx.Count())
	v, err := idx.Lookup(ctx, dtype.U32Key(7))
	require.NoError(t, err)
	require.Equal(t, "g", v.String())

	_, err = idx.Lookup(ctx, dtype.U32Key(42))
	require.Error(t, err)
}

func TestIterationOrderAcrossManyLeafPages(t *testing.T) {
	entries := make(map[dtype.Key]string)
	for i := uint32(0); i < 2000; i++ {
		entries[dtype.U32Key(i)] = "v"
	}
	base := buildBase(t, dtype.U32, entries)
	defer base.Close()
	idx := buildIndex(t, dtype.U32, base)
	defer idx.Close()

	ctx := context.Background()
	it, err := idx.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	pairs, err := dtable.Collect(it)
	require.NoError(t, err)
	require.Len(t, pairs, 2000)
	for i, p := range pairs {
		require.Equal(t, uint32(i), p.Key.U32())
	}
}

func TestLastAndPrevWalkBackward(t *testing.T) {
	entries := make(map[dtype.Key]string)
	for i := uint32(0); i < 500; i++ {
		entries[dtype.U32Key(i)] = "v"
	}
	base := buildBase(t, dtype.U32, entries)
	defer base.Close()
	idx := buildIndex(t, dtype.U32, base)
	defer idx.Close()

	ctx := context.Background()
	it, err := idx.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Last())
	require.Equal(t, uint32(499), it.Key().U32())

	count := 1
	for it.Prev() {
		count++
	}
	require.Equal(t, 500, count)
}

func TestSeekFindsFirstGreaterOrEqual(t *testing.T) {
	base := buildBase(t, dtype.U32, map[dtype.Key]string{
		dtype.U32Key(1): "a",
		dtype.U32Key(5): "e",
		dtype.U32Key(9): "i",
	})
	defer base.Close()
	idx := buildIndex(t, dtype.U32, base)
	defer idx.Close()

	ctx := context.Background()
	it, err := idx.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Seek(dtype.U32Key(5)))
	require.Equal(t, uint32(5), it.Key().U32())

	require.False(t, it.Seek(dtype.U32Key(6)))
	require.Equal(t, uint32(9), it.Key().U32())
}

func TestStringKeyIndex(t *testing.T) {
	base := buildBase(t, dtype.String, map[dtype.Key]string{
		dtype.StringKey("banana"):    "yellow",
		dtype.StringKey("apple"):     "red",
		dtype.StringKey("appliance"): "steel",
		dtype.StringKey("cherry"):    "dark red",
	})
	defer base.Close()
	idx := buildIndex(t, dtype.String, base)
	defer idx.Close()

	ctx := context.Background()
	v, err := idx.Lookup(ctx, dtype.StringKey("appliance"))
	require.NoError(t, err)
	require.Equal(t, "steel", v.String())

	v, err = idx.Lookup(ctx, dtype.StringKey("apple"))
	require.NoError(t, err)
	require.Equal(t, "red", v.String())

	it, err := idx.Iterator(ctx)
	require.NoError(t, err)
	defer it.Close()
	pairs, err := dtable.Collect(it)
	require.NoError(t, err)
	require.Len(t, pairs, 4)
	require.Equal(t, "apple", pairs[0].Key.Str())
	require.Equal(t, "appliance", pairs[1].Key.Str())
	require.Equal(t, "banana", pairs[2].Key.Str())
	require.Equal(t, "cherry", pairs[3].Key.Str())
}

func TestEmptyBaseProducesEmptyIndex(t *testing.T) {
	base := buildBase(t, dtype.U32, map[dtype.Key]string{})
	defer base.Close()
	idx := buildIndex(t, dtype.U32, base)
	defer idx.Close()

	require.Equal(t, 0, idx.Count())
	it, err := idx.Iterator(context.Background())
	require.NoError(t, err)
	defer it.Close()
	require.False(t, it.First())
	require.False(t, it.Last())
}
