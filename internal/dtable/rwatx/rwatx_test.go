package rwatx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	"github.com/nathansgreen/anvil/internal/dtype"
)

// memWritable adapts memtable.Table's 4-arg Insert (it also takes an
// append hint real leaves like journal_dtable don't expose at the
// dtable.Writable boundary) down to the 3-arg Writable contract, so
// tests can exercise rwatx against a plain in-memory base without
// standing up a full journal_dtable.
type memWritable struct{ *memtable.Table }

func (m memWritable) Insert(ctx context.Context, key dtype.Key, value dtype.Blob) error {
	return m.Table.Insert(ctx, key, value, false)
}

var _ dtable.Writable = memWritable{}

func newTestTable() *Table {
	return New(memWritable{memtable.New(dtype.U32, memtable.FullRemoveOnRemove)})
}

func TestConflictingWritesAbortTheLoser(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()

	tx1, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a1 := tx1.(*Atx)

	tx2, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a2 := tx2.(*Atx)

	require.NoError(t, a1.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a"))))

	err = a2.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("b")))
	require.Error(t, err)
	require.True(t, anverr.Is(err, anverr.Busy))
	require.True(t, a2.aborted)

	require.NoError(t, a1.Commit(ctx))

	v, err := tbl.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.Equal(t, "a", v.String())
}

func TestReadThenWriteBySameAtxUpgrades(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(7), dtype.NewBlob([]byte("x"))))

	tx, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a := tx.(*Atx)

	_, err = a.Lookup(ctx, dtype.U32Key(7))
	require.NoError(t, err)

	require.NoError(t, a.Insert(ctx, dtype.U32Key(7), dtype.NewBlob([]byte("y"))))
	require.False(t, a.aborted)
	require.NoError(t, a.Commit(ctx))
}

func TestConcurrentReadersDoNotConflict(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(2), dtype.NewBlob([]byte("z"))))

	tx1, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a1 := tx1.(*Atx)
	tx2, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a2 := tx2.(*Atx)

	_, err = a1.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)
	_, err = a2.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)

	require.False(t, a1.aborted)
	require.False(t, a2.aborted)

	require.NoError(t, a1.Commit(ctx))
	require.NoError(t, a2.Commit(ctx))
}

func TestReaderBlocksOthersWriteUpgrade(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(3), dtype.NewBlob([]byte("q"))))

	tx1, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a1 := tx1.(*Atx)
	tx2, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a2 := tx2.(*Atx)

	_, err = a1.Lookup(ctx, dtype.U32Key(3))
	require.NoError(t, err)

	err = a2.Insert(ctx, dtype.U32Key(3), dtype.NewBlob([]byte("r")))
	require.Error(t, err)
	require.True(t, anverr.Is(err, anverr.Busy))
	require.True(t, a2.aborted)
	require.False(t, a1.aborted)
}

func TestAbortReleasesTagsForOthers(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()

	tx1, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a1 := tx1.(*Atx)
	require.NoError(t, a1.Insert(ctx, dtype.U32Key(9), dtype.NewBlob([]byte("m"))))
	require.NoError(t, a1.Abort(ctx))

	tx2, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a2 := tx2.(*Atx)
	require.NoError(t, a2.Insert(ctx, dtype.U32Key(9), dtype.NewBlob([]byte("n"))))
	require.NoError(t, a2.Commit(ctx))

	v, err := tbl.Lookup(ctx, dtype.U32Key(9))
	require.NoError(t, err)
	require.Equal(t, "n", v.String())
}

func TestIteratorTagsKeysAsReads(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(4), dtype.NewBlob([]byte("p"))))
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(5), dtype.NewBlob([]byte("s"))))

	tx1, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a1 := tx1.(*Atx)

	it, err := a1.Iterator(ctx)
	require.NoError(t, err)
	for ok := it.First(); ok; ok = it.Next() {
		_ = it.Key()
		_, err := it.Value()
		require.NoError(t, err)
	}
	require.NoError(t, it.Close())

	tx2, err := tbl.CreateTx(ctx)
	require.NoError(t, err)
	a2 := tx2.(*Atx)

	err = a2.Insert(ctx, dtype.U32Key(4), dtype.NewBlob([]byte("over")))
	require.Error(t, err)
	require.True(t, anverr.Is(err, anverr.Busy))
}
