package journaldtable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/sysjournal"
)

func TestInsertLookupAndReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := sysjournal.Open(dir)
	require.NoError(t, err)
	tbl := New(dtype.U32, 1, j)

	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a"))))
	require.NoError(t, tbl.Insert(ctx, dtype.U32Key(2), dtype.NewBlob([]byte("b"))))
	require.NoError(t, tbl.Remove(ctx, dtype.U32Key(1)))

	v, err := tbl.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.False(t, v.Exists())

	v, err = tbl.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)
	require.Equal(t, "b", v.String())

	j2, err := sysjournal.Open(dir)
	require.NoError(t, err)
	tbl2 := New(dtype.U32, 1, j2)
	require.NoError(t, j2.Playback(true))

	v, err = tbl2.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)
	require.Equal(t, "b", v.String())
	require.False(t, tbl2.Empty())
}

func TestEmptyAfterNoInserts(t *testing.T) {
	dir := t.TempDir()
	j, err := sysjournal.Open(dir)
	require.NoError(t, err)
	tbl := New(dtype.U32, 1, j)
	require.True(t, tbl.Empty())
}
