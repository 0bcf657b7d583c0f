package manageddtable

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/nathansgreen/anvil/internal/dtable/sstable" // registers simple_dtable
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

func simpleConfig(t *testing.T) *params.Tree {
	t.Helper()
	tree, err := params.Parse(`config [
		"base" class(dt) simple_dtable
		"base_config" config [ ]
		"combine_count" int 2
		"digest_interval_seconds" int 0
		"combine_interval_seconds" int 0
	]`)
	require.NoError(t, err)
	return tree
}

func TestCreateInsertLookupAndDigest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := Create(ctx, dir, dtype.U32, simpleConfig(t))
	require.NoError(t, err)

	require.NoError(t, m.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a"))))
	require.NoError(t, m.Insert(ctx, dtype.U32Key(2), dtype.NewBlob([]byte("b"))))

	v, err := m.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.Equal(t, "a", v.String())

	require.Equal(t, 0, m.DiskCount())
	require.NoError(t, m.Digest(ctx))
	require.Equal(t, 1, m.DiskCount())

	v, err = m.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)
	require.Equal(t, "b", v.String())

	require.NoError(t, m.Close())
}

func TestReopenSurvivesDigest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := Create(ctx, dir, dtype.U32, simpleConfig(t))
	require.NoError(t, err)
	require.NoError(t, m.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a"))))
	require.NoError(t, m.Digest(ctx))
	require.NoError(t, m.Insert(ctx, dtype.U32Key(2), dtype.NewBlob([]byte("b"))))
	require.NoError(t, m.Close())

	m2, err := Open(ctx, dir, simpleConfig(t))
	require.NoError(t, err)
	defer m2.Close()

	v, err := m2.Lookup(ctx, dtype.U32Key(1))
	require.NoError(t, err)
	require.Equal(t, "a", v.String())
	v, err = m2.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)
	require.Equal(t, "b", v.String())
	require.Equal(t, 1, m2.DiskCount())
}

func TestCombineMergesDisksAndDropsShadowedTombstone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := Create(ctx, dir, dtype.U32, simpleConfig(t))
	require.NoError(t, err)

	require.NoError(t, m.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a"))))
	require.NoError(t, m.Digest(ctx))

	require.NoError(t, m.Remove(ctx, dtype.U32Key(1)))
	require.NoError(t, m.Insert(ctx, dtype.U32Key(2), dtype.NewBlob([]byte("b"))))
	require.NoError(t, m.Digest(ctx))

	require.Equal(t, 2, m.DiskCount())
	require.NoError(t, m.Combine(ctx, 0, 1))
	require.Equal(t, 1, m.DiskCount())

	_, err = m.Lookup(ctx, dtype.U32Key(1))
	require.Error(t, err)
	v, err := m.Lookup(ctx, dtype.U32Key(2))
	require.NoError(t, err)
	require.Equal(t, "b", v.String())

	require.NoError(t, m.Close())
}

func TestMaintainRunsDigestAndCombineUnderForce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := Create(ctx, dir, dtype.U32, simpleConfig(t))
	require.NoError(t, err)

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, m.Insert(ctx, dtype.U32Key(i), dtype.NewBlob([]byte{byte(i)})))
		require.NoError(t, m.Maintain(ctx, true))
	}

	require.LessOrEqual(t, m.DiskCount(), 2)
	for i := uint32(1); i <= 3; i++ {
		v, err := m.Lookup(ctx, dtype.U32Key(i))
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, v.Bytes())
	}
	require.NoError(t, m.Close())
}

func TestManagedDtableDirLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := Create(ctx, dir, dtype.U32, simpleConfig(t))
	require.NoError(t, err)
	require.NoError(t, m.Insert(ctx, dtype.U32Key(1), dtype.NewBlob([]byte("a"))))
	require.NoError(t, m.Digest(ctx))
	require.NoError(t, m.Close())

	require.FileExists(t, metaPath(dir))
	require.FileExists(t, filepath.Join(dir, journalSubdir, "sys_journal.meta"))
	require.DirExists(t, diskDir(dir, 0))
}
