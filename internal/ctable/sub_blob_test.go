package ctable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtype"
)

func TestSubBlobRoundTripsColumns(t *testing.T) {
	sb := NewSubBlob()
	require.NoError(t, sb.Set("name", dtype.NewBlob([]byte("alice"))))
	require.NoError(t, sb.Set("age", dtype.NewBlob([]byte("30"))))

	flat := sb.Flatten()
	decoded, err := DecodeSubBlob(flat)
	require.NoError(t, err)

	require.Equal(t, "alice", decoded.Get("name").String())
	require.Equal(t, "30", decoded.Get("age").String())
	require.False(t, decoded.Get("missing").Exists())
	require.ElementsMatch(t, []string{"name", "age"}, decoded.Columns())
}

func TestSubBlobRemoveDropsColumnOnFlatten(t *testing.T) {
	sb := NewSubBlob()
	require.NoError(t, sb.Set("a", dtype.NewBlob([]byte("1"))))
	require.NoError(t, sb.Set("b", dtype.NewBlob([]byte("2"))))
	sb.Remove("a")

	flat := sb.Flatten()
	decoded, err := DecodeSubBlob(flat)
	require.NoError(t, err)

	require.False(t, decoded.Get("a").Exists())
	require.Equal(t, "2", decoded.Get("b").String())
	require.Equal(t, []string{"b"}, decoded.Columns())
}

func TestSubBlobEmptyAfterRemovingEveryColumn(t *testing.T) {
	sb := NewSubBlob()
	require.NoError(t, sb.Set("only", dtype.NewBlob([]byte("x"))))
	require.False(t, sb.Empty())
	sb.Remove("only")
	require.True(t, sb.Empty())
}

func TestDecodeSubBlobOfEmptyData(t *testing.T) {
	decoded, err := DecodeSubBlob(nil)
	require.NoError(t, err)
	require.True(t, decoded.Empty())
	require.Empty(t, decoded.Columns())
}
