package ctable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nathansgreen/anvil/internal/dtype"
)

func TestIndexBlobRoundTripsColumns(t *testing.T) {
	ib := NewIndexBlob(3)
	require.NoError(t, ib.Set(0, dtype.NewBlob([]byte("x"))))
	require.NoError(t, ib.Set(2, dtype.NewBlob([]byte("z"))))

	flat := ib.Flatten()
	decoded, err := DecodeIndexBlob(3, flat)
	require.NoError(t, err)

	require.Equal(t, "x", decoded.Get(0).String())
	require.False(t, decoded.Get(1).Exists())
	require.Equal(t, "z", decoded.Get(2).String())
}

func TestIndexBlobRemoveClearsSlot(t *testing.T) {
	ib := NewIndexBlob(2)
	require.NoError(t, ib.Set(0, dtype.NewBlob([]byte("a"))))
	require.NoError(t, ib.Set(1, dtype.NewBlob([]byte("b"))))
	require.NoError(t, ib.Remove(0))

	require.False(t, ib.Empty())
	flat := ib.Flatten()
	decoded, err := DecodeIndexBlob(2, flat)
	require.NoError(t, err)
	require.False(t, decoded.Get(0).Exists())
	require.Equal(t, "b", decoded.Get(1).String())
}

func TestIndexBlobEmptyOfEmptyData(t *testing.T) {
	decoded, err := DecodeIndexBlob(4, nil)
	require.NoError(t, err)
	require.True(t, decoded.Empty())
	require.Equal(t, 4, decoded.Count())
}

func TestIndexBlobSetOutOfRange(t *testing.T) {
	ib := NewIndexBlob(2)
	require.Error(t, ib.Set(5, dtype.NewBlob([]byte("x"))))
}
