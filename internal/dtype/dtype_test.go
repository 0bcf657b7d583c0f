package dtype

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStates(t *testing.T) {
	require.False(t, DNE.Exists())
	require.True(t, Empty.Exists())
	require.Equal(t, 0, Empty.Size())

	b := NewBlob([]byte("hello"))
	require.True(t, b.Exists())
	require.Equal(t, 5, b.Size())
	require.Equal(t, "hello", b.String())
}

func TestBlobCompareOrdering(t *testing.T) {
	require.Equal(t, -1, DNE.Compare(Empty))
	require.Equal(t, 1, Empty.Compare(DNE))
	require.Equal(t, 0, DNE.Compare(DNE))
	require.Equal(t, -1, NewBlob([]byte("a")).Compare(NewBlob([]byte("b"))))
}

func TestBuilderGrowOverwriteFreeze(t *testing.T) {
	bb := NewBuilder(4)
	off := bb.Append([]byte("ab"))
	require.Equal(t, 0, off)
	bb.Overwrite(off, []byte("xy"))
	bb.Append([]byte("cd"))
	frozen := bb.Freeze()
	require.Equal(t, "xycd", frozen.String())
}

func TestKeyFlattenRoundTrip(t *testing.T) {
	u := U32Key(42)
	require.Equal(t, u, FromBlob(U32, u.Flatten()))

	f := F64Key(3.5)
	require.Equal(t, f, FromBlob(F64, f.Flatten()))

	s := StringKey("hi")
	require.Equal(t, s, FromBlob(String, s.Flatten()))

	blb := BlobKeyOf(NewBlob([]byte{1, 2, 3}))
	require.True(t, blb.Equal(FromBlob(BlobKey, blb.Flatten()), nil))
}

func TestKeyCompareOrdering(t *testing.T) {
	require.Equal(t, -1, U32Key(1).Compare(U32Key(2), nil))
	require.Equal(t, 0, U32Key(2).Compare(U32Key(2), nil))
	require.Equal(t, 1, U32Key(3).Compare(U32Key(2), nil))
	require.Equal(t, -1, StringKey("a").Compare(StringKey("b"), nil))
}

func TestKeyComparePanicsOnTypeMismatch(t *testing.T) {
	require.Panics(t, func() {
		U32Key(1).Compare(StringKey("a"), nil)
	})
}

func TestMetaBlob(t *testing.T) {
	require.False(t, MetaOf(DNE).Exists())
	m := MetaOf(NewBlob([]byte("xyz")))
	require.True(t, m.Exists())
	require.Equal(t, 3, m.Size())
}

func TestComparatorRegistry(t *testing.T) {
	reg := NewComparatorRegistry()
	cmp, ok := reg.Lookup("")
	require.True(t, ok)
	require.Equal(t, DefaultComparator, cmp)

	_, ok = reg.Lookup("case-insensitive")
	require.False(t, ok)
}
