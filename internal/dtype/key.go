package dtype

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// KeyType names the four cases a Key may hold. A dtable declares exactly
// one KeyType at creation and rejects mismatched keys.
type KeyType uint8

const (
	U32 KeyType = iota
	F64
	String
	BlobKey
)

func (t KeyType) String() string {
	switch t {
	case U32:
		return "uint32"
	case F64:
		return "double"
	case String:
		return "string"
	case BlobKey:
		return "blob"
	default:
		return "unknown"
	}
}

// Key is the canonical dtable key value: a tagged union over
// {u32, f64, string, blob}.
type Key struct {
	kind KeyType
	u32  uint32
	f64  float64
	str  Istr
	blb  Blob
}

// U32Key builds a Key carrying a uint32.
func U32Key(v uint32) Key { return Key{kind: U32, u32: v} }

// F64Key builds a Key carrying a float64.
func F64Key(v float64) Key { return Key{kind: F64, f64: v} }

// StringKey builds a Key carrying a string.
func StringKey(v Istr) Key { return Key{kind: String, str: v} }

// BlobKeyOf builds a Key carrying a blob.
func BlobKeyOf(v Blob) Key { return Key{kind: BlobKey, blb: v} }

// Type reports which case the key holds.
func (k Key) Type() KeyType { return k.kind }

func (k Key) U32() uint32   { return k.u32 }
func (k Key) F64() float64  { return k.f64 }
func (k Key) Str() Istr     { return k.str }
func (k Key) BlobVal() Blob { return k.blb }

// Flatten serializes the key into a blob of bytes, for storage of
// non-u32 keys and for hashing. u32 and f64 flatten to their fixed-width
// little-endian encoding; string flattens to its UTF-8 bytes; blob
// flattens to itself.
func (k Key) Flatten() Blob {
	switch k.kind {
	case U32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, k.u32)
		return NewBlob(buf)
	case F64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(k.f64))
		return NewBlob(buf)
	case String:
		return NewBlob([]byte(k.str))
	case BlobKey:
		return k.blb
	default:
		panic("dtype: unknown key type")
	}
}

// FromBlob reconstructs a Key of the given type from its flattened form,
// the inverse of Flatten for fixed-width and string cases.
func FromBlob(kind KeyType, b Blob) Key {
	switch kind {
	case U32:
		return U32Key(binary.LittleEndian.Uint32(b.Bytes()))
	case F64:
		return F64Key(math.Float64frombits(binary.LittleEndian.Uint64(b.Bytes())))
	case String:
		return StringKey(string(b.Bytes()))
	case BlobKey:
		return BlobKeyOf(b)
	default:
		panic("dtype: unknown key type")
	}
}

// Compare orders two keys of the same Type, returning -1/0/+1. A blob
// comparison defers to cmp when non-nil, otherwise uses the default
// lexicographic ordering. Compare panics if the two keys carry different
// Types — callers are expected to have already validated the key type
// against the owning dtable (spec.md's "mismatched keys" rejection
// happens earlier, at the dtable boundary).
func (k Key) Compare(other Key, cmp BlobComparator) int {
	if k.kind != other.kind {
		panic("dtype: compare between different key types")
	}
	switch k.kind {
	case U32:
		switch {
		case k.u32 < other.u32:
			return -1
		case k.u32 > other.u32:
			return 1
		default:
			return 0
		}
	case F64:
		switch {
		case k.f64 < other.f64:
			return -1
		case k.f64 > other.f64:
			return 1
		default:
			return 0
		}
	case String:
		return strings.Compare(k.str, other.str)
	case BlobKey:
		if cmp != nil {
			return cmp.Compare(k.blb, other.blb)
		}
		return k.blb.Compare(other.blb)
	default:
		panic("dtype: unknown key type")
	}
}

// Equal reports whether two keys compare equal under cmp.
func (k Key) Equal(other Key, cmp BlobComparator) bool {
	return k.kind == other.kind && k.Compare(other, cmp) == 0
}

// String renders the key for diagnostics.
func (k Key) String() string {
	switch k.kind {
	case U32:
		return strconv.FormatUint(uint64(k.u32), 10)
	case F64:
		return strconv.FormatFloat(k.f64, 'g', -1, 64)
	case String:
		return k.str
	case BlobKey:
		return k.blb.String()
	default:
		return "<invalid key>"
	}
}
