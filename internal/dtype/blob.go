// Package dtype implements Anvil's key/value data model: the tri-state
// Blob, the immutable Istr string, the tagged-variant Key type, and the
// pluggable BlobComparator capability. Values returned by this package are
// immutable — callers must not mutate a byte slice obtained from a Blob.
package dtype

import "bytes"

// Blob is an immutable byte sequence with three states: does-not-exist
// (a tombstone), empty (present, zero length), or present with N>=1
// bytes. Size is bounded to uint32 by the on-disk formats that store it.
type Blob struct {
	present bool
	data    []byte
}

// DNE is the tombstone blob: does-not-exist.
var DNE = Blob{present: false, data: nil}

// Empty is the present-but-zero-length blob.
var Empty = Blob{present: true, data: []byte{}}

// NewBlob wraps a byte slice as a present blob. The caller must not mutate
// data after this call; New takes ownership of the backing array.
func NewBlob(data []byte) Blob {
	if data == nil {
		data = []byte{}
	}
	return Blob{present: true, data: data}
}

// Exists reports whether the blob carries a value (present or empty).
func (b Blob) Exists() bool { return b.present }

// Size returns the number of bytes in the blob, or 0 for a DNE blob.
func (b Blob) Size() int { return len(b.data) }

// Bytes returns the blob's backing bytes. The caller must treat the
// returned slice as read-only.
func (b Blob) Bytes() []byte { return b.data }

// Compare orders two blobs lexicographically. A DNE blob sorts before
// any present blob; two DNE blobs compare equal.
func (b Blob) Compare(other Blob) int {
	if !b.present || !other.present {
		switch {
		case b.present == other.present:
			return 0
		case !b.present:
			return -1
		default:
			return 1
		}
	}
	return bytes.Compare(b.data, other.data)
}

// Equal reports whether two blobs have the same state and bytes.
func (b Blob) Equal(other Blob) bool {
	return b.present == other.present && bytes.Equal(b.data, other.data)
}

// String renders the blob for diagnostics; DNE prints as "<dne>".
func (b Blob) String() string {
	if !b.present {
		return "<dne>"
	}
	return string(b.data)
}

// Builder is a mutable blob builder ("blob_buffer" in spec.md §4.1): it
// can grow, overwrite ranges, and freeze into an immutable Blob.
type Builder struct {
	data []byte
}

// NewBuilder creates a Builder with the given initial capacity.
func NewBuilder(capacity int) *Builder {
	return &Builder{data: make([]byte, 0, capacity)}
}

// Grow extends the builder by n zero bytes and returns the prior length,
// i.e. the offset at which the new region begins.
func (bb *Builder) Grow(n int) int {
	offset := len(bb.data)
	bb.data = append(bb.data, make([]byte, n)...)
	return offset
}

// Overwrite copies src into the builder starting at offset, growing the
// builder if necessary.
func (bb *Builder) Overwrite(offset int, src []byte) {
	need := offset + len(src)
	if need > len(bb.data) {
		bb.data = append(bb.data, make([]byte, need-len(bb.data))...)
	}
	copy(bb.data[offset:need], src)
}

// Append writes src at the end of the builder and returns the offset it
// was written at.
func (bb *Builder) Append(src []byte) int {
	offset := bb.Grow(len(src))
	copy(bb.data[offset:], src)
	return offset
}

// Len reports the builder's current length.
func (bb *Builder) Len() int { return len(bb.data) }

// Freeze produces an immutable Blob from the builder's current contents.
// The builder must not be reused after Freeze without a fresh allocation,
// since Freeze hands over the backing array.
func (bb *Builder) Freeze() Blob {
	return NewBlob(bb.data)
}
