package dtype

// MetaBlob is a lightweight (size, exists) pair exposed by iterators so
// callers can decide whether to materialize the full value.
type MetaBlob struct {
	exists bool
	size   int
}

// NewMetaBlob builds a MetaBlob describing a present value of the given size.
func NewMetaBlob(size int) MetaBlob { return MetaBlob{exists: true, size: size} }

// DNEMeta is the meta for a tombstone / missing entry.
var DNEMeta = MetaBlob{exists: false}

// Exists reports whether the described value is present.
func (m MetaBlob) Exists() bool { return m.exists }

// Size reports the described value's byte length.
func (m MetaBlob) Size() int { return m.size }

// MetaOf derives a MetaBlob from an actual Blob.
func MetaOf(b Blob) MetaBlob {
	if !b.Exists() {
		return DNEMeta
	}
	return NewMetaBlob(b.Size())
}
