package ctable

import (
	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtype"
)

// IndexBlob is index_blob (original_source/index_blob.cpp): a row's
// fixed-count columns packed as a header of per-column sizes followed
// by the packed bytes back to back. Unlike SubBlob, columns are
// addressed by a dense 0..count-1 index rather than a name, so this
// layout only fits a schema where every row shares the same column
// count and order — a fixed-width simple_ctable row, not a freeform one.
//
// Flat format:
//
//	header: count * uint32, little-endian, each entry size+1 if the
//	        column exists (0 means absent)
//	body:   each existing column's bytes, back to back, in index order
type IndexBlob struct {
	values []dtype.Blob
}

// NewIndexBlob returns a row with count absent columns.
func NewIndexBlob(count int) *IndexBlob {
	return &IndexBlob{values: make([]dtype.Blob, count)}
}

// DecodeIndexBlob parses a flattened row blob with exactly count
// columns. An empty/absent row decodes to all-absent columns.
func DecodeIndexBlob(count int, data []byte) (*IndexBlob, error) {
	b := NewIndexBlob(count)
	if len(data) == 0 {
		return b, nil
	}
	headerSize := count * 4
	if len(data) < headerSize {
		return nil, anverr.New("ctable.DecodeIndexBlob", anverr.InvalidArgument)
	}
	offset := headerSize
	for i := 0; i < count; i++ {
		size := int(data[i*4]) | int(data[i*4+1])<<8 | int(data[i*4+2])<<16 | int(data[i*4+3])<<24
		if size == 0 {
			continue
		}
		size--
		if offset+size > len(data) {
			return nil, anverr.New("ctable.DecodeIndexBlob", anverr.InvalidArgument)
		}
		b.values[i] = dtype.NewBlob(append([]byte(nil), data[offset:offset+size]...))
		offset += size
	}
	return b, nil
}

func (b *IndexBlob) Count() int { return len(b.values) }

// Get returns the value at index, or a non-existent Blob if absent.
func (b *IndexBlob) Get(index int) dtype.Blob {
	if index < 0 || index >= len(b.values) {
		return dtype.DNE
	}
	return b.values[index]
}

// Set stores value at index.
func (b *IndexBlob) Set(index int, value dtype.Blob) error {
	if index < 0 || index >= len(b.values) {
		return anverr.New("ctable.IndexBlob.Set", anverr.InvalidArgument)
	}
	b.values[index] = value
	return nil
}

// Remove clears the column at index.
func (b *IndexBlob) Remove(index int) error {
	return b.Set(index, dtype.DNE)
}

// Empty reports whether every column is absent.
func (b *IndexBlob) Empty() bool {
	for _, v := range b.values {
		if v.Exists() {
			return false
		}
	}
	return true
}

// Flatten encodes the row back to bytes.
func (b *IndexBlob) Flatten() []byte {
	headerSize := len(b.values) * 4
	total := headerSize
	for _, v := range b.values {
		if v.Exists() {
			total += v.Size()
		}
	}
	out := make([]byte, total)
	offset := headerSize
	for i, v := range b.values {
		var size uint32
		if v.Exists() {
			size = uint32(v.Size()) + 1
		}
		out[i*4] = byte(size)
		out[i*4+1] = byte(size >> 8)
		out[i*4+2] = byte(size >> 16)
		out[i*4+3] = byte(size >> 24)
		if v.Exists() {
			copy(out[offset:], v.Bytes())
			offset += v.Size()
		}
	}
	return out
}
