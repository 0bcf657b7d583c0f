package ctable

import (
	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtype"
)

// SubBlob is sub_blob (original_source/sub_blob.cpp): a row's columns
// packed into a single blob as a linear list of
// length | name_len | name | bytes entries. Columns are freeform
// strings rather than a fixed schema, which is what makes this layout
// (as opposed to index_blob) the right fit for simple_ctable rows whose
// column set varies row to row.
//
// Flat format:
//
//	byte 0:      length_size (1-4), the byte width used for every entry's length field
//	repeated:    length (length_size bytes, little-endian)
//	             name_len (1 byte)
//	             name (name_len bytes)
//	             value (length bytes)
type SubBlob struct {
	cols []subCol
	idx  map[string]int
}

type subCol struct {
	name  string
	value dtype.Blob
}

// NewSubBlob returns an empty row.
func NewSubBlob() *SubBlob {
	return &SubBlob{idx: make(map[string]int)}
}

// DecodeSubBlob parses a flattened row blob. An empty/absent row
// decodes to an empty SubBlob.
func DecodeSubBlob(data []byte) (*SubBlob, error) {
	sb := NewSubBlob()
	if len(data) < 1 {
		return sb, nil
	}
	lengthSize := int(data[0])
	if lengthSize < 1 || lengthSize > 4 {
		return nil, anverr.Newf("ctable.DecodeSubBlob", anverr.InvalidArgument, "bad length_size %d", lengthSize)
	}
	offset := 1
	for offset+lengthSize+1 <= len(data) {
		length, err := readUint(data, offset, lengthSize)
		if err != nil {
			return nil, err
		}
		offset += lengthSize
		nameLen := int(data[offset])
		offset++
		if offset+nameLen+int(length) > len(data) {
			return nil, anverr.New("ctable.DecodeSubBlob", anverr.InvalidArgument)
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen
		value := dtype.NewBlob(append([]byte(nil), data[offset:offset+int(length)]...))
		offset += int(length)
		sb.setRaw(name, value)
	}
	return sb, nil
}

func (s *SubBlob) setRaw(name string, value dtype.Blob) {
	if i, ok := s.idx[name]; ok {
		s.cols[i].value = value
		return
	}
	s.idx[name] = len(s.cols)
	s.cols = append(s.cols, subCol{name: name, value: value})
}

// Get returns the value stored for column, or a non-existent Blob if
// column isn't present in this row.
func (s *SubBlob) Get(column string) dtype.Blob {
	if i, ok := s.idx[column]; ok {
		return s.cols[i].value
	}
	return dtype.DNE
}

// Set stores value for column, preserving the column's original
// position if it was already present.
func (s *SubBlob) Set(column string, value dtype.Blob) error {
	if len(column) > 0xFF {
		return anverr.New("ctable.SubBlob.Set", anverr.InvalidArgument)
	}
	s.setRaw(column, value)
	return nil
}

// Remove marks column as absent; Flatten drops it from the encoded row
// entirely, matching sub_blob::flatten's "don't persist negative
// entries" behavior.
func (s *SubBlob) Remove(column string) {
	s.setRaw(column, dtype.DNE)
}

// Empty reports whether every column in this row has been removed,
// used by simple_ctable to decide whether to garbage collect the row.
func (s *SubBlob) Empty() bool {
	for _, c := range s.cols {
		if c.value.Exists() {
			return false
		}
	}
	return true
}

// Columns returns the present (non-removed) columns in row order.
func (s *SubBlob) Columns() []string {
	var out []string
	for _, c := range s.cols {
		if c.value.Exists() {
			out = append(out, c.name)
		}
	}
	return out
}

// Flatten encodes the row back to bytes, dropping removed columns.
func (s *SubBlob) Flatten() []byte {
	var maxLen int
	var total int
	for _, c := range s.cols {
		if !c.value.Exists() {
			continue
		}
		total++
		if c.value.Size() > maxLen {
			maxLen = c.value.Size()
		}
	}
	lengthSize := byteSize(maxLen)
	out := make([]byte, 1, 1+total*(lengthSize+1))
	out[0] = byte(lengthSize)
	for _, c := range s.cols {
		if !c.value.Exists() {
			continue
		}
		out = appendUint(out, c.value.Size(), lengthSize)
		out = append(out, byte(len(c.name)))
		out = append(out, c.name...)
		out = append(out, c.value.Bytes()...)
	}
	return out
}

func byteSize(max int) int {
	switch {
	case max < 1<<8:
		return 1
	case max < 1<<16:
		return 2
	case max < 1<<24:
		return 3
	default:
		return 4
	}
}

func appendUint(out []byte, v, size int) []byte {
	for i := 0; i < size; i++ {
		out = append(out, byte(v>>(8*i)))
	}
	return out
}

func readUint(data []byte, offset, size int) (int, error) {
	if offset+size > len(data) {
		return 0, anverr.New("ctable.readUint", anverr.InvalidArgument)
	}
	var v int
	for i := 0; i < size; i++ {
		v |= int(data[offset+i]) << (8 * i)
	}
	return v, nil
}
