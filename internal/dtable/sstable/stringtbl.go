package sstable

import (
	"encoding/binary"
	"io"

	"github.com/nathansgreen/anvil/internal/anverr"
)

// stringTableBuilder accumulates a deduplicated pool of byte strings
// (used for String and Blob keys) and produces the directory + blob-pool layout spec.md
// §4.2 names "string/blob table with a (length,offset) directory",
// carried over from the original source's stringtbl.cpp.
type stringTableBuilder struct {
	pool    []byte
	seen    map[string]uint32
	offsets []uint64
	lengths []uint32
}

func newStringTableBuilder() *stringTableBuilder {
	return &stringTableBuilder{seen: make(map[string]uint32)}
}

// add interns b, returning its index in the table (deduplicated).
func (s *stringTableBuilder) add(b []byte) uint32 {
	if idx, ok := s.seen[string(b)]; ok {
		return idx
	}
	idx := uint32(len(s.offsets))
	s.offsets = append(s.offsets, uint64(len(s.pool)))
	s.lengths = append(s.lengths, uint32(len(b)))
	s.pool = append(s.pool, b...)
	s.seen[string(b)] = idx
	return idx
}

// encode serializes the directory (count, then (offset,length) pairs)
// followed immediately by the pool bytes.
func (s *stringTableBuilder) encode() []byte {
	n := len(s.offsets)
	buf := make([]byte, 4+n*12+len(s.pool))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	off := 4
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], s.offsets[i])
		binary.LittleEndian.PutUint32(buf[off+8:off+12], s.lengths[i])
		off += 12
	}
	copy(buf[off:], s.pool)
	return buf
}

// stringTableReader reads entries back by directory index via ReaderAt,
// without loading the whole pool into memory.
type stringTableReader struct {
	r         io.ReaderAt
	base      int64
	count     uint32
	poolStart int64
}

func openStringTable(r io.ReaderAt, base int64) (*stringTableReader, error) {
	hdr := make([]byte, 4)
	if _, err := r.ReadAt(hdr, base); err != nil {
		return nil, anverr.Wrap("sstable.openStringTable", anverr.IO, err)
	}
	count := binary.LittleEndian.Uint32(hdr)
	return &stringTableReader{
		r:         r,
		base:      base,
		count:     count,
		poolStart: base + 4 + int64(count)*12,
	}, nil
}

func (s *stringTableReader) get(idx uint32) ([]byte, error) {
	if idx >= s.count {
		return nil, anverr.Newf("sstable.stringTableReader.get", anverr.InvalidArgument, "index %d out of range (%d entries)", idx, s.count)
	}
	dirOff := s.base + 4 + int64(idx)*12
	buf := make([]byte, 12)
	if _, err := s.r.ReadAt(buf, dirOff); err != nil {
		return nil, anverr.Wrap("sstable.stringTableReader.get", anverr.IO, err)
	}
	offset := binary.LittleEndian.Uint64(buf[0:8])
	length := binary.LittleEndian.Uint32(buf[8:12])
	data := make([]byte, length)
	if length > 0 {
		if _, err := s.r.ReadAt(data, s.poolStart+int64(offset)); err != nil {
			return nil, anverr.Wrap("sstable.stringTableReader.get", anverr.IO, err)
		}
	}
	return data, nil
}
