// Package sstable implements simple_dtable (spec.md §4.2): an immutable,
// self-contained sorted file built once from a source iterator, then
// opened read-only for point lookup, ordered iteration, and indexed
// access. The file carries three regions — a binary-searchable key
// index, a value region, and (for String/Blob keys) a string/blob table
// with a (length,offset) directory, via stringtbl.go.
package sstable

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

// dataFileName is the single data file a simple_dtable directory holds;
// the directory form (rather than a bare file) keeps room for a future
// sibling index/blob file without changing the Factory contract.
const dataFileName = "data.sdt"

// classFactory registers simple_dtable under the dtable.Factories
// registry (spec.md §4.10's class/factory grammar), so manageddtable
// can build or reopen one from a params.Tree by class name alone.
type classFactory struct{ name string }

func (f classFactory) ClassName() string { return f.name }

func (f classFactory) Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree, source, shadow dtable.Iterator) (dtable.Interface, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, anverr.Wrap("sstable.Create", anverr.IO, err)
	}
	path := filepath.Join(dir, dataFileName)
	if err := Write(ctx, path, keyType, cmpName, source, shadow); err != nil {
		return nil, err
	}
	return Open(path)
}

func (f classFactory) Open(ctx context.Context, dir string, config *params.Tree) (dtable.Interface, error) {
	return Open(filepath.Join(dir, dataFileName))
}

func init() {
	dtable.Factories.Register("simple_dtable", classFactory{name: "simple_dtable"})
	dtable.Factories.Register("fastbase_dtable", classFactory{name: "fastbase_dtable"})
}

const (
	magic       uint32 = 0x53494D50 // "SIMP"
	fileVersion uint32 = 1
	headerSize         = 48
)

func keyWidth(kt dtype.KeyType) int {
	switch kt {
	case dtype.U32:
		return 4
	case dtype.F64:
		return 8
	default: // String, BlobKey: stored by string-table index
		return 4
	}
}

// Write builds a new simple_dtable file at path from source, walking
// it via First/Next from its first entry. source must surface
// tombstones (dtype.DNE entries), not skip them: Write consults shadow,
// when non-nil, to decide whether each tombstone is still needed —
// shadow.Seek(key) found means some lower layer still carries the key,
// so the tombstone must be kept to continue shadowing it; not found
// means the tombstone can be dropped. A nil shadow means there is
// nothing left underneath (a final combine down to the bottom of the
// stack), so every tombstone is dropped.
func Write(ctx context.Context, path string, keyType dtype.KeyType, cmpName string, source, shadow dtable.Iterator) error {
	type row struct {
		key    dtype.Key
		value  dtype.Blob
		exists bool
	}
	var rows []row
	var keptTombstone bool
	for ok := source.First(); ok; ok = source.Next() {
		v, err := source.Value()
		if err != nil {
			return anverr.Wrap("sstable.Write", anverr.IO, err)
		}
		if !v.Exists() {
			if shadow == nil || !shadow.Seek(source.Key()) {
				continue
			}
			keptTombstone = true
		}
		rows = append(rows, row{key: source.Key(), value: v, exists: v.Exists()})
	}

	kw := keyWidth(keyType)
	strTbl := newStringTableBuilder()
	entrySize := kw + 8 + 4 + 1

	var valueRegion []byte
	keyIndex := make([]byte, len(rows)*entrySize)
	for i, r := range rows {
		off := i * entrySize
		switch keyType {
		case dtype.U32:
			binary.LittleEndian.PutUint32(keyIndex[off:off+4], r.key.U32())
		case dtype.F64:
			binary.LittleEndian.PutUint64(keyIndex[off:off+8], math.Float64bits(r.key.F64()))
		case dtype.String:
			idx := strTbl.add([]byte(r.key.Str()))
			binary.LittleEndian.PutUint32(keyIndex[off:off+4], idx)
		case dtype.BlobKey:
			idx := strTbl.add(r.key.BlobVal().Bytes())
			binary.LittleEndian.PutUint32(keyIndex[off:off+4], idx)
		}
		valOff := uint64(len(valueRegion))
		valLen := uint32(0)
		if r.exists {
			valLen = uint32(r.value.Size())
			valueRegion = append(valueRegion, r.value.Bytes()...)
		}
		binary.LittleEndian.PutUint64(keyIndex[off+kw:off+kw+8], valOff)
		binary.LittleEndian.PutUint32(keyIndex[off+kw+8:off+kw+12], valLen)
		if r.exists {
			keyIndex[off+kw+12] = 1
		}
	}

	cmpNameBytes := []byte(cmpName)
	keyIndexOffset := uint64(headerSize + len(cmpNameBytes))
	valueRegionOffset := keyIndexOffset + uint64(len(keyIndex))
	stringTableOffset := uint64(0)
	var strTblBytes []byte
	if keyType == dtype.String || keyType == dtype.BlobKey {
		strTblBytes = strTbl.encode()
		stringTableOffset = valueRegionOffset + uint64(len(valueRegion))
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], fileVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(keyType))
	if keptTombstone {
		binary.LittleEndian.PutUint32(header[12:16], 1)
	}
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(cmpNameBytes)))
	binary.LittleEndian.PutUint32(header[20:24], uint32(len(rows)))
	binary.LittleEndian.PutUint64(header[24:32], keyIndexOffset)
	binary.LittleEndian.PutUint64(header[32:40], valueRegionOffset)
	binary.LittleEndian.PutUint64(header[40:48], stringTableOffset)

	f, err := os.Create(path)
	if err != nil {
		return anverr.Wrap("sstable.Write", anverr.IO, err)
	}
	defer f.Close()

	for _, chunk := range [][]byte{header, cmpNameBytes, keyIndex, valueRegion, strTblBytes} {
		if _, err := f.Write(chunk); err != nil {
			return anverr.Wrap("sstable.Write", anverr.IO, err)
		}
	}
	return f.Sync()
}

// Table is an opened, read-only simple_dtable file.
type Table struct {
	mu                 sync.Mutex
	f                  *os.File
	keyType            dtype.KeyType
	cmpName            string
	count              int
	keyIndexOffset     int64
	valueRegionOffset  int64
	stringTableOffset  int64
	hasStringTable     bool
	keepsTombstones    bool
	entrySize          int
	kw                 int
	strTbl             *stringTableReader
	cmp                dtype.BlobComparator
}

// Open opens path for reading.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, anverr.Wrap("sstable.Open", anverr.IO, err)
	}
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, anverr.Wrap("sstable.Open", anverr.IO, err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != magic {
		f.Close()
		return nil, anverr.New("sstable.Open", anverr.InvalidArgument)
	}
	keyType := dtype.KeyType(binary.LittleEndian.Uint32(header[8:12]))
	keepsTombstones := binary.LittleEndian.Uint32(header[12:16]) != 0
	cmpNameLen := binary.LittleEndian.Uint32(header[16:20])
	count := int(binary.LittleEndian.Uint32(header[20:24]))
	keyIndexOffset := int64(binary.LittleEndian.Uint64(header[24:32]))
	valueRegionOffset := int64(binary.LittleEndian.Uint64(header[32:40]))
	stringTableOffset := int64(binary.LittleEndian.Uint64(header[40:48]))

	cmpName := ""
	if cmpNameLen > 0 {
		buf := make([]byte, cmpNameLen)
		if _, err := io.ReadFull(f, buf); err != nil {
			f.Close()
			return nil, anverr.Wrap("sstable.Open", anverr.IO, err)
		}
		cmpName = string(buf)
	}

	t := &Table{
		f:                 f,
		keyType:           keyType,
		cmpName:           cmpName,
		count:             count,
		keyIndexOffset:    keyIndexOffset,
		valueRegionOffset: valueRegionOffset,
		stringTableOffset: stringTableOffset,
		hasStringTable:    stringTableOffset != 0,
		keepsTombstones:   keepsTombstones,
		kw:                keyWidth(keyType),
		cmp:               dtype.DefaultComparator,
	}
	t.entrySize = t.kw + 8 + 4 + 1
	if t.hasStringTable {
		str, err := openStringTable(f, stringTableOffset)
		if err != nil {
			f.Close()
			return nil, err
		}
		t.strTbl = str
	}
	return t, nil
}

// RequiredComparator reports the named comparator this file was built
// with, or "" if none (the "required comparator" invariant of spec.md §3).
func (t *Table) RequiredComparator() string { return t.cmpName }

func (t *Table) KeyType() dtype.KeyType { return t.keyType }

func (t *Table) SetBlobCmp(cmp dtype.BlobComparator) error {
	if t.cmpName != "" && (cmp == nil || cmp.Name() != t.cmpName) {
		return anverr.Newf("sstable.SetBlobCmp", anverr.Busy, "table requires comparator %q", t.cmpName)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cmp == nil {
		cmp = dtype.DefaultComparator
	}
	t.cmp = cmp
	return nil
}

func (t *Table) checkComparatorGate() error {
	if t.cmpName != "" && (t.cmp == nil || t.cmp.Name() != t.cmpName) {
		return anverr.Newf("sstable.checkComparatorGate", anverr.Busy, "required comparator %q not attached", t.cmpName)
	}
	return nil
}

func (t *Table) Count() int { return t.count }

func (t *Table) readEntry(i int) (keyBytes []byte, valOff uint64, valLen uint32, exists bool, err error) {
	buf := make([]byte, t.entrySize)
	if _, err := t.f.ReadAt(buf, t.keyIndexOffset+int64(i)*int64(t.entrySize)); err != nil {
		return nil, 0, 0, false, anverr.Wrap("sstable.readEntry", anverr.IO, err)
	}
	keyBytes = buf[0:t.kw]
	valOff = binary.LittleEndian.Uint64(buf[t.kw : t.kw+8])
	valLen = binary.LittleEndian.Uint32(buf[t.kw+8 : t.kw+12])
	exists = buf[t.kw+12] != 0
	return keyBytes, valOff, valLen, exists, nil
}

func (t *Table) decodeKey(keyBytes []byte) (dtype.Key, error) {
	switch t.keyType {
	case dtype.U32:
		return dtype.U32Key(binary.LittleEndian.Uint32(keyBytes)), nil
	case dtype.F64:
		return dtype.FromBlob(dtype.F64, dtype.NewBlob(keyBytes)), nil
	case dtype.String, dtype.BlobKey:
		idx := binary.LittleEndian.Uint32(keyBytes)
		raw, err := t.strTbl.get(idx)
		if err != nil {
			return dtype.Key{}, err
		}
		if t.keyType == dtype.String {
			return dtype.StringKey(string(raw)), nil
		}
		return dtype.BlobKeyOf(dtype.NewBlob(raw)), nil
	default:
		return dtype.Key{}, anverr.New("sstable.decodeKey", anverr.InvalidArgument)
	}
}

func (t *Table) readValue(valOff uint64, valLen uint32) (dtype.Blob, error) {
	if valLen == 0 {
		return dtype.Empty, nil
	}
	buf := make([]byte, valLen)
	if _, err := t.f.ReadAt(buf, t.valueRegionOffset+int64(valOff)); err != nil {
		return dtype.DNE, anverr.Wrap("sstable.readValue", anverr.IO, err)
	}
	return dtype.NewBlob(buf), nil
}

// search does a binary search for key, returning the index of the
// first entry >= key and whether an exact match was found.
func (t *Table) search(key dtype.Key) (int, bool, error) {
	lo, hi := 0, t.count
	for lo < hi {
		mid := (lo + hi) / 2
		kb, _, _, _, err := t.readEntry(mid)
		if err != nil {
			return 0, false, err
		}
		mk, err := t.decodeKey(kb)
		if err != nil {
			return 0, false, err
		}
		c := mk.Compare(key, t.cmp)
		if c < 0 {
			lo = mid + 1
		} else if c > 0 {
			hi = mid
		} else {
			return mid, true, nil
		}
	}
	return lo, false, nil
}

func (t *Table) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	if err := t.checkComparatorGate(); err != nil {
		return dtype.DNE, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, found, err := t.search(key)
	if err != nil {
		return dtype.DNE, err
	}
	if !found {
		return dtype.DNE, anverr.New("sstable.Lookup", anverr.NotFound)
	}
	_, valOff, valLen, exists, err := t.readEntry(idx)
	if err != nil {
		return dtype.DNE, err
	}
	if !exists {
		return dtype.DNE, nil
	}
	return t.readValue(valOff, valLen)
}

// GetIndex implements dtable.Indexed.
func (t *Table) GetIndex(ctx context.Context, key dtype.Key) (int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, found, err := t.search(key)
	return idx, found, err
}

// IndexKey implements dtable.Indexed.
func (t *Table) IndexKey(ctx context.Context, index int) (dtype.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= t.count {
		return dtype.Key{}, anverr.New("sstable.IndexKey", anverr.InvalidArgument)
	}
	kb, _, _, _, err := t.readEntry(index)
	if err != nil {
		return dtype.Key{}, err
	}
	return t.decodeKey(kb)
}

// ContainsIndex implements dtable.TombstoneAware.
func (t *Table) ContainsIndex(ctx context.Context, index int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= t.count {
		return false, anverr.New("sstable.ContainsIndex", anverr.InvalidArgument)
	}
	_, _, _, exists, err := t.readEntry(index)
	return exists, err
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

func (t *Table) Iterator(ctx context.Context) (dtable.Iterator, error) {
	if err := t.checkComparatorGate(); err != nil {
		return nil, err
	}
	return &iter{t: t, pos: -1}, nil
}

type iter struct {
	t   *Table
	pos int
}

func (it *iter) Valid() bool { return it.pos >= 0 && it.pos < it.t.count }

func (it *iter) Next() bool {
	if it.pos < it.t.count {
		it.pos++
	}
	return it.Valid()
}

func (it *iter) Prev() bool {
	if it.pos > -1 {
		it.pos--
	}
	return it.Valid()
}

func (it *iter) First() bool {
	it.pos = 0
	return it.Valid()
}

func (it *iter) Last() bool {
	it.pos = it.t.count - 1
	return it.Valid()
}

func (it *iter) Seek(key dtype.Key) bool {
	idx, found, err := it.t.search(key)
	if err != nil {
		it.pos = it.t.count
		return false
	}
	it.pos = idx
	return found
}

func (it *iter) SeekIndex(index int) bool {
	it.pos = index
	return it.Valid()
}

func (it *iter) GetIndex() (int, bool) { return it.pos, true }

func (it *iter) Key() dtype.Key {
	kb, _, _, _, _ := it.t.readEntry(it.pos)
	k, _ := it.t.decodeKey(kb)
	return k
}

func (it *iter) Meta() dtype.MetaBlob {
	_, _, valLen, exists, _ := it.t.readEntry(it.pos)
	if !exists {
		return dtype.DNEMeta
	}
	return dtype.NewMetaBlob(int(valLen))
}

func (it *iter) Value() (dtype.Blob, error) {
	_, valOff, valLen, exists, err := it.t.readEntry(it.pos)
	if err != nil {
		return dtype.DNE, err
	}
	if !exists {
		return dtype.DNE, nil
	}
	return it.t.readValue(valOff, valLen)
}

func (it *iter) Close() error { return nil }

var (
	_ dtable.Interface      = (*Table)(nil)
	_ dtable.Indexed        = (*Table)(nil)
	_ dtable.TombstoneAware = (*Table)(nil)
	_ dtable.Iterator       = (*iter)(nil)
)
