// Package btree implements btree_dtable (spec.md §4.6): a paged,
// immutable (key, base_index) index built once over a large indexed
// base dtable, accelerating key lookup without duplicating the base's
// values. Leaf pages are written first, in ascending page-number order,
// so forward/backward iteration and last() are simple page-number
// walks rather than needing a parent-pointer or stack-based descent —
// the original source's btree_dtable::iter::last() is documented as
// unimplemented (aborts); this layout makes last() as cheap as first().
package btree

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

const (
	magic       uint32 = 0x42545245 // "BTRE"
	fileVersion uint32 = 1
	pageSize           = 4096
	ptrSize            = 4
	indexFieldSize     = 4
	headerSize         = 64
)

func keyWidth(kt dtype.KeyType) int {
	switch kt {
	case dtype.U32:
		return 4
	case dtype.F64:
		return 8
	default: // String, BlobKey: a fixed 4-byte prefix of the flattened
		// key; ties between equal prefixes are resolved against the base
		// (see keyPrefix).
		return 4
	}
}

func entrySize(kt dtype.KeyType) int { return keyWidth(kt) + indexFieldSize }

// keyPrefix returns the bytes used to order entries inside a page with
// bytes.Compare. For fixed-width keys (u32, f64) this is an exact,
// order-preserving encoding of the value (big-endian u32; f64 bits with
// the sign flipped, big-endian); for string/blob keys it is a
// fixed-length prefix of the flattened key, so page descent can tie on
// long common prefixes — ties are resolved by fetching the real key
// from the base at the candidate index (see search).
func keyPrefix(kt dtype.KeyType, k dtype.Key, width int) []byte {
	buf := make([]byte, width)
	switch kt {
	case dtype.U32:
		binary.BigEndian.PutUint32(buf, k.U32())
	case dtype.F64:
		bits := binary.LittleEndian.Uint64(k.Flatten().Bytes())
		if bits>>63 != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		binary.BigEndian.PutUint64(buf, bits)
	default:
		copy(buf, k.Flatten().Bytes())
	}
	return buf
}

// IndexedInterface is the capability a btree_dtable's base must provide:
// ordinary dtable reads plus dense positional access.
type IndexedInterface interface {
	dtable.Interface
	dtable.Indexed
}

type pageRef struct {
	pageNum   uint32
	firstKey  dtype.Key
	firstIdx  uint32
}

// Write builds a new btree index file at path from base, an iterator
// already positioned over the base's full contents in key order (its
// GetIndex() at each step supplies the base_index half of every pair).
func Write(ctx context.Context, path string, keyType dtype.KeyType, cmpName string, base dtable.Iterator) error {
	type pair struct {
		key dtype.Key
		idx uint32
	}
	var pairs []pair
	for ok := base.First(); ok; ok = base.Next() {
		i, _ := base.GetIndex()
		pairs = append(pairs, pair{key: base.Key(), idx: uint32(i)})
	}

	f, err := os.Create(path)
	if err != nil {
		return anverr.Wrap("btree.Write", anverr.IO, err)
	}
	defer f.Close()

	cmpNameBytes := []byte(cmpName)
	dataStart := int64(headerSize + len(cmpNameBytes))
	if dataStart > pageSize {
		dataStart = int64((dataStart/pageSize + 1) * pageSize)
	} else {
		dataStart = pageSize
	}
	if _, err := f.WriteAt(make([]byte, dataStart), 0); err != nil {
		return anverr.Wrap("btree.Write", anverr.IO, err)
	}

	var rootPage, leafPageCount uint32
	var depth uint32
	nextPage := uint32(1)
	kw := keyWidth(keyType)
	eSize := entrySize(keyType)

	if len(pairs) == 0 {
		rootPage, leafPageCount, depth = 0, 0, 0
	} else {
		leafCap := (pageSize - indexFieldSize) / eSize
		if leafCap < 1 {
			return anverr.New("btree.Write", anverr.InvalidArgument)
		}
		var children []pageRef
		for i := 0; i < len(pairs); i += leafCap {
			end := i + leafCap
			if end > len(pairs) {
				end = len(pairs)
			}
			chunk := pairs[i:end]
			buf := make([]byte, pageSize)
			for j, p := range chunk {
				off := j * eSize
				writeEntry(buf[off:off+eSize], keyType, p.key, p.idx, kw)
			}
			binary.LittleEndian.PutUint32(buf[pageSize-4:], uint32(len(chunk)))
			pn := nextPage
			nextPage++
			if _, err := f.WriteAt(buf, dataStart+int64(pn-1)*pageSize); err != nil {
				return anverr.Wrap("btree.Write", anverr.IO, err)
			}
			children = append(children, pageRef{pageNum: pn, firstKey: chunk[0].key, firstIdx: chunk[0].idx})
		}
		leafPageCount = uint32(len(children))

		for len(children) > 1 {
			depth++
			k := (pageSize - ptrSize) / (ptrSize + eSize)
			if k < 1 {
				return anverr.New("btree.Write", anverr.InvalidArgument)
			}
			var next []pageRef
			for i := 0; i < len(children); i += k + 1 {
				end := i + k + 1
				if end > len(children) {
					end = len(children)
				}
				batch := children[i:end]
				buf := make([]byte, pageSize)
				off := 0
				binary.LittleEndian.PutUint32(buf[off:off+ptrSize], batch[0].pageNum)
				off += ptrSize
				for _, c := range batch[1:] {
					writeEntry(buf[off:off+eSize], keyType, c.firstKey, c.firstIdx, kw)
					off += eSize
					binary.LittleEndian.PutUint32(buf[off:off+ptrSize], c.pageNum)
					off += ptrSize
				}
				binary.LittleEndian.PutUint32(buf[pageSize-4:], uint32(len(batch)))
				pn := nextPage
				nextPage++
				if _, err := f.WriteAt(buf, dataStart+int64(pn-1)*pageSize); err != nil {
					return anverr.Wrap("btree.Write", anverr.IO, err)
				}
				next = append(next, pageRef{pageNum: pn, firstKey: batch[0].firstKey, firstIdx: batch[0].firstIdx})
			}
			children = next
		}
		rootPage = children[0].pageNum
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], fileVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(keyType))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(pairs)))
	binary.LittleEndian.PutUint32(header[16:20], depth)
	binary.LittleEndian.PutUint32(header[20:24], rootPage)
	binary.LittleEndian.PutUint32(header[24:28], leafPageCount)
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(cmpNameBytes)))
	binary.LittleEndian.PutUint64(header[32:40], uint64(dataStart))
	if _, err := f.WriteAt(header, 0); err != nil {
		return anverr.Wrap("btree.Write", anverr.IO, err)
	}
	if len(cmpNameBytes) > 0 {
		if _, err := f.WriteAt(cmpNameBytes, headerSize); err != nil {
			return anverr.Wrap("btree.Write", anverr.IO, err)
		}
	}
	return f.Sync()
}

func writeEntry(buf []byte, keyType dtype.KeyType, key dtype.Key, idx uint32, kw int) {
	copy(buf[0:kw], keyPrefix(keyType, key, kw))
	binary.LittleEndian.PutUint32(buf[kw:kw+4], idx)
}

// Table is an opened btree_dtable: the paged index plus the base
// indexed dtable it accelerates lookup on.
type Table struct {
	mu      sync.Mutex
	f       *os.File
	keyType dtype.KeyType
	cmpName string
	cmp     dtype.BlobComparator

	dataStart     int64
	keyCount      uint32
	depth         uint32
	rootPage      uint32
	leafPageCount uint32
	kw            int
	eSize         int

	base IndexedInterface
}

func readPage(f *os.File, dataStart int64, pageNum uint32) ([]byte, error) {
	buf := make([]byte, pageSize)
	if _, err := f.ReadAt(buf, dataStart+int64(pageNum-1)*pageSize); err != nil {
		return nil, anverr.Wrap("btree.readPage", anverr.IO, err)
	}
	return buf, nil
}


// Open attaches a btree_dtable index file to base, the indexed dtable
// it was built over.
func Open(path string, base IndexedInterface) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, anverr.Wrap("btree.Open", anverr.IO, err)
	}
	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, anverr.Wrap("btree.Open", anverr.IO, err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != magic {
		f.Close()
		return nil, anverr.New("btree.Open", anverr.InvalidArgument)
	}
	keyType := dtype.KeyType(binary.LittleEndian.Uint32(header[8:12]))
	keyCount := binary.LittleEndian.Uint32(header[12:16])
	depth := binary.LittleEndian.Uint32(header[16:20])
	rootPage := binary.LittleEndian.Uint32(header[20:24])
	leafPageCount := binary.LittleEndian.Uint32(header[24:28])
	cmpLen := binary.LittleEndian.Uint32(header[28:32])
	dataStart := int64(binary.LittleEndian.Uint64(header[32:40]))

	cmpName := ""
	if cmpLen > 0 {
		buf := make([]byte, cmpLen)
		if _, err := f.ReadAt(buf, headerSize); err != nil {
			f.Close()
			return nil, anverr.Wrap("btree.Open", anverr.IO, err)
		}
		cmpName = string(buf)
	}

	return &Table{
		f: f, keyType: keyType, cmpName: cmpName, cmp: dtype.DefaultComparator,
		dataStart: dataStart, keyCount: keyCount, depth: depth,
		rootPage: rootPage, leafPageCount: leafPageCount,
		kw: keyWidth(keyType), eSize: entrySize(keyType),
		base: base,
	}, nil
}

func (t *Table) KeyType() dtype.KeyType { return t.keyType }

func (t *Table) SetBlobCmp(cmp dtype.BlobComparator) error {
	if t.cmpName != "" && (cmp == nil || cmp.Name() != t.cmpName) {
		return anverr.Newf("btree.SetBlobCmp", anverr.Busy, "index requires comparator %q", t.cmpName)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cmp == nil {
		cmp = dtype.DefaultComparator
	}
	t.cmp = cmp
	return t.base.SetBlobCmp(cmp)
}

func (t *Table) checkGate() error {
	if t.cmpName != "" && (t.cmp == nil || t.cmp.Name() != t.cmpName) {
		return anverr.Newf("btree.checkGate", anverr.Busy, "required comparator %q not attached", t.cmpName)
	}
	return nil
}

func (t *Table) Count() int { return int(t.keyCount) }

// descendToLeaf walks the internal levels from the root to find the one
// leaf page that could contain target (or the leaf immediately before
// where it would sort), using the raw key-prefix ordering stored in
// each page.
func (t *Table) descendToLeaf(target []byte) (uint32, error) {
	page := t.rootPage
	for level := t.depth; level > 0; level-- {
		buf, err := readPage(t.f, t.dataStart, page)
		if err != nil {
			return 0, err
		}
		count := binary.LittleEndian.Uint32(buf[pageSize-4:]) // number of pointers
		// Entries: ptr0 | (key,idx) x (count-1) | ptr_{count-1}
		lo, hi := 0, int(count)-1
		for lo < hi {
			mid := (lo + hi + 1) / 2
			off := ptrSize + (mid-1)*(t.eSize+ptrSize)
			mkBytes := buf[off : off+t.kw]
			if bytes.Compare(mkBytes, target) <= 0 {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		var childOff int
		if lo == 0 {
			childOff = 0
		} else {
			childOff = ptrSize + (lo-1)*(t.eSize+ptrSize) + t.eSize
		}
		page = binary.LittleEndian.Uint32(buf[childOff : childOff+ptrSize])
	}
	return page, nil
}

// search descends from the root using the raw key-prefix ordering
// stored in each page, returning the base index stored alongside the
// matching key, and whether one was found. For string/blob keys the
// stored prefix can tie without the real keys being equal (a long
// common prefix); ties at the leaf are resolved by fetching the real
// key back from the base via its dense index.
func (t *Table) search(ctx context.Context, key dtype.Key) (uint32, bool, error) {
	if t.keyCount == 0 {
		return 0, false, nil
	}
	target := keyPrefix(t.keyType, key, t.kw)
	page, err := t.descendToLeaf(target)
	if err != nil {
		return 0, false, err
	}

	buf, err := readPage(t.f, t.dataStart, page)
	if err != nil {
		return 0, false, err
	}
	filled := int(binary.LittleEndian.Uint32(buf[pageSize-4:]))
	lo, hi := 0, filled
	for lo < hi {
		mid := (lo + hi) / 2
		off := mid * t.eSize
		mkBytes := buf[off : off+t.kw]
		if bytes.Compare(mkBytes, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// Scan forward over every entry sharing the target prefix, confirming
	// against the real key held by the base — exact for fixed-width keys
	// (the prefix IS the key), a genuine disambiguation for string/blob.
	for i := lo; i < filled; i++ {
		off := i * t.eSize
		if !bytes.Equal(buf[off:off+t.kw], target) {
			break
		}
		idx := binary.LittleEndian.Uint32(buf[off+t.kw : off+t.kw+4])
		realKey, err := t.base.IndexKey(ctx, int(idx))
		if err != nil {
			return 0, false, err
		}
		if realKey.Equal(key, t.cmp) {
			return idx, true, nil
		}
	}
	return 0, false, nil
}

func (t *Table) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	if err := t.checkGate(); err != nil {
		return dtype.DNE, err
	}
	t.mu.Lock()
	idx, found, err := t.search(ctx, key)
	t.mu.Unlock()
	if err != nil {
		return dtype.DNE, err
	}
	if !found {
		return dtype.DNE, anverr.New("btree.Lookup", anverr.NotFound)
	}
	return t.valueAt(ctx, idx)
}

func (t *Table) valueAt(ctx context.Context, idx uint32) (dtype.Blob, error) {
	it, err := t.base.Iterator(ctx)
	if err != nil {
		return dtype.DNE, err
	}
	defer it.Close()
	if !it.SeekIndex(int(idx)) {
		return dtype.DNE, anverr.New("btree.valueAt", anverr.NotFound)
	}
	return it.Value()
}

func (t *Table) GetIndex(ctx context.Context, key dtype.Key) (int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, found, err := t.search(ctx, key)
	return int(idx), found, err
}

func (t *Table) IndexKey(ctx context.Context, index int) (dtype.Key, error) {
	return t.base.IndexKey(ctx, index)
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

func (t *Table) Iterator(ctx context.Context) (dtable.Iterator, error) {
	if err := t.checkGate(); err != nil {
		return nil, err
	}
	baseIt, err := t.base.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &iter{t: t, ctx: ctx, baseIt: baseIt, leafPage: 0, pos: -1}, nil
}

// iter walks leaf pages in ascending page-number order (pages 1..N were
// written first, in key order, by Write), so first/next/prev/last are
// all plain page-number arithmetic — no parent pointers or an explicit
// stack are needed to support last() correctly.
type iter struct {
	t        *Table
	ctx      context.Context
	baseIt   dtable.Iterator
	leafPage uint32 // 1-based; 0 = before-begin
	pos      int    // position within the current leaf page, or -1
	buf      []byte
	filled   int
}

// syncBase repositions baseIt onto the entry the iterator currently
// sits on, so Key/Meta/Value can simply delegate to it — the real key
// always comes from the base, never from the (possibly truncated)
// prefix stored in the index page.
func (it *iter) syncBase() bool {
	if !it.Valid() {
		return false
	}
	off := it.pos * it.t.eSize
	idx := binary.LittleEndian.Uint32(it.buf[off+it.t.kw : off+it.t.kw+4])
	return it.baseIt.SeekIndex(int(idx))
}

func (it *iter) loadPage(page uint32) error {
	buf, err := readPage(it.t.f, it.t.dataStart, page)
	if err != nil {
		return err
	}
	it.buf = buf
	it.filled = int(binary.LittleEndian.Uint32(buf[pageSize-4:]))
	it.leafPage = page
	return nil
}

func (it *iter) Valid() bool {
	return it.leafPage >= 1 && it.leafPage <= it.t.leafPageCount && it.pos >= 0 && it.pos < it.filled
}

func (it *iter) First() bool {
	if it.t.leafPageCount == 0 {
		it.leafPage, it.pos = 0, -1
		return false
	}
	if err := it.loadPage(1); err != nil {
		it.pos = -1
		return false
	}
	it.pos = 0
	it.syncBase()
	return it.Valid()
}

func (it *iter) Last() bool {
	if it.t.leafPageCount == 0 {
		it.leafPage, it.pos = 0, -1
		return false
	}
	if err := it.loadPage(it.t.leafPageCount); err != nil {
		it.pos = -1
		return false
	}
	it.pos = it.filled - 1
	it.syncBase()
	return it.Valid()
}

func (it *iter) Next() bool {
	if it.leafPage == 0 {
		return it.First()
	}
	it.pos++
	if it.pos >= it.filled {
		if it.leafPage >= it.t.leafPageCount {
			it.pos = it.filled
			return false
		}
		if err := it.loadPage(it.leafPage + 1); err != nil {
			return false
		}
		it.pos = 0
	}
	it.syncBase()
	return it.Valid()
}

func (it *iter) Prev() bool {
	if it.leafPage == 0 {
		return false
	}
	it.pos--
	if it.pos < 0 {
		if it.leafPage <= 1 {
			it.pos = -1
			return false
		}
		if err := it.loadPage(it.leafPage - 1); err != nil {
			return false
		}
		it.pos = it.filled - 1
	}
	it.syncBase()
	return it.Valid()
}

// Seek repositions at the first entry >= key, descending once to find
// the candidate leaf then scanning forward — confirming real equality
// against the base for any entry sharing key's stored prefix, since the
// prefix alone cannot distinguish string/blob keys beyond its width.
func (it *iter) Seek(key dtype.Key) bool {
	target := keyPrefix(it.t.keyType, key, it.t.kw)
	if it.t.leafPageCount == 0 {
		it.leafPage, it.pos = 0, -1
		return false
	}
	page, err := it.t.descendToLeaf(target)
	if err != nil {
		it.pos = -1
		return false
	}
	if err := it.loadPage(page); err != nil {
		it.pos = -1
		return false
	}
	pos := 0
	for {
		for ; pos < it.filled; pos++ {
			off := pos * it.t.eSize
			entryPrefix := it.buf[off : off+it.t.kw]
			switch bytes.Compare(entryPrefix, target) {
			case 1:
				it.pos = pos
				it.syncBase()
				return false
			case 0:
				idx := binary.LittleEndian.Uint32(it.buf[off+it.t.kw : off+it.t.kw+4])
				realKey, err := it.t.base.IndexKey(it.ctx, int(idx))
				if err != nil {
					continue
				}
				switch realKey.Compare(key, it.t.cmp) {
				case 0:
					it.pos = pos
					it.syncBase()
					return true
				case 1:
					it.pos = pos
					it.syncBase()
					return false
				}
				// realKey < key: keep scanning forward through ties.
			}
		}
		if it.leafPage >= it.t.leafPageCount {
			it.pos = it.filled
			return false
		}
		if err := it.loadPage(it.leafPage + 1); err != nil {
			it.pos = -1
			return false
		}
		pos = 0
	}
}

func (it *iter) SeekIndex(index int) bool {
	for page := uint32(1); page <= it.t.leafPageCount; page++ {
		if err := it.loadPage(page); err != nil {
			it.pos = -1
			return false
		}
		for pos := 0; pos < it.filled; pos++ {
			off := pos * it.t.eSize
			idx := binary.LittleEndian.Uint32(it.buf[off+it.t.kw : off+it.t.kw+4])
			if int(idx) == index {
				it.pos = pos
				return it.syncBase()
			}
		}
	}
	it.leafPage, it.pos = 0, -1
	return false
}

func (it *iter) GetIndex() (int, bool) {
	if !it.Valid() {
		return 0, false
	}
	off := it.pos * it.t.eSize
	idx := binary.LittleEndian.Uint32(it.buf[off+it.t.kw : off+it.t.kw+4])
	return int(idx), true
}

func (it *iter) Key() dtype.Key { return it.baseIt.Key() }

func (it *iter) Meta() dtype.MetaBlob { return it.baseIt.Meta() }

func (it *iter) Value() (dtype.Blob, error) { return it.baseIt.Value() }

func (it *iter) Close() error { return it.baseIt.Close() }

var (
	_ dtable.Interface = (*Table)(nil)
	_ dtable.Indexed   = (*Table)(nil)
	_ dtable.Iterator  = (*iter)(nil)
)

// classFactory registers btree_dtable: Create builds the inner "base"
// dtable first (from the same source/shadow), then builds the index
// over it; Open reopens the base through its own factory and reattaches
// the index file.
type classFactory struct{}

func (classFactory) ClassName() string { return "btree_dtable" }

func indexPath(dir string) string { return filepath.Join(dir, "index.bti") }

func baseDir(dir string) string { return filepath.Join(dir, "base") }

func resolveBase(config *params.Tree) (dtable.Factory, *params.Tree, error) {
	baseClass, err := config.GetClass("base")
	if err != nil {
		return nil, nil, anverr.Wrap("btree.resolveBase", anverr.InvalidArgument, err)
	}
	factory, err := dtable.Factories.MustLookup("btree.resolveBase", baseClass)
	if err != nil {
		return nil, nil, err
	}
	baseConfig, cerr := config.GetConfig("base_config")
	if cerr != nil {
		baseConfig = params.NewTree()
	}
	return factory, baseConfig, nil
}

func (classFactory) Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree, source, shadow dtable.Iterator) (dtable.Interface, error) {
	factory, baseConfig, err := resolveBase(config)
	if err != nil {
		return nil, err
	}
	baseTable, err := factory.Create(ctx, baseDir(dir), keyType, cmpName, baseConfig, source, shadow)
	if err != nil {
		return nil, err
	}
	indexed, ok := baseTable.(IndexedInterface)
	if !ok {
		baseTable.Close()
		return nil, anverr.New("btree.Create", anverr.Unsupported)
	}
	baseIt, err := baseTable.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	err = Write(ctx, indexPath(dir), keyType, cmpName, baseIt)
	baseIt.Close()
	if err != nil {
		return nil, err
	}
	return Open(indexPath(dir), indexed)
}

func (classFactory) Open(ctx context.Context, dir string, config *params.Tree) (dtable.Interface, error) {
	factory, baseConfig, err := resolveBase(config)
	if err != nil {
		return nil, err
	}
	baseTable, err := factory.Open(ctx, baseDir(dir), baseConfig)
	if err != nil {
		return nil, err
	}
	indexed, ok := baseTable.(IndexedInterface)
	if !ok {
		baseTable.Close()
		return nil, anverr.New("btree.Open", anverr.Unsupported)
	}
	return Open(indexPath(dir), indexed)
}

func init() {
	dtable.Factories.Register("btree_dtable", classFactory{})
}

var _ dtable.Factory = classFactory{}
