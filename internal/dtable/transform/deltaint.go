package transform

import (
	"context"
	"encoding/binary"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

func decodeU32(v dtype.Blob) (uint32, bool) {
	raw := v.Bytes()
	if len(raw) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(raw), true
}

func encodeU32(v uint32) dtype.Blob {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return dtype.NewBlob(buf)
}

// DeltaintTable implements deltaint_dtable: base holds the per-entry delta
// against the previous value of a monotonically non-decreasing u32
// sequence, ref holds the absolute value at every skip-th position so a
// point lookup only needs to scan forward from the nearest reference
// rather than summing from the start.
type DeltaintTable struct {
	keyType dtype.KeyType
	skip    int
	base    dtable.Interface
	ref     dtable.Interface
}

func (t *DeltaintTable) KeyType() dtype.KeyType { return t.keyType }

func (t *DeltaintTable) SetBlobCmp(cmp dtype.BlobComparator) error {
	if err := t.base.SetBlobCmp(cmp); err != nil {
		return err
	}
	return t.ref.SetBlobCmp(cmp)
}

func (t *DeltaintTable) indexedBase() (dtable.Indexed, error) {
	idx, ok := t.base.(dtable.Indexed)
	if !ok {
		return nil, anverr.New("deltaint.indexedBase", anverr.Unsupported)
	}
	return idx, nil
}

// sumAt returns the absolute value at position pos by locating the
// nearest reference position <= pos and scanning deltas forward.
func (t *DeltaintTable) sumAt(ctx context.Context, idx dtable.Indexed, pos int) (uint32, error) {
	refPos := (pos / t.skip) * t.skip
	refKey, err := idx.IndexKey(ctx, refPos)
	if err != nil {
		return 0, err
	}
	refVal, err := t.ref.Lookup(ctx, refKey)
	if err != nil {
		return 0, err
	}
	sum, ok := decodeU32(refVal)
	if !ok {
		return 0, anverr.New("deltaint.sumAt", anverr.InvalidArgument)
	}
	for p := refPos + 1; p <= pos; p++ {
		k, err := idx.IndexKey(ctx, p)
		if err != nil {
			return 0, err
		}
		dv, err := t.base.Lookup(ctx, k)
		if err != nil {
			return 0, err
		}
		delta, ok := decodeU32(dv)
		if !ok {
			return 0, anverr.New("deltaint.sumAt", anverr.InvalidArgument)
		}
		sum += delta
	}
	return sum, nil
}

func (t *DeltaintTable) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	idx, err := t.indexedBase()
	if err != nil {
		return dtype.DNE, err
	}
	pos, found, err := idx.GetIndex(ctx, key)
	if err != nil {
		return dtype.DNE, err
	}
	if !found {
		return dtype.DNE, anverr.New("deltaint.Lookup", anverr.NotFound)
	}
	sum, err := t.sumAt(ctx, idx, pos)
	if err != nil {
		return dtype.DNE, err
	}
	return encodeU32(sum), nil
}

func (t *DeltaintTable) GetIndex(ctx context.Context, key dtype.Key) (int, bool, error) {
	idx, err := t.indexedBase()
	if err != nil {
		return 0, false, err
	}
	return idx.GetIndex(ctx, key)
}

func (t *DeltaintTable) IndexKey(ctx context.Context, index int) (dtype.Key, error) {
	idx, err := t.indexedBase()
	if err != nil {
		return dtype.Key{}, err
	}
	return idx.IndexKey(ctx, index)
}

func (t *DeltaintTable) Count() int {
	idx, ok := t.base.(dtable.Indexed)
	if !ok {
		return 0
	}
	return idx.Count()
}

func (t *DeltaintTable) Close() error {
	err := t.base.Close()
	if err2 := t.ref.Close(); err2 != nil && err == nil {
		err = err2
	}
	return err
}

func (t *DeltaintTable) Iterator(ctx context.Context) (dtable.Iterator, error) {
	baseIt, err := t.base.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &deltaintIter{t: t, ctx: ctx, baseIt: baseIt, pos: -1}, nil
}

// deltaintIter accumulates a running sum across forward iteration by
// adding each entry's delta in turn; a sum is only ever resynced against
// ref when the iterator jumps or steps backward (Seek, SeekIndex, Last,
// Prev).
type deltaintIter struct {
	t      *DeltaintTable
	ctx    context.Context
	baseIt dtable.Iterator
	pos    int
	sum    uint32
	valid  bool
}

func (it *deltaintIter) Valid() bool { return it.valid }

func (it *deltaintIter) First() bool {
	if !it.baseIt.First() {
		it.valid = false
		return false
	}
	it.pos = 0
	it.sum = 0
	it.addCurrentDelta()
	it.valid = true
	return true
}

func (it *deltaintIter) addCurrentDelta() {
	v, err := it.baseIt.Value()
	if err != nil || !v.Exists() {
		return
	}
	delta, ok := decodeU32(v)
	if ok {
		it.sum += delta
	}
}

func (it *deltaintIter) Next() bool {
	if !it.baseIt.Next() {
		it.valid = false
		return false
	}
	it.pos++
	it.addCurrentDelta()
	it.valid = true
	return true
}

func (it *deltaintIter) resync() bool {
	idx, ok := it.t.base.(dtable.Indexed)
	if !ok {
		it.valid = false
		return false
	}
	pos, ok := it.baseIt.GetIndex()
	if !ok {
		it.valid = false
		return false
	}
	sum, err := it.t.sumAt(it.ctx, idx, pos)
	if err != nil {
		it.valid = false
		return false
	}
	it.pos = pos
	it.sum = sum
	it.valid = true
	return true
}

func (it *deltaintIter) Last() bool {
	if !it.baseIt.Last() {
		it.valid = false
		return false
	}
	return it.resync()
}

func (it *deltaintIter) Prev() bool {
	if !it.baseIt.Prev() {
		it.valid = false
		return false
	}
	return it.resync()
}

func (it *deltaintIter) Seek(key dtype.Key) bool {
	found := it.baseIt.Seek(key)
	if !it.resync() {
		return false
	}
	return found
}

func (it *deltaintIter) SeekIndex(i int) bool {
	if !it.baseIt.SeekIndex(i) {
		it.valid = false
		return false
	}
	return it.resync()
}

func (it *deltaintIter) GetIndex() (int, bool) {
	if !it.valid {
		return 0, false
	}
	return it.pos, true
}

func (it *deltaintIter) Key() dtype.Key { return it.baseIt.Key() }

func (it *deltaintIter) Value() (dtype.Blob, error) {
	if !it.valid {
		return dtype.DNE, anverr.New("deltaint.Value", anverr.InvalidArgument)
	}
	return encodeU32(it.sum), nil
}

func (it *deltaintIter) Meta() dtype.MetaBlob {
	v, err := it.Value()
	if err != nil {
		return dtype.DNEMeta
	}
	return dtype.MetaOf(v)
}

func (it *deltaintIter) Close() error { return it.baseIt.Close() }

var (
	_ dtable.Interface = (*DeltaintTable)(nil)
	_ dtable.Indexed   = (*DeltaintTable)(nil)
	_ dtable.Iterator  = (*deltaintIter)(nil)
)

// deltaintWrite drives two reverse wrappers over source in lockstep: base
// collects the delta against the previous absolute value (0 for the
// first entry), ref collects the absolute value itself at positions 0,
// skip, 2*skip, ....
func deltaintWrite(ctx context.Context, keyType dtype.KeyType, skip int, source dtable.Iterator) (base, ref *memtable.Table, err error) {
	base = memtable.New(keyType, memtable.TombstoneOnRemove)
	ref = memtable.New(keyType, memtable.TombstoneOnRemove)
	var prev uint32
	pos := 0
	for ok := source.First(); ok; ok = source.Next() {
		key := source.Key()
		v, verr := source.Value()
		if verr != nil {
			return nil, nil, verr
		}
		if !v.Exists() {
			continue
		}
		cur, valid := decodeU32(v)
		if !valid {
			return nil, nil, anverr.Newf("deltaint.Write", anverr.InvalidArgument, "value for key %s is not a 4-byte u32", key.String())
		}
		if pos > 0 && cur < prev {
			return nil, nil, anverr.Newf("deltaint.Write", anverr.InvalidArgument, "sequence not non-decreasing at key %s", key.String())
		}
		delta := cur
		if pos > 0 {
			delta = cur - prev
		}
		if err := base.Insert(ctx, key, encodeU32(delta), false); err != nil {
			return nil, nil, err
		}
		if pos%skip == 0 {
			if err := ref.Insert(ctx, key, encodeU32(cur), false); err != nil {
				return nil, nil, err
			}
		}
		prev = cur
		pos++
	}
	return base, ref, nil
}

type deltaintFactory struct{}

func (deltaintFactory) ClassName() string { return "deltaint_dtable" }

func (deltaintFactory) Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree, source, shadow dtable.Iterator) (dtable.Interface, error) {
	skip := int(config.GetInt("skip", 16))
	if skip < 2 {
		return nil, anverr.Newf("deltaint.Create", anverr.InvalidArgument, "skip must be >= 2, got %d", skip)
	}
	baseFactory, baseConfig, err := resolveFactory(config, "base", "base_config")
	if err != nil {
		return nil, err
	}
	refFactory, refConfig, err := resolveFactory(config, "ref", "ref_config")
	if err != nil {
		return nil, err
	}

	baseData, refData, err := deltaintWrite(ctx, keyType, skip, source)
	if err != nil {
		return nil, err
	}

	baseIt, err := baseData.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	baseTable, err := baseFactory.Create(ctx, subdir(dir, "base"), keyType, cmpName, baseConfig, baseIt, nil)
	baseIt.Close()
	if err != nil {
		return nil, err
	}

	refIt, err := refData.Iterator(ctx)
	if err != nil {
		baseTable.Close()
		return nil, err
	}
	refTable, err := refFactory.Create(ctx, subdir(dir, "ref"), keyType, cmpName, refConfig, refIt, nil)
	refIt.Close()
	if err != nil {
		baseTable.Close()
		return nil, err
	}

	return &DeltaintTable{keyType: keyType, skip: skip, base: baseTable, ref: refTable}, nil
}

func (deltaintFactory) Open(ctx context.Context, dir string, config *params.Tree) (dtable.Interface, error) {
	skip := int(config.GetInt("skip", 16))
	baseFactory, baseConfig, err := resolveFactory(config, "base", "base_config")
	if err != nil {
		return nil, err
	}
	baseTable, err := baseFactory.Open(ctx, subdir(dir, "base"), baseConfig)
	if err != nil {
		return nil, err
	}
	refFactory, refConfig, err := resolveFactory(config, "ref", "ref_config")
	if err != nil {
		baseTable.Close()
		return nil, err
	}
	refTable, err := refFactory.Open(ctx, subdir(dir, "ref"), refConfig)
	if err != nil {
		baseTable.Close()
		return nil, err
	}
	return &DeltaintTable{keyType: baseTable.KeyType(), skip: skip, base: baseTable, ref: refTable}, nil
}

func init() {
	dtable.Factories.Register("deltaint_dtable", deltaintFactory{})
}

var _ dtable.Factory = deltaintFactory{}
