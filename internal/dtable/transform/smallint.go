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

// encodeSmallint packs a 4-byte (little-endian, dtype's flattened u32
// form) value into bytesN big-endian bytes, or reports ok=false if the
// value is the wrong width or doesn't fit.
func encodeSmallint(bytesN int, v dtype.Blob) ([]byte, bool) {
	raw := v.Bytes()
	if len(raw) != 4 {
		return nil, false
	}
	val := binary.LittleEndian.Uint32(raw)
	limit := uint64(1) << uint(8*bytesN)
	if uint64(val) >= limit {
		return nil, false
	}
	buf := make([]byte, bytesN)
	for i := 0; i < bytesN; i++ {
		shift := 8 * (bytesN - 1 - i)
		buf[i] = byte(val >> uint(shift))
	}
	return buf, true
}

func decodeSmallint(raw []byte) dtype.Blob {
	var val uint32
	for _, b := range raw {
		val = (val << 8) | uint32(b)
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, val)
	return dtype.NewBlob(out)
}

// SmallintTable implements smallint_dtable: values are packed into
// bytesN bytes in the base table; a value that doesn't fit is instead
// recorded verbatim in the optional exceptions side-table (the reject
// protocol's out-of-line exception map), which Lookup/Iterator always
// consult first since a placeholder in base never round-trips to the
// real value.
type SmallintTable struct {
	keyType    dtype.KeyType
	bytesN     int
	base       dtable.Interface
	exceptions dtable.Interface
}

func (t *SmallintTable) KeyType() dtype.KeyType { return t.keyType }

func (t *SmallintTable) SetBlobCmp(cmp dtype.BlobComparator) error {
	if err := t.base.SetBlobCmp(cmp); err != nil {
		return err
	}
	if t.exceptions != nil {
		return t.exceptions.SetBlobCmp(cmp)
	}
	return nil
}

func (t *SmallintTable) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	if t.exceptions != nil {
		v, err := t.exceptions.Lookup(ctx, key)
		if err == nil {
			return v, nil
		}
		if !anverr.Is(err, anverr.NotFound) {
			return dtype.DNE, err
		}
	}
	v, err := t.base.Lookup(ctx, key)
	if err != nil {
		return dtype.DNE, err
	}
	return decodeSmallint(v.Bytes()), nil
}

func (t *SmallintTable) GetIndex(ctx context.Context, key dtype.Key) (int, bool, error) {
	idx, ok := t.base.(dtable.Indexed)
	if !ok {
		return 0, false, anverr.New("smallint.GetIndex", anverr.Unsupported)
	}
	return idx.GetIndex(ctx, key)
}

func (t *SmallintTable) IndexKey(ctx context.Context, index int) (dtype.Key, error) {
	idx, ok := t.base.(dtable.Indexed)
	if !ok {
		return dtype.Key{}, anverr.New("smallint.IndexKey", anverr.Unsupported)
	}
	return idx.IndexKey(ctx, index)
}

func (t *SmallintTable) Count() int {
	idx, ok := t.base.(dtable.Indexed)
	if !ok {
		return 0
	}
	return idx.Count()
}

func (t *SmallintTable) Close() error {
	err := t.base.Close()
	if t.exceptions != nil {
		if err2 := t.exceptions.Close(); err2 != nil && err == nil {
			err = err2
		}
	}
	return err
}

func (t *SmallintTable) Iterator(ctx context.Context) (dtable.Iterator, error) {
	baseIt, err := t.base.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &smallintIter{t: t, ctx: ctx, baseIt: baseIt}, nil
}

type smallintIter struct {
	t      *SmallintTable
	ctx    context.Context
	baseIt dtable.Iterator
}

func (it *smallintIter) Valid() bool            { return it.baseIt.Valid() }
func (it *smallintIter) Next() bool             { return it.baseIt.Next() }
func (it *smallintIter) Prev() bool             { return it.baseIt.Prev() }
func (it *smallintIter) First() bool            { return it.baseIt.First() }
func (it *smallintIter) Last() bool             { return it.baseIt.Last() }
func (it *smallintIter) Seek(key dtype.Key) bool { return it.baseIt.Seek(key) }
func (it *smallintIter) SeekIndex(i int) bool    { return it.baseIt.SeekIndex(i) }
func (it *smallintIter) GetIndex() (int, bool)   { return it.baseIt.GetIndex() }
func (it *smallintIter) Key() dtype.Key          { return it.baseIt.Key() }
func (it *smallintIter) Close() error            { return it.baseIt.Close() }

func (it *smallintIter) Value() (dtype.Blob, error) {
	if it.t.exceptions != nil {
		v, err := it.t.exceptions.Lookup(it.ctx, it.baseIt.Key())
		if err == nil {
			return v, nil
		}
		if !anverr.Is(err, anverr.NotFound) {
			return dtype.DNE, err
		}
	}
	bv, err := it.baseIt.Value()
	if err != nil {
		return dtype.DNE, err
	}
	if !bv.Exists() {
		return dtype.DNE, nil
	}
	return decodeSmallint(bv.Bytes()), nil
}

func (it *smallintIter) Meta() dtype.MetaBlob {
	v, err := it.Value()
	if err != nil {
		return dtype.DNEMeta
	}
	return dtype.MetaOf(v)
}

var (
	_ dtable.Interface = (*SmallintTable)(nil)
	_ dtable.Indexed   = (*SmallintTable)(nil)
	_ dtable.Iterator  = (*smallintIter)(nil)
)

// smallintWrite drives the reverse encoder over source, splitting
// entries that don't fit into bytesN bytes off into exceptions (when
// configured) rather than failing — exceptions is nil when the config
// carries no exception side-table, in which case an out-of-range value
// aborts the whole create with an unsupported-data error.
func smallintWrite(ctx context.Context, keyType dtype.KeyType, bytesN int, source, shadow dtable.Iterator, withExceptions bool) (encoded, exceptions *memtable.Table, err error) {
	encoded = memtable.New(keyType, memtable.TombstoneOnRemove)
	if withExceptions {
		exceptions = memtable.New(keyType, memtable.TombstoneOnRemove)
	}
	for ok := source.First(); ok; ok = source.Next() {
		key := source.Key()
		v, verr := source.Value()
		if verr != nil {
			return nil, nil, verr
		}
		if !v.Exists() {
			if shadow == nil || !shadow.Seek(key) {
				continue
			}
			if err := encoded.Remove(ctx, key); err != nil {
				return nil, nil, err
			}
			continue
		}
		packed, ok := encodeSmallint(bytesN, v)
		if ok {
			if err := encoded.Insert(ctx, key, dtype.NewBlob(packed), false); err != nil {
				return nil, nil, err
			}
			continue
		}
		if exceptions == nil {
			return nil, nil, anverr.Newf("smallint.Write", anverr.Unsupported, "value for key %s out of smallint range", key.String())
		}
		if err := exceptions.Insert(ctx, key, v, false); err != nil {
			return nil, nil, err
		}
		if err := encoded.Insert(ctx, key, dtype.NewBlob(make([]byte, bytesN)), false); err != nil {
			return nil, nil, err
		}
	}
	return encoded, exceptions, nil
}

type smallintFactory struct{}

func (smallintFactory) ClassName() string { return "smallint_dtable" }

func (smallintFactory) Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree, source, shadow dtable.Iterator) (dtable.Interface, error) {
	bytesN := int(config.GetInt("bytes", 4))
	if bytesN < 1 || bytesN > 3 {
		return nil, anverr.Newf("smallint.Create", anverr.InvalidArgument, "bytes must be 1..3, got %d", bytesN)
	}
	baseFactory, baseConfig, err := resolveFactory(config, "base", "base_config")
	if err != nil {
		return nil, err
	}
	excFactory, excConfig, hasExc, err := resolveOptionalFactory(config, "exceptions", "exceptions_config")
	if err != nil {
		return nil, err
	}

	encoded, exceptions, err := smallintWrite(ctx, keyType, bytesN, source, shadow, hasExc)
	if err != nil {
		return nil, err
	}

	encIt, err := encoded.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	baseTable, err := baseFactory.Create(ctx, subdir(dir, "base"), keyType, cmpName, baseConfig, encIt, nil)
	encIt.Close()
	if err != nil {
		return nil, err
	}

	var excTable dtable.Interface
	if exceptions != nil {
		excIt, err := exceptions.Iterator(ctx)
		if err != nil {
			baseTable.Close()
			return nil, err
		}
		excTable, err = excFactory.Create(ctx, subdir(dir, "exceptions"), keyType, cmpName, excConfig, excIt, nil)
		excIt.Close()
		if err != nil {
			baseTable.Close()
			return nil, err
		}
	}

	return &SmallintTable{keyType: keyType, bytesN: bytesN, base: baseTable, exceptions: excTable}, nil
}

func (smallintFactory) Open(ctx context.Context, dir string, config *params.Tree) (dtable.Interface, error) {
	bytesN := int(config.GetInt("bytes", 4))
	baseFactory, baseConfig, err := resolveFactory(config, "base", "base_config")
	if err != nil {
		return nil, err
	}
	baseTable, err := baseFactory.Open(ctx, subdir(dir, "base"), baseConfig)
	if err != nil {
		return nil, err
	}

	excFactory, excConfig, hasExc, err := resolveOptionalFactory(config, "exceptions", "exceptions_config")
	if err != nil {
		baseTable.Close()
		return nil, err
	}
	var excTable dtable.Interface
	if hasExc {
		excTable, err = excFactory.Open(ctx, subdir(dir, "exceptions"), excConfig)
		if err != nil {
			baseTable.Close()
			return nil, err
		}
	}

	return &SmallintTable{keyType: baseTable.KeyType(), bytesN: bytesN, base: baseTable, exceptions: excTable}, nil
}

func init() {
	dtable.Factories.Register("smallint_dtable", smallintFactory{})
}

var _ dtable.Factory = smallintFactory{}
