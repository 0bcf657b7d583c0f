package ctable

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

const (
	columnMetaMagic   uint32 = 0x36BC4B9D
	columnMetaVersion uint32 = 1
	columnMetaFile           = "meta.cct"
)

// ColumnCtable is column_ctable: one dtable per column, all sharing the
// same key type, with a central metadata file recording the column
// name table. Row-level iteration advances the primary column's
// iterator and looks the same key up in every other column, skipping
// keys the primary column doesn't have — the same *effect* as the
// literal per-column-cursor lockstep spec.md describes, since the
// output set is exactly the primary column's keyset either way.
type ColumnCtable struct {
	keyType dtype.KeyType
	names   []string
	primary int
	columns []dtable.Interface
}

func newColumnCtable(keyType dtype.KeyType, names []string, primary int, columns []dtable.Interface) *ColumnCtable {
	return &ColumnCtable{keyType: keyType, names: names, primary: primary, columns: columns}
}

func (t *ColumnCtable) KeyType() dtype.KeyType { return t.keyType }

func (t *ColumnCtable) Columns() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

func (t *ColumnCtable) columnIndex(column string) (int, error) {
	for i, name := range t.names {
		if name == column {
			return i, nil
		}
	}
	return 0, anverr.Newf("ctable.ColumnCtable", anverr.InvalidArgument, "unknown column %q", column)
}

func (t *ColumnCtable) Get(ctx context.Context, key dtype.Key, column string) (dtype.Blob, error) {
	idx, err := t.columnIndex(column)
	if err != nil {
		return dtype.DNE, err
	}
	return t.columns[idx].Lookup(ctx, key)
}

func (t *ColumnCtable) writable(idx int) (dtable.Writable, error) {
	w, ok := t.columns[idx].(dtable.Writable)
	if !ok {
		return nil, anverr.New("ctable.ColumnCtable", anverr.Unsupported)
	}
	return w, nil
}

func (t *ColumnCtable) Set(ctx context.Context, key dtype.Key, column string, value dtype.Blob) error {
	idx, err := t.columnIndex(column)
	if err != nil {
		return err
	}
	w, err := t.writable(idx)
	if err != nil {
		return err
	}
	return w.Insert(ctx, key, value)
}

func (t *ColumnCtable) Remove(ctx context.Context, key dtype.Key, column string) error {
	idx, err := t.columnIndex(column)
	if err != nil {
		return err
	}
	w, err := t.writable(idx)
	if err != nil {
		return err
	}
	return w.Remove(ctx, key)
}

// RemoveRow removes key from every column inside one commit group: if
// every column's dtable supports Transactable, each column's removal
// runs under its own atx and all commit together (or all abort on the
// first failure); otherwise it falls back to sequential best-effort
// removal, matching the "a plain dtable stack never wires rwatx under
// every column" case.
func (t *ColumnCtable) RemoveRow(ctx context.Context, key dtype.Key) error {
	txs := make([]dtable.Atx, 0, len(t.columns))
	allTransactable := true
	for _, col := range t.columns {
		txable, ok := col.(dtable.Transactable)
		if !ok {
			allTransactable = false
			break
		}
		atx, err := txable.CreateTx(ctx)
		if err != nil {
			allTransactable = false
			break
		}
		txs = append(txs, atx)
	}

	if allTransactable {
		for i, atx := range txs {
			var err error
			if r, ok := atx.(interface {
				Remove(context.Context, dtype.Key) error
			}); ok {
				err = r.Remove(ctx, key)
			} else if w, ok := t.columns[i].(dtable.Writable); ok {
				err = w.Remove(ctx, key)
			} else {
				continue
			}
			if err != nil {
				for _, a := range txs {
					a.Abort(ctx)
				}
				return err
			}
		}
		var firstErr error
		for _, atx := range txs {
			if err := atx.Commit(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var firstErr error
	for _, col := range t.columns {
		w, ok := col.(dtable.Writable)
		if !ok {
			continue
		}
		if err := w.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *ColumnCtable) Close() error {
	var firstErr error
	for _, col := range t.columns {
		if err := col.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *ColumnCtable) Iterator(ctx context.Context) (Iterator, error) {
	primaryIt, err := t.columns[t.primary].Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &columnIter{ctx: ctx, t: t, primaryIt: primaryIt}, nil
}

var _ Interface = (*ColumnCtable)(nil)

type columnIter struct {
	ctx       context.Context
	t         *ColumnCtable
	primaryIt dtable.Iterator
	key       dtype.Key
	loaded    []subCol
	pos       int
	lastErr   error
}

// loadRow scans forward from the primary iterator's current position
// (ok reports whether it's currently valid) until it finds a row with
// at least one present column, or runs out. A non-NotFound error from
// any column's Lookup aborts the scan; it surfaces from the next
// Value() call.
func (it *columnIter) loadRow(ok bool) bool {
	for ok {
		key := it.primaryIt.Key()
		var loaded []subCol
		for i, name := range it.t.names {
			var v dtype.Blob
			var err error
			if i == it.t.primary {
				v, err = it.primaryIt.Value()
			} else {
				v, err = it.t.columns[i].Lookup(it.ctx, key)
			}
			if err != nil {
				if anverr.Is(err, anverr.NotFound) {
					continue
				}
				it.lastErr = err
				it.loaded = nil
				it.pos = 0
				return false
			}
			if v.Exists() {
				loaded = append(loaded, subCol{name: name, value: v})
			}
		}
		if len(loaded) > 0 {
			it.key = key
			it.loaded = loaded
			it.pos = 0
			return true
		}
		ok = it.primaryIt.Next()
	}
	it.loaded = nil
	it.pos = 0
	return false
}

func (it *columnIter) First() bool { return it.loadRow(it.primaryIt.First()) }

func (it *columnIter) Valid() bool { return it.pos < len(it.loaded) }

func (it *columnIter) Next() bool {
	it.pos++
	if it.pos < len(it.loaded) {
		return true
	}
	return it.loadRow(it.primaryIt.Next())
}

func (it *columnIter) Key() dtype.Key { return it.key }

func (it *columnIter) Column() string { return it.loaded[it.pos].name }

func (it *columnIter) Value() (dtype.Blob, error) {
	if it.lastErr != nil {
		return dtype.DNE, it.lastErr
	}
	return it.loaded[it.pos].value, nil
}

func (it *columnIter) Close() error { return it.primaryIt.Close() }

var _ Iterator = (*columnIter)(nil)

// writeColumnMeta/readColumnMeta persist the magic/version/column-name
// table spec.md's wire-format appendix lists for column_ctable.
func writeColumnMeta(dir string, names []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return anverr.Wrap("ctable.writeColumnMeta", anverr.IO, err)
	}
	buf := make([]byte, 0, 12+len(names)*8)
	buf = binary.LittleEndian.AppendUint32(buf, columnMetaMagic)
	buf = binary.LittleEndian.AppendUint32(buf, columnMetaVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(names)))
	for _, name := range names {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
		buf = append(buf, name...)
	}
	return anverr.Wrap("ctable.writeColumnMeta", anverr.IO,
		os.WriteFile(filepath.Join(dir, columnMetaFile), buf, 0o644))
}

func readColumnMeta(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, columnMetaFile))
	if err != nil {
		return nil, anverr.Wrap("ctable.readColumnMeta", anverr.IO, err)
	}
	if len(data) < 12 {
		return nil, anverr.New("ctable.readColumnMeta", anverr.InvalidArgument)
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != columnMetaMagic {
		return nil, anverr.New("ctable.readColumnMeta", anverr.InvalidArgument)
	}
	count := binary.LittleEndian.Uint32(data[8:12])
	offset := 12
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(data) {
			return nil, anverr.New("ctable.readColumnMeta", anverr.InvalidArgument)
		}
		nameLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if offset+nameLen > len(data) {
			return nil, anverr.New("ctable.readColumnMeta", anverr.InvalidArgument)
		}
		names = append(names, string(data[offset:offset+nameLen]))
		offset += nameLen
	}
	return names, nil
}

type columnCtableFactory struct{}

func (columnCtableFactory) ClassName() string { return "column_ctable" }

func columnSubdir(dir string, i int) string {
	return filepath.Join(dir, "column"+strconv.Itoa(i))
}

func (columnCtableFactory) Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree) (Interface, error) {
	n := int(config.GetInt("column_count", 0))
	if n < 1 {
		return nil, anverr.New("ctable.column_ctable.Create", anverr.InvalidArgument)
	}
	names := make([]string, n)
	columns := make([]dtable.Interface, n)
	primary := int(config.GetInt("primary", 0))

	for i := 0; i < n; i++ {
		name := config.GetString("column"+strconv.Itoa(i)+"_name", "")
		if name == "" {
			closeColumns(columns[:i])
			return nil, anverr.Newf("ctable.column_ctable.Create", anverr.InvalidArgument, "column%d_name required", i)
		}
		names[i] = name

		className, err := config.GetClass("column" + strconv.Itoa(i))
		if err != nil {
			closeColumns(columns[:i])
			return nil, err
		}
		factory, err := dtable.Factories.MustLookup("ctable.column_ctable.Create", className)
		if err != nil {
			closeColumns(columns[:i])
			return nil, err
		}
		subConfig, cerr := config.GetConfig("column" + strconv.Itoa(i) + "_config")
		if cerr != nil {
			subConfig = params.NewTree()
		}
		built, err := factory.Create(ctx, columnSubdir(dir, i), keyType, cmpName, subConfig, nil, nil)
		if err != nil {
			closeColumns(columns[:i])
			return nil, err
		}
		columns[i] = built
	}

	if err := writeColumnMeta(dir, names); err != nil {
		closeColumns(columns)
		return nil, err
	}

	return newColumnCtable(keyType, names, primary, columns), nil
}

func (columnCtableFactory) Open(ctx context.Context, dir string, config *params.Tree) (Interface, error) {
	names, err := readColumnMeta(dir)
	if err != nil {
		return nil, err
	}
	primary := int(config.GetInt("primary", 0))
	columns := make([]dtable.Interface, len(names))
	var keyType dtype.KeyType

	for i := range names {
		className, err := config.GetClass("column" + strconv.Itoa(i))
		if err != nil {
			closeColumns(columns[:i])
			return nil, err
		}
		factory, err := dtable.Factories.MustLookup("ctable.column_ctable.Open", className)
		if err != nil {
			closeColumns(columns[:i])
			return nil, err
		}
		subConfig, cerr := config.GetConfig("column" + strconv.Itoa(i) + "_config")
		if cerr != nil {
			subConfig = params.NewTree()
		}
		built, err := factory.Open(ctx, columnSubdir(dir, i), subConfig)
		if err != nil {
			closeColumns(columns[:i])
			return nil, err
		}
		columns[i] = built
		keyType = built.KeyType()
	}

	return newColumnCtable(keyType, names, primary, columns), nil
}

func closeColumns(columns []dtable.Interface) {
	for _, c := range columns {
		if c != nil {
			c.Close()
		}
	}
}

func init() {
	Factories.Register("column_ctable", columnCtableFactory{})
}

var _ Factory = columnCtableFactory{}
