package ctable

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
)

// layoutSubBlob and layoutIndexBlob select simple_ctable's row codec.
const (
	layoutSubBlob   = "sub_blob"
	layoutIndexBlob = "index_blob"
)

// SimpleCtable is simple_ctable: each row is a single blob in rows,
// packed with either SubBlob (freeform named columns) or IndexBlob
// (fixed-count columns addressed by a declared name list).
type SimpleCtable struct {
	keyType dtype.KeyType
	layout  string
	columns []string // only meaningful (and non-empty) for index_blob
	gcEmpty bool
	rows    dtable.Writable
}

func newSimpleCtable(keyType dtype.KeyType, layout string, columns []string, gcEmpty bool, rows dtable.Writable) *SimpleCtable {
	return &SimpleCtable{keyType: keyType, layout: layout, columns: columns, gcEmpty: gcEmpty, rows: rows}
}

func (t *SimpleCtable) KeyType() dtype.KeyType { return t.keyType }

func (t *SimpleCtable) Columns() []string { return t.columns }

func (t *SimpleCtable) columnIndex(column string) (int, error) {
	for i, c := range t.columns {
		if c == column {
			return i, nil
		}
	}
	return 0, anverr.Newf("ctable.SimpleCtable", anverr.InvalidArgument, "unknown column %q", column)
}

func (t *SimpleCtable) loadRow(ctx context.Context, key dtype.Key) (raw []byte, found bool, err error) {
	v, err := t.rows.Lookup(ctx, key)
	if anverr.Is(err, anverr.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v.Bytes(), true, nil
}

func (t *SimpleCtable) Get(ctx context.Context, key dtype.Key, column string) (dtype.Blob, error) {
	raw, found, err := t.loadRow(ctx, key)
	if err != nil {
		return dtype.DNE, err
	}
	if !found {
		return dtype.DNE, anverr.New("ctable.SimpleCtable.Get", anverr.NotFound)
	}
	switch t.layout {
	case layoutIndexBlob:
		idx, err := t.columnIndex(column)
		if err != nil {
			return dtype.DNE, err
		}
		ib, err := DecodeIndexBlob(len(t.columns), raw)
		if err != nil {
			return dtype.DNE, err
		}
		v := ib.Get(idx)
		if !v.Exists() {
			return dtype.DNE, anverr.New("ctable.SimpleCtable.Get", anverr.NotFound)
		}
		return v, nil
	default:
		sb, err := DecodeSubBlob(raw)
		if err != nil {
			return dtype.DNE, err
		}
		v := sb.Get(column)
		if !v.Exists() {
			return dtype.DNE, anverr.New("ctable.SimpleCtable.Get", anverr.NotFound)
		}
		return v, nil
	}
}

func (t *SimpleCtable) Set(ctx context.Context, key dtype.Key, column string, value dtype.Blob) error {
	raw, _, err := t.loadRow(ctx, key)
	if err != nil {
		return err
	}
	switch t.layout {
	case layoutIndexBlob:
		idx, err := t.columnIndex(column)
		if err != nil {
			return err
		}
		ib, err := DecodeIndexBlob(len(t.columns), raw)
		if err != nil {
			return err
		}
		if err := ib.Set(idx, value); err != nil {
			return err
		}
		return t.rows.Insert(ctx, key, dtype.NewBlob(ib.Flatten()))
	default:
		sb, err := DecodeSubBlob(raw)
		if err != nil {
			return err
		}
		if err := sb.Set(column, value); err != nil {
			return err
		}
		return t.rows.Insert(ctx, key, dtype.NewBlob(sb.Flatten()))
	}
}

func (t *SimpleCtable) Remove(ctx context.Context, key dtype.Key, column string) error {
	raw, found, err := t.loadRow(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	switch t.layout {
	case layoutIndexBlob:
		idx, err := t.columnIndex(column)
		if err != nil {
			return err
		}
		ib, err := DecodeIndexBlob(len(t.columns), raw)
		if err != nil {
			return err
		}
		if err := ib.Remove(idx); err != nil {
			return err
		}
		if t.gcEmpty && ib.Empty() {
			return t.rows.Remove(ctx, key)
		}
		return t.rows.Insert(ctx, key, dtype.NewBlob(ib.Flatten()))
	default:
		sb, err := DecodeSubBlob(raw)
		if err != nil {
			return err
		}
		sb.Remove(column)
		if t.gcEmpty && sb.Empty() {
			return t.rows.Remove(ctx, key)
		}
		return t.rows.Insert(ctx, key, dtype.NewBlob(sb.Flatten()))
	}
}

func (t *SimpleCtable) RemoveRow(ctx context.Context, key dtype.Key) error {
	return t.rows.Remove(ctx, key)
}

func (t *SimpleCtable) Close() error { return t.rows.Close() }

func (t *SimpleCtable) Iterator(ctx context.Context) (Iterator, error) {
	rowIt, err := t.rows.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &simpleIter{t: t, rowIt: rowIt}, nil
}

var _ Interface = (*SimpleCtable)(nil)

type simpleIter struct {
	t       *SimpleCtable
	rowIt   dtable.Iterator
	cols    []subCol
	pos     int
	lastErr error
}

func (it *simpleIter) loadCurrentRow() error {
	v, err := it.rowIt.Value()
	if err != nil {
		return err
	}
	switch it.t.layout {
	case layoutIndexBlob:
		ib, err := DecodeIndexBlob(len(it.t.columns), v.Bytes())
		if err != nil {
			return err
		}
		it.cols = it.cols[:0]
		for i, name := range it.t.columns {
			if val := ib.Get(i); val.Exists() {
				it.cols = append(it.cols, subCol{name: name, value: val})
			}
		}
	default:
		sb, err := DecodeSubBlob(v.Bytes())
		if err != nil {
			return err
		}
		it.cols = it.cols[:0]
		for _, name := range sb.Columns() {
			it.cols = append(it.cols, subCol{name: name, value: sb.Get(name)})
		}
	}
	it.pos = 0
	return nil
}

// advance moves to the next row with at least one present column,
// starting from whatever row rowIt currently sits on (ok reports
// whether rowIt is currently valid).
func (it *simpleIter) advance(ok bool) bool {
	for ok {
		err := it.loadCurrentRow()
		if err != nil {
			it.lastErr = err
			it.cols = nil
			it.pos = 0
			return false
		}
		if len(it.cols) > 0 {
			return true
		}
		ok = it.rowIt.Next()
	}
	it.cols = nil
	it.pos = 0
	return false
}

func (it *simpleIter) First() bool { return it.advance(it.rowIt.First()) }

func (it *simpleIter) Valid() bool { return it.pos < len(it.cols) }

func (it *simpleIter) Next() bool {
	it.pos++
	if it.pos < len(it.cols) {
		return true
	}
	return it.advance(it.rowIt.Next())
}

func (it *simpleIter) Key() dtype.Key { return it.rowIt.Key() }

func (it *simpleIter) Column() string { return it.cols[it.pos].name }

func (it *simpleIter) Value() (dtype.Blob, error) {
	if it.lastErr != nil {
		return dtype.DNE, it.lastErr
	}
	return it.cols[it.pos].value, nil
}

func (it *simpleIter) Close() error { return it.rowIt.Close() }

var _ Iterator = (*simpleIter)(nil)

type simpleCtableFactory struct{}

func (simpleCtableFactory) ClassName() string { return "simple_ctable" }

func simpleCtableColumns(config *params.Tree) []string {
	n := int(config.GetInt("column_count", 0))
	cols := make([]string, n)
	for i := 0; i < n; i++ {
		cols[i] = config.GetString("column"+strconv.Itoa(i), "")
	}
	return cols
}

func (simpleCtableFactory) Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree) (Interface, error) {
	className, err := config.GetClass("rows")
	if err != nil {
		return nil, err
	}
	factory, err := dtable.Factories.MustLookup("ctable.simple_ctable.Create", className)
	if err != nil {
		return nil, err
	}
	rowsConfig, cerr := config.GetConfig("rows_config")
	if cerr != nil {
		rowsConfig = params.NewTree()
	}
	layout := config.GetString("layout", layoutSubBlob)
	columns := simpleCtableColumns(config)
	gcEmpty := config.GetBool("gc_empty_row", true)

	built, err := factory.Create(ctx, filepath.Join(dir, "rows"), keyType, cmpName, rowsConfig, nil, nil)
	if err != nil {
		return nil, err
	}
	rows, ok := built.(dtable.Writable)
	if !ok {
		built.Close()
		return nil, anverr.New("ctable.simple_ctable.Create", anverr.Unsupported)
	}
	return newSimpleCtable(keyType, layout, columns, gcEmpty, rows), nil
}

func (simpleCtableFactory) Open(ctx context.Context, dir string, config *params.Tree) (Interface, error) {
	className, err := config.GetClass("rows")
	if err != nil {
		return nil, err
	}
	factory, err := dtable.Factories.MustLookup("ctable.simple_ctable.Open", className)
	if err != nil {
		return nil, err
	}
	rowsConfig, cerr := config.GetConfig("rows_config")
	if cerr != nil {
		rowsConfig = params.NewTree()
	}
	built, err := factory.Open(ctx, filepath.Join(dir, "rows"), rowsConfig)
	if err != nil {
		return nil, err
	}
	rows, ok := built.(dtable.Writable)
	if !ok {
		built.Close()
		return nil, anverr.New("ctable.simple_ctable.Open", anverr.Unsupported)
	}
	layout := config.GetString("layout", layoutSubBlob)
	columns := simpleCtableColumns(config)
	gcEmpty := config.GetBool("gc_empty_row", true)
	return newSimpleCtable(built.KeyType(), layout, columns, gcEmpty, rows), nil
}

func init() {
	Factories.Register("simple_ctable", simpleCtableFactory{})
}

var _ Factory = simpleCtableFactory{}
