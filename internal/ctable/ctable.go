// Package ctable implements the column-table family from spec.md §4.8:
// simple_ctable (one packed-column blob per key, via sub_blob or
// index_blob layout) and column_ctable (one dtable per column). Both
// are built on top of internal/dtable the same way manageddtable layers
// its journal/digest/combine policy over a plain leaf — a ctable is a
// row/column view over one or more dtables, never a storage format of
// its own.
package ctable

import (
	"context"

	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
	"github.com/nathansgreen/anvil/internal/registry"
)

// Interface is the capability set every ctable implementation provides.
type Interface interface {
	KeyType() dtype.KeyType

	// Get returns the value stored for (key, column), or an anverr
	// NotFound error if the row or the column within it is absent.
	Get(ctx context.Context, key dtype.Key, column string) (dtype.Blob, error)

	// Set stores value for (key, column), creating the row if needed.
	Set(ctx context.Context, key dtype.Key, column string, value dtype.Blob) error

	// Remove drops column from key's row. Implementations may garbage
	// collect the row entirely once its last column is removed.
	Remove(ctx context.Context, key dtype.Key, column string) error

	// RemoveRow drops every column of key's row.
	RemoveRow(ctx context.Context, key dtype.Key) error

	// Columns reports the column names this ctable knows about. For
	// simple_ctable with a sub_blob layout this may be empty (columns
	// are freeform per-row); column_ctable and index_blob layouts
	// always report a fixed, non-empty list.
	Columns() []string

	// Iterator returns a fresh (key, column, value) triple iterator
	// positioned before the first entry.
	Iterator(ctx context.Context) (Iterator, error)

	Close() error
}

// Iterator walks a ctable's (key, column, value) triples in key order,
// and in row-declaration order within a row.
type Iterator interface {
	Valid() bool
	First() bool
	Next() bool
	Key() dtype.Key
	Column() string
	Value() (dtype.Blob, error)
	Close() error
}

// Factory is the ctable_factory abstract base from spec.md §4.10.
type Factory interface {
	ClassName() string
	Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree) (Interface, error)
	Open(ctx context.Context, dir string, config *params.Tree) (Interface, error)
}

// Factories is the process-wide ctable factory registry.
var Factories = registry.New[Factory]()
