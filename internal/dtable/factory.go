package dtable

import (
	"context"

	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/params"
	"github.com/nathansgreen/anvil/internal/registry"
)

// Factory is the dtable_factory abstract base from spec.md §4.10: every
// leaf or wrapper dtable implementation registers one global instance
// under its class name. Create builds a brand-new on-disk (or
// in-memory) instance from a source iterator (and optional shadow
// iterator, used by digest/combine to decide whether a tombstone is
// droppable); Open reattaches to one that already exists on disk.
type Factory interface {
	// ClassName reports the name this factory is registered under.
	ClassName() string

	// Create builds a new dtable rooted at dir, populated from source
	// (and shaded by shadow, which may be nil). config carries the
	// class-specific sub-tree parsed from params.
	Create(ctx context.Context, dir string, keyType dtype.KeyType, cmpName string, config *params.Tree, source, shadow Iterator) (Interface, error)

	// Open reattaches to a dtable already on disk at dir.
	Open(ctx context.Context, dir string, config *params.Tree) (Interface, error)
}

// Factories is the process-wide dtable factory registry, indexed by
// class name (e.g. "simple_dtable", "managed_dtable", "btree_dtable").
var Factories = registry.New[Factory]()
