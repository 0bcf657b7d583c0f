// Package dtable defines the dtable abstraction: an ordered map from keys
// of a single declared type to byte-sequence values, plus the iterator
// contract every leaf and wrapper implementation must honor. Leaf
// implementations own storage (memory, sstable, journal); wrapper
// implementations defer to one or more inner dtables and transform
// keys/values/iteration (overlay, transform, btree, rwatx).
package dtable

import (
	"context"

	"github.com/nathansgreen/anvil/internal/dtype"
)

// Interface is the capability set every dtable implementation provides.
// A dtable is either a leaf (owns storage) or a wrapper (defers to an
// inner dtable); both satisfy Interface uniformly, matching spec.md §9's
// "capability interface" design note in place of the source's virtual
// inheritance.
type Interface interface {
	// KeyType reports the single key type this dtable was created with.
	KeyType() dtype.KeyType

	// Lookup returns the value stored for key, or an anverr NotFound
	// error if no layer has an entry for it.
	Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error)

	// Iterator returns a fresh iterator positioned before the first
	// entry. The caller must Close it, and must not outlive the dtable.
	Iterator(ctx context.Context) (Iterator, error)

	// SetBlobCmp attaches a blob comparator. Dtables with blob keys and
	// no required comparator accept any (or none); dtables built with a
	// named required comparator refuse to serve lookups/iteration until
	// a comparator with the matching name is attached (busy).
	SetBlobCmp(cmp dtype.BlobComparator) error

	// Close releases the dtable's resources. Any outstanding iterator
	// becomes invalid.
	Close() error
}

// Writable is implemented by dtables that accept direct mutation
// (memory_dtable, journal_dtable, and wrappers that forward to one).
type Writable interface {
	Interface

	// Insert stores value for key. Inserting dtype.DNE is equivalent to
	// Remove.
	Insert(ctx context.Context, key dtype.Key, value dtype.Blob) error

	// Remove deletes key. In full-remove mode the entry disappears
	// entirely; in tombstone mode (used by every layer except the
	// bottom of a managed dtable) it is replaced by a dtype.DNE marker
	// so that the removal shadows lower layers.
	Remove(ctx context.Context, key dtype.Key) error
}

// Maintainable is implemented by dtables that run background lifecycle
// work (managed_dtable's digest/combine).
type Maintainable interface {
	// Maintain runs any due digest/combine work. If force is true, it
	// runs immediately regardless of the configured intervals.
	Maintain(ctx context.Context, force bool) error
}

// Indexed is implemented by dtables that support O(1) positional access
// (sstables, and wrappers like btree/smallint that delegate to one).
type Indexed interface {
	// GetIndex returns the dense position of key, and whether it was found.
	GetIndex(ctx context.Context, key dtype.Key) (int, bool, error)

	// IndexKey returns the key stored at a dense position.
	IndexKey(ctx context.Context, index int) (dtype.Key, error)

	// Count reports the number of entries addressable by index.
	Count() int
}

// TombstoneAware is implemented by leaf dtables that can distinguish "no
// entry at index i" from "index i holds a dne tombstone" — spec.md
// §4.2's contains_index predicate.
type TombstoneAware interface {
	ContainsIndex(ctx context.Context, index int) (bool, error)
}

// Transactable is implemented by dtables that support abortable
// transactions (rwatx_dtable, and bases that forward atx operations).
type Transactable interface {
	CreateTx(ctx context.Context) (Atx, error)
}

// Atx is an abortable transaction handle: a composite of reads and
// writes against a single dtable that commits or aborts atomically.
type Atx interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}
