package dtable

import "github.com/nathansgreen/anvil/internal/dtype"

// Iterator is the stable forward/backward ordered traversal contract
// every dtable produces. A freshly created iterator is positioned
// before-the-beginning; First/Last/Seek/SeekIndex reposition it. Any
// mutation on the iterator's source invalidates it, unless the wrapper
// producing it states otherwise (memtable snapshots document this per
// call site).
type Iterator interface {
	// Valid reports whether the iterator currently sits on an entry.
	Valid() bool

	// Next advances to the following entry in key order. Returns the
	// new Valid() state.
	Next() bool

	// Prev moves to the preceding entry in key order. Returns the new
	// Valid() state. Seeking past the end and calling Prev recovers the
	// last element.
	Prev() bool

	// First repositions at the smallest key. Returns Valid().
	First() bool

	// Last repositions at the largest key. Returns Valid().
	Last() bool

	// Seek repositions at the first entry >= key. Returns true iff an
	// entry with exactly that key was found.
	Seek(key dtype.Key) bool

	// SeekIndex repositions at a dense positional index, for dtables
	// that support Indexed access. Returns the new Valid() state.
	SeekIndex(index int) bool

	// GetIndex returns the iterator's current dense position, and
	// whether the underlying dtable supports indexed access at all.
	GetIndex() (int, bool)

	// Key returns the key at the current position. Valid() must be true.
	Key() dtype.Key

	// Meta returns the (size, exists) pair for the current position
	// without necessarily materializing the value.
	Meta() dtype.MetaBlob

	// Value returns the full value at the current position.
	Value() (dtype.Blob, error)

	// Close releases any resources the iterator holds on its source.
	Close() error
}

// Collect drains an iterator (from First()) into a slice of key/value
// pairs, for tests and small diagnostic dumps.
type Pair struct {
	Key   dtype.Key
	Value dtype.Blob
}

func Collect(it Iterator) ([]Pair, error) {
	var out []Pair
	for ok := it.First(); ok; ok = it.Next() {
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		out = append(out, Pair{Key: it.Key(), Value: v})
	}
	return out, nil
}
