// Package memtable implements memory_dtable: the write-absorbing,
// ordered in-memory table used as the front of a managed dtable and as
// an intermediate iterator source for digest/combine.
package memtable

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
)

// RemoveMode controls what Remove does to an entry.
type RemoveMode int

const (
	// TombstoneOnRemove replaces the entry with a dtype.DNE marker, so
	// the removal shadows lower overlay layers. Used by every layer of
	// a managed dtable except a fully combined bottom layer.
	TombstoneOnRemove RemoveMode = iota
	// FullRemoveOnRemove drops the entry entirely.
	FullRemoveOnRemove
)

// entry is the btree.Item stored in the ordered index. table points
// back to the owning Table so entries compare with its current
// comparator even if the comparator is attached after entries exist.
type entry struct {
	key   dtype.Key
	value dtype.Blob
	table *Table
}

func (e *entry) Less(than btree.Item) bool {
	other := than.(*entry)
	return e.key.Compare(other.key, e.table.blobCmp) < 0
}

// Table is memory_dtable: an ordered map of key->blob (via a google/btree
// index for O(log n) search and ordered iteration) plus a hash index
// (a Go map) for O(1) lookup/present, kept consistent on every mutation.
type Table struct {
	mu        sync.RWMutex
	keyType   dtype.KeyType
	blobCmp   dtype.BlobComparator
	tree      *btree.BTree
	hashIndex map[string]*entry
	mode      RemoveMode
	maxKey    *dtype.Key // for the append-hint fast path
}

const btreeDegree = 32

// New creates an empty memory_dtable for the given key type.
func New(keyType dtype.KeyType, mode RemoveMode) *Table {
	return &Table{
		keyType:   keyType,
		blobCmp:   dtype.DefaultComparator,
		tree:      btree.New(btreeDegree),
		hashIndex: make(map[string]*entry),
		mode:      mode,
	}
}

func (t *Table) KeyType() dtype.KeyType { return t.keyType }

func (t *Table) SetBlobCmp(cmp dtype.BlobComparator) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cmp == nil {
		cmp = dtype.DefaultComparator
	}
	t.blobCmp = cmp
	return nil
}

func (t *Table) hashKey(key dtype.Key) string {
	return string(key.Flatten().Bytes())
}

// Insert stores value for key. appendHint asserts that key is strictly
// greater than the current maximum key; the btree index itself offers
// no cheaper path than its usual O(log n) insert for an ordered append,
// so the hint only controls whether Insert bothers re-validating the
// running maximum (skipped on the hinted fast path, always rechecked
// otherwise). The hash index is maintained unconditionally, so
// correctness never depends on the hint being accurate.
func (t *Table) Insert(ctx context.Context, key dtype.Key, value dtype.Blob, appendHint bool) error {
	if key.Type() != t.keyType {
		return anverr.New("memtable.Insert", anverr.InvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !value.Exists() {
		return t.removeLocked(key)
	}

	hk := t.hashKey(key)
	if existing, ok := t.hashIndex[hk]; ok {
		existing.value = value
		return nil
	}

	e := &entry{key: key, value: value, table: t}
	t.tree.ReplaceOrInsert(e)
	t.hashIndex[hk] = e

	isNewMax := appendHint
	if !isNewMax {
		isNewMax = t.maxKey == nil || key.Compare(*t.maxKey, t.blobCmp) > 0
	}
	if isNewMax {
		kk := key
		t.maxKey = &kk
	}
	return nil
}

// Remove deletes key per the table's RemoveMode.
func (t *Table) Remove(ctx context.Context, key dtype.Key) error {
	if key.Type() != t.keyType {
		return anverr.New("memtable.Remove", anverr.InvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(key)
}

func (t *Table) removeLocked(key dtype.Key) error {
	hk := t.hashKey(key)
	switch t.mode {
	case FullRemoveOnRemove:
		if e, ok := t.hashIndex[hk]; ok {
			t.tree.Delete(e)
			delete(t.hashIndex, hk)
		}
	default: // TombstoneOnRemove
		if e, ok := t.hashIndex[hk]; ok {
			e.value = dtype.DNE
			return nil
		}
		e := &entry{key: key, value: dtype.DNE, table: t}
		t.tree.ReplaceOrInsert(e)
		t.hashIndex[hk] = e
	}
	return nil
}

// Lookup returns the stored blob for key (which may be dtype.DNE in
// tombstone mode) via the O(1) hash index.
func (t *Table) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.hashIndex[t.hashKey(key)]
	if !ok {
		return dtype.DNE, anverr.New("memtable.Lookup", anverr.NotFound)
	}
	return e.value, nil
}

// Present reports whether key has any entry at all (including a
// tombstone), via the hash index.
func (t *Table) Present(key dtype.Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.hashIndex[t.hashKey(key)]
	return ok
}

// Len reports the number of entries (including tombstones in
// TombstoneOnRemove mode).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// MaxKey reports the greatest key currently stored, if any, for callers
// deciding whether an append hint would be valid for their next Insert.
func (t *Table) MaxKey() (dtype.Key, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.maxKey == nil {
		return dtype.Key{}, false
	}
	return *t.maxKey, true
}

func (t *Table) Close() error { return nil }

var _ dtable.Writable = (*Table)(nil)

// Iterator returns a fresh ordered iterator snapshotting the current
// entries. Anvil's memtable iterators are immune to later mutation: they
// walk a flattened copy taken at creation time rather than the live
// btree, documented here because spec.md's general invalidation rule is
// "unless the wrapper states otherwise".
func (t *Table) Iterator(ctx context.Context) (dtable.Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	items := make([]*entry, 0, t.tree.Len())
	t.tree.Ascend(func(i btree.Item) bool {
		e := *i.(*entry)
		items = append(items, &e)
		return true
	})
	return &iter{items: items, pos: -1}, nil
}

type iter struct {
	items []*entry
	pos   int // -1 = before-begin, len(items) = after-end
}

func (it *iter) Valid() bool { return it.pos >= 0 && it.pos < len(it.items) }

func (it *iter) Next() bool {
	if it.pos < len(it.items) {
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
	it.pos = len(it.items) - 1
	return it.Valid()
}

func (it *iter) Seek(key dtype.Key) bool {
	lo, hi := 0, len(it.items)
	cmp := dtype.DefaultComparator
	if len(it.items) > 0 {
		cmp = it.items[0].table.blobCmp
	}
	for lo < hi {
		mid := (lo + hi) / 2
		if it.items[mid].key.Compare(key, cmp) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
	return it.Valid() && it.items[lo].key.Equal(key, cmp)
}

func (it *iter) SeekIndex(index int) bool {
	it.pos = index
	return it.Valid()
}

func (it *iter) GetIndex() (int, bool) {
	return it.pos, true
}

func (it *iter) Key() dtype.Key { return it.items[it.pos].key }

func (it *iter) Meta() dtype.MetaBlob { return dtype.MetaOf(it.items[it.pos].value) }

func (it *iter) Value() (dtype.Blob, error) { return it.items[it.pos].value, nil }

func (it *iter) Close() error { return nil }

var _ dtable.Iterator = (*iter)(nil)
