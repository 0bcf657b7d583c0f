// Package rwatx implements rwatx_dtable (spec.md §4.9): an abortable
// transaction layer wrapped around an arbitrary base dtable, providing
// per-key read/write conflict detection. A key may be held in read-mode
// by many atx at once, or in write-mode by exactly one; an atx may
// upgrade a read to a write only while it is the sole reader. Any
// conflicting operation marks the offending atx aborted and returns
// anverr.Busy, matching the teacher's optimistic-concurrency style in
// internal/storage/dolt/transaction.go (detect at commit/operation time,
// fail fast, let the caller retry) rather than blocking.
package rwatx

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtype"
)

// logger reports atx conflicts (spec.md §2 item 12); internal/envconfig
// replaces it with the process-configured logger via SetLogger.
var logger = slog.Default()

// SetLogger replaces the logger used for conflict reporting.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Table is rwatx_dtable: it wraps base, which must itself support
// Writable (for Insert/Remove passthrough) and, if the wrapped atx
// should have real transactional backing below, Transactable.
type Table struct {
	base dtable.Writable

	mu     sync.Mutex
	status map[string]*keyStatus
}

type keyStatus struct {
	readers map[*Atx]bool
	writer  *Atx
}

// New wraps base in a rwatx layer.
func New(base dtable.Writable) *Table {
	return &Table{base: base, status: make(map[string]*keyStatus)}
}

func (t *Table) KeyType() dtype.KeyType { return t.base.KeyType() }

func (t *Table) SetBlobCmp(cmp dtype.BlobComparator) error { return t.base.SetBlobCmp(cmp) }

func (t *Table) Close() error { return t.base.Close() }

// Lookup/Insert/Remove/Iterator on Table itself run outside any atx and
// pass straight through — conflict tracking only applies to operations
// issued through a Atx returned by CreateTx.
func (t *Table) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	return t.base.Lookup(ctx, key)
}

func (t *Table) Insert(ctx context.Context, key dtype.Key, value dtype.Blob) error {
	return t.base.Insert(ctx, key, value)
}

func (t *Table) Remove(ctx context.Context, key dtype.Key) error {
	return t.base.Remove(ctx, key)
}

func (t *Table) Iterator(ctx context.Context) (dtable.Iterator, error) {
	return t.base.Iterator(ctx)
}

// CreateTx opens a new atx with empty read/write sets.
func (t *Table) CreateTx(ctx context.Context) (dtable.Atx, error) {
	return &Atx{table: t, reads: make(map[string]dtype.Key), writes: make(map[string]dtype.Key)}, nil
}

var (
	_ dtable.Interface    = (*Table)(nil)
	_ dtable.Writable     = (*Table)(nil)
	_ dtable.Transactable = (*Table)(nil)
)

// Atx is one abortable transaction. Its Lookup/Insert/Remove/Iterator
// methods go beyond dtable.Atx's minimal Commit/Abort contract, since a
// transaction needs its own read/write surface — callers that obtained
// it via Table.CreateTx type-assert to *Atx to reach them, the same way
// dtable.Indexed/Transactable are reached via type assertion elsewhere
// in this module.
type Atx struct {
	table   *Table
	reads   map[string]dtype.Key
	writes  map[string]dtype.Key
	aborted bool
}

func flatten(key dtype.Key) string { return string(key.Flatten().Bytes()) }

// tagRead records key as read by a, acquiring shared access; a no-op if
// a already holds (or is acquiring) the write lock on key, since a write
// subsumes a read.
func (a *Atx) tagRead(key dtype.Key) error {
	if a.aborted {
		return anverr.New("rwatx.tagRead", anverr.Busy)
	}
	hk := flatten(key)
	if _, already := a.writes[hk]; already {
		return nil
	}
	if _, already := a.reads[hk]; already {
		return nil
	}

	a.table.mu.Lock()
	defer a.table.mu.Unlock()

	st := a.table.status[hk]
	if st != nil && st.writer != nil && st.writer != a {
		a.abortLocked()
		logger.Warn("rwatx: read conflicted with an active writer, aborting", "conflicting_atx", st.writer)
		return anverr.New("rwatx.tagRead", anverr.Busy)
	}
	if st == nil {
		st = &keyStatus{readers: make(map[*Atx]bool)}
		a.table.status[hk] = st
	}
	st.readers[a] = true
	a.reads[hk] = key
	return nil
}

// tagWrite records key as written by a, upgrading/acquiring the write
// lock. Conflicts (another atx already writing, or another atx also
// reading) abort a and return Busy.
func (a *Atx) tagWrite(key dtype.Key) error {
	if a.aborted {
		return anverr.New("rwatx.tagWrite", anverr.Busy)
	}
	hk := flatten(key)
	if _, already := a.writes[hk]; already {
		return nil
	}

	a.table.mu.Lock()
	defer a.table.mu.Unlock()

	st := a.table.status[hk]
	if st == nil {
		st = &keyStatus{readers: make(map[*Atx]bool)}
		a.table.status[hk] = st
	}
	if st.writer != nil && st.writer != a {
		a.abortLocked()
		logger.Warn("rwatx: write conflicted with an active writer, aborting", "conflicting_atx", st.writer)
		return anverr.New("rwatx.tagWrite", anverr.Busy)
	}
	for other := range st.readers {
		if other != a {
			a.abortLocked()
			logger.Warn("rwatx: write upgrade conflicted with another reader, aborting")
			return anverr.New("rwatx.tagWrite", anverr.Busy)
		}
	}

	delete(st.readers, a)
	st.writer = a
	delete(a.reads, hk)
	a.writes[hk] = key
	return nil
}

// abortLocked releases every tag a holds, with table.mu already held.
// Marks a aborted so any further operation on it fails fast.
func (a *Atx) abortLocked() {
	a.aborted = true
	for hk := range a.reads {
		if st, ok := a.table.status[hk]; ok {
			delete(st.readers, a)
		}
	}
	for hk := range a.writes {
		if st, ok := a.table.status[hk]; ok && st.writer == a {
			st.writer = nil
		}
	}
	a.reads = make(map[string]dtype.Key)
	a.writes = make(map[string]dtype.Key)
}

func (a *Atx) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	if err := a.tagRead(key); err != nil {
		return dtype.DNE, err
	}
	return a.table.base.Lookup(ctx, key)
}

func (a *Atx) Insert(ctx context.Context, key dtype.Key, value dtype.Blob) error {
	if err := a.tagWrite(key); err != nil {
		return err
	}
	return a.table.base.Insert(ctx, key, value)
}

func (a *Atx) Remove(ctx context.Context, key dtype.Key) error {
	if err := a.tagWrite(key); err != nil {
		return err
	}
	return a.table.base.Remove(ctx, key)
}

// Iterator wraps the base iterator, tagging a read on every key exposed
// through Key/Seek/Meta/Value — spec.md's "conservative: any call that
// exposes the key or value is a read."
func (a *Atx) Iterator(ctx context.Context) (dtable.Iterator, error) {
	base, err := a.table.base.Iterator(ctx)
	if err != nil {
		return nil, err
	}
	return &txIter{atx: a, base: base}, nil
}

// Commit defers to the base's commit (if it supports one) and releases
// every tag this atx holds.
func (a *Atx) Commit(ctx context.Context) error {
	if a.aborted {
		return anverr.New("rwatx.Commit", anverr.Busy)
	}
	if txable, ok := a.table.base.(dtable.Transactable); ok {
		baseTx, err := txable.CreateTx(ctx)
		if err == nil {
			if err := baseTx.Commit(ctx); err != nil {
				return err
			}
		}
	}
	a.table.mu.Lock()
	a.abortLocked() // releases tags; the name is about lock bookkeeping, not outcome
	a.table.mu.Unlock()
	a.aborted = false
	return nil
}

// Abort releases every tag this atx holds without committing anything.
func (a *Atx) Abort(ctx context.Context) error {
	a.table.mu.Lock()
	a.abortLocked()
	a.table.mu.Unlock()
	return nil
}

var _ dtable.Atx = (*Atx)(nil)

type txIter struct {
	atx  *Atx
	base dtable.Iterator
}

func (it *txIter) Valid() bool { return it.base.Valid() }
func (it *txIter) Next() bool  { return it.base.Next() }
func (it *txIter) Prev() bool  { return it.base.Prev() }
func (it *txIter) First() bool { return it.base.First() }
func (it *txIter) Last() bool  { return it.base.Last() }

func (it *txIter) Seek(key dtype.Key) bool {
	found := it.base.Seek(key)
	if it.base.Valid() {
		it.atx.tagRead(it.base.Key())
	}
	return found
}

func (it *txIter) SeekIndex(index int) bool { return it.base.SeekIndex(index) }
func (it *txIter) GetIndex() (int, bool)    { return it.base.GetIndex() }

func (it *txIter) Key() dtype.Key {
	k := it.base.Key()
	it.atx.tagRead(k)
	return k
}

func (it *txIter) Meta() dtype.MetaBlob {
	if it.base.Valid() {
		it.atx.tagRead(it.base.Key())
	}
	return it.base.Meta()
}

func (it *txIter) Value() (dtype.Blob, error) {
	if it.base.Valid() {
		it.atx.tagRead(it.base.Key())
	}
	return it.base.Value()
}

func (it *txIter) Close() error { return it.base.Close() }

var _ dtable.Iterator = (*txIter)(nil)
