// Package journaldtable implements journal_dtable (spec.md §4.4): the
// write-front used by a managed dtable. Every mutation is appended to
// the shared sysjournal.Journal under the managed dtable's allocated
// listener id and mirrored into an in-memory ordered map; on open, the
// managed dtable registers the table as a listener and Playback rebuilds
// the map before any read is served.
package journaldtable

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/dtable"
	"github.com/nathansgreen/anvil/internal/dtable/memtable"
	"github.com/nathansgreen/anvil/internal/dtype"
	"github.com/nathansgreen/anvil/internal/sysjournal"
)

// Table is journal_dtable.
type Table struct {
	mu         sync.RWMutex
	keyType    dtype.KeyType
	listenerID uint32
	journal    *sysjournal.Journal
	mem        *memtable.Table
}

// New creates a journal_dtable addressed at listenerID and registers it
// with journal as a listener. Callers must run the journal's Playback
// before trusting reads.
func New(keyType dtype.KeyType, listenerID uint32, journal *sysjournal.Journal) *Table {
	t := &Table{
		keyType:    keyType,
		listenerID: listenerID,
		journal:    journal,
		mem:        memtable.New(keyType, memtable.TombstoneOnRemove),
	}
	journal.RegisterListener(t)
	return t
}

// ListenerID reports the sysjournal listener id this table is addressed at.
func (t *Table) ListenerID() uint32 { return t.listenerID }

// JournalReplay implements sysjournal.Listener: it decodes one mutation
// record and applies it to the in-memory mirror without re-appending to
// the journal (the record is already durable).
func (t *Table) JournalReplay(data []byte) error {
	key, value, err := decodeMutation(t.keyType, data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mem.Insert(context.Background(), key, value, false)
}

// JournalReset implements sysjournal.Resetter: a discard marker for
// this listener means its prior state should be dropped before replay
// continues (used when a listener id is reused after a digest rolled
// the journal onto a fresh one, which this package never does itself —
// reuse is the managed dtable's concern — but the hook must exist for
// correctness of shared ids in tests and future reuse).
func (t *Table) JournalReset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mem = memtable.New(t.keyType, memtable.TombstoneOnRemove)
	return nil
}

func (t *Table) KeyType() dtype.KeyType { return t.keyType }

func (t *Table) SetBlobCmp(cmp dtype.BlobComparator) error {
	return t.mem.SetBlobCmp(cmp)
}

// Insert appends the mutation to the journal, then applies it locally.
// The journal append must succeed before the in-memory state changes,
// so a crash between the two never leaves memory ahead of the durable
// log.
func (t *Table) Insert(ctx context.Context, key dtype.Key, value dtype.Blob) error {
	if key.Type() != t.keyType {
		return anverr.New("journaldtable.Insert", anverr.InvalidArgument)
	}
	data := encodeMutation(key, value)
	if err := t.journal.Append(t.listenerID, data); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mem.Insert(ctx, key, value, false)
}

// Remove is equivalent to Insert(key, dtype.DNE).
func (t *Table) Remove(ctx context.Context, key dtype.Key) error {
	return t.Insert(ctx, key, dtype.DNE)
}

func (t *Table) Lookup(ctx context.Context, key dtype.Key) (dtype.Blob, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mem.Lookup(ctx, key)
}

func (t *Table) Iterator(ctx context.Context) (dtable.Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mem.Iterator(ctx)
}

// Empty reports whether the in-memory mirror currently holds no
// entries, meaning this listener's replay state is discardable (spec.md
// §4.4: "When the map is empty (post-digest), its replay state is
// discardable").
func (t *Table) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mem.Len() == 0
}

func (t *Table) Close() error {
	t.journal.UnregisterListener(t.listenerID)
	return nil
}

var _ dtable.Writable = (*Table)(nil)
var _ sysjournal.Listener = (*Table)(nil)
var _ sysjournal.Resetter = (*Table)(nil)

func encodeMutation(key dtype.Key, value dtype.Blob) []byte {
	kb := key.Flatten().Bytes()
	buf := make([]byte, 0, 4+len(kb)+1+4+value.Size())
	var lenbuf [4]byte

	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(kb)))
	buf = append(buf, lenbuf[:]...)
	buf = append(buf, kb...)

	if value.Exists() {
		buf = append(buf, 1)
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(value.Size()))
		buf = append(buf, lenbuf[:]...)
		buf = append(buf, value.Bytes()...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeMutation(keyType dtype.KeyType, data []byte) (dtype.Key, dtype.Blob, error) {
	if len(data) < 5 {
		return dtype.Key{}, dtype.DNE, anverr.New("journaldtable.decodeMutation", anverr.IO)
	}
	klen := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	if len(data) < off+int(klen)+1 {
		return dtype.Key{}, dtype.DNE, anverr.New("journaldtable.decodeMutation", anverr.IO)
	}
	key := dtype.FromBlob(keyType, dtype.NewBlob(data[off:off+int(klen)]))
	off += int(klen)
	present := data[off]
	off++
	if present == 0 {
		return key, dtype.DNE, nil
	}
	if len(data) < off+4 {
		return dtype.Key{}, dtype.DNE, anverr.New("journaldtable.decodeMutation", anverr.IO)
	}
	vlen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if len(data) < off+int(vlen) {
		return dtype.Key{}, dtype.DNE, anverr.New("journaldtable.decodeMutation", anverr.IO)
	}
	return key, dtype.NewBlob(data[off : off+int(vlen)]), nil
}
