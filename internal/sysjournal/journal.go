// Package sysjournal implements the system journal of spec.md §4.4: a
// process-wide, crash-consistent append-only log shared across tables,
// addressed by listener identity. Every journal_dtable appends its
// mutations here under its managed dtable's allocated listener id;
// Playback replays the log into a listener's in-memory state on open;
// Filter rewrites the log to drop listeners that have been globally
// discarded (after a digest rolls a journal_dtable onto a fresh id).
package sysjournal

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nathansgreen/anvil/internal/anverr"
	"github.com/nathansgreen/anvil/internal/txregion"
)

// logger reports replay/filter activity (spec.md §2 item 12);
// internal/envconfig replaces it with the process-configured logger via
// SetLogger.
var logger = slog.Default()

// SetLogger replaces the logger used for replay/filter reporting.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

const (
	metaMagic   uint32 = 0xBAFE9BDA
	metaVersion uint32 = 1
	dataMagic   uint32 = 0x874C74FD
	dataVersion uint32 = 0

	metaFileName = "sys_journal.meta"
	metaFileSize = 4 + 4 + 4 + 8 // magic, version, sequence, size

	discardLength = -1
)

// Listener is registered against a listener id (spec.md §3's
// sys_journal::listener): JournalReplay rebuilds the listener's
// in-memory state from one non-discard record addressed to it.
type Listener interface {
	ListenerID() uint32
	JournalReplay(data []byte) error
}

// Resetter is an optional capability a Listener may implement: it is
// invoked when a discard marker is encountered for its id during
// Playback, letting it drop whatever it had rebuilt so far before
// further records for the (reused) id replay.
type Resetter interface {
	JournalReset() error
}

// Journal is an open system journal rooted at a directory.
type Journal struct {
	mu        sync.Mutex
	dir       string
	sequence  uint32
	size      uint64
	dataFile  *os.File
	listeners map[uint32]Listener
	discarded map[uint32]bool
}

func metaPath(dir string) string { return filepath.Join(dir, metaFileName) }

func dataPath(dir string, sequence uint32) string {
	return filepath.Join(dir, "sys_journal."+itoa(sequence)+".data")
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Open opens (creating if necessary) the system journal rooted at dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, anverr.Wrap("sysjournal.Open", anverr.IO, err)
	}
	j := &Journal{
		dir:       dir,
		listeners: make(map[uint32]Listener),
		discarded: make(map[uint32]bool),
	}
	mp := metaPath(dir)
	if _, err := os.Stat(mp); os.IsNotExist(err) {
		j.sequence = 0
		j.size = 0
		if err := j.writeMetaLocked(); err != nil {
			return nil, err
		}
	} else {
		seq, size, err := readMeta(mp)
		if err != nil {
			return nil, anverr.Wrap("sysjournal.Open", anverr.IO, err)
		}
		j.sequence = seq
		j.size = size
	}
	if err := j.openDataFileLocked(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openDataFileLocked() error {
	dp := dataPath(j.dir, j.sequence)
	if _, err := os.Stat(dp); os.IsNotExist(err) {
		f, err := os.Create(dp)
		if err != nil {
			return anverr.Wrap("sysjournal.Open", anverr.IO, err)
		}
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], dataMagic)
		binary.LittleEndian.PutUint32(hdr[4:8], dataVersion)
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return anverr.Wrap("sysjournal.Open", anverr.IO, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return anverr.Wrap("sysjournal.Open", anverr.IO, err)
		}
		j.dataFile = f
		j.size = 8
		return nil
	}
	f, err := os.OpenFile(dp, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return anverr.Wrap("sysjournal.Open", anverr.IO, err)
	}
	j.dataFile = f
	return nil
}

func readMeta(path string) (sequence uint32, size uint64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	if len(data) < metaFileSize {
		return 0, 0, anverr.New("sysjournal.readMeta", anverr.IO)
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != metaMagic {
		return 0, 0, anverr.New("sysjournal.readMeta", anverr.InvalidArgument)
	}
	sequence = binary.LittleEndian.Uint32(data[8:12])
	size = binary.LittleEndian.Uint64(data[12:20])
	return sequence, size, nil
}

// writeMetaLocked persists the current (sequence, size) via the
// atomic-rename primitive; this is the "pre-commit hook" spec.md §4.4
// describes: the metadata write always happens after the data write it
// describes has already been durably committed.
func (j *Journal) writeMetaLocked() error {
	buf := make([]byte, metaFileSize)
	binary.LittleEndian.PutUint32(buf[0:4], metaMagic)
	binary.LittleEndian.PutUint32(buf[4:8], metaVersion)
	binary.LittleEndian.PutUint32(buf[8:12], j.sequence)
	binary.LittleEndian.PutUint64(buf[12:20], j.size)
	return txregion.WriteFileAtomic(metaPath(j.dir), buf, 0o644)
}

// RegisterListener registers l so Playback can address records to it.
// A listener must be registered before Playback encounters any entry
// addressed to its id.
func (j *Journal) RegisterListener(l Listener) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.listeners[l.ListenerID()] = l
}

// UnregisterListener removes a listener's registration without
// discarding its on-disk entries.
func (j *Journal) UnregisterListener(id uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.listeners, id)
}

func encodeRecord(listenerID uint32, length int64, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], listenerID)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(length))
	copy(buf[12:], data)
	return buf
}

// Append buffers a record for listenerID and commits it durably: the
// data write is fsynced first (via a txregion.CommitGroup), then the
// in-memory size is bumped and the metadata file rewritten to match —
// the append path of spec.md §4.4.
func (j *Journal) Append(listenerID uint32, data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(listenerID, int64(len(data)), data)
}

func (j *Journal) appendLocked(listenerID uint32, length int64, data []byte) error {
	rec := encodeRecord(listenerID, length, data)
	if _, err := j.dataFile.Write(rec); err != nil {
		return anverr.Wrap("sysjournal.Append", anverr.IO, err)
	}
	group := txregion.Begin(j.dir)
	group.Track(j.dataFile)
	if err := group.Commit(); err != nil {
		return err
	}
	j.size += uint64(len(rec))
	return j.writeMetaLocked()
}

// MarkDiscarded appends a discard marker for listenerID and records it
// as globally discarded so a subsequent Filter drops every record
// addressed to it, including ones already on disk.
func (j *Journal) MarkDiscarded(listenerID uint32) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.appendLocked(listenerID, discardLength, nil); err != nil {
		return err
	}
	j.discarded[listenerID] = true
	return nil
}

// Playback re-reads the current data file from the start and replays
// every non-discard record to its registered listener. Listeners that
// cannot currently be resolved are tolerated unless failMissing is set.
func (j *Journal) Playback(failMissing bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	logger.Debug("sysjournal: replaying data file", "dir", j.dir, "sequence", j.sequence)
	if err := j.playbackFile(dataPath(j.dir, j.sequence), failMissing); err != nil {
		logger.Error("sysjournal: replay failed", "dir", j.dir, "sequence", j.sequence, "error", err)
		return err
	}
	return nil
}

func (j *Journal) playbackFile(path string, failMissing bool) error {
	f, err := os.Open(path)
	if err != nil {
		return anverr.Wrap("sysjournal.Playback", anverr.IO, err)
	}
	defer f.Close()

	hdr := make([]byte, 8)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return anverr.Wrap("sysjournal.Playback", anverr.IO, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != dataMagic {
		return anverr.New("sysjournal.Playback", anverr.InvalidArgument)
	}

	recHdr := make([]byte, 12)
	for {
		if _, err := io.ReadFull(f, recHdr); err != nil {
			if err == io.EOF {
				break
			}
			return anverr.Wrap("sysjournal.Playback", anverr.IO, err)
		}
		listenerID := binary.LittleEndian.Uint32(recHdr[0:4])
		length := int64(binary.LittleEndian.Uint64(recHdr[4:12]))

		if length == discardLength {
			if l, ok := j.listeners[listenerID]; ok {
				if r, ok := l.(Resetter); ok {
					if err := r.JournalReset(); err != nil {
						return anverr.Wrap("sysjournal.Playback", anverr.IO, err)
					}
				}
			}
			continue
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			return anverr.Wrap("sysjournal.Playback", anverr.IO, err)
		}
		l, ok := j.listeners[listenerID]
		if !ok {
			if failMissing {
				return anverr.Newf("sysjournal.Playback", anverr.NoEntry, "no listener registered for id %d", listenerID)
			}
			continue
		}
		if err := l.JournalReplay(data); err != nil {
			return anverr.Wrap("sysjournal.Playback", anverr.IO, err)
		}
	}
	return nil
}

// Filter writes a new data file containing only records for listeners
// that have not been globally discarded, bumps the sequence number,
// persists the new metadata, then unlinks the old data file — the
// crash-consistent rewrite of spec.md §4.4.
func (j *Journal) Filter() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	oldPath := dataPath(j.dir, j.sequence)
	newSeq := j.sequence + 1
	newPath := dataPath(j.dir, newSeq)

	newFile, err := os.Create(newPath)
	if err != nil {
		return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
	}
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], dataMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], dataVersion)
	if _, err := newFile.Write(hdr); err != nil {
		newFile.Close()
		return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
	}
	newSize := uint64(len(hdr))

	oldFile, err := os.Open(oldPath)
	if err != nil {
		newFile.Close()
		return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
	}
	oldHdr := make([]byte, 8)
	if _, err := io.ReadFull(oldFile, oldHdr); err != nil {
		oldFile.Close()
		newFile.Close()
		return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
	}

	recHdr := make([]byte, 12)
	for {
		if _, err := io.ReadFull(oldFile, recHdr); err != nil {
			if err == io.EOF {
				break
			}
			oldFile.Close()
			newFile.Close()
			return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
		}
		listenerID := binary.LittleEndian.Uint32(recHdr[0:4])
		length := int64(binary.LittleEndian.Uint64(recHdr[4:12]))
		var data []byte
		if length != discardLength {
			data = make([]byte, length)
			if _, err := io.ReadFull(oldFile, data); err != nil {
				oldFile.Close()
				newFile.Close()
				return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
			}
		}
		if j.discarded[listenerID] {
			continue
		}
		rec := encodeRecord(listenerID, length, data)
		if _, err := newFile.Write(rec); err != nil {
			oldFile.Close()
			newFile.Close()
			return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
		}
		newSize += uint64(len(rec))
	}
	oldFile.Close()

	if err := newFile.Sync(); err != nil {
		newFile.Close()
		return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
	}

	oldSequence := j.sequence
	j.sequence = newSeq
	j.size = newSize
	if err := j.writeMetaLocked(); err != nil {
		newFile.Close()
		return err
	}

	if err := j.dataFile.Close(); err != nil {
		newFile.Close()
		return anverr.Wrap("sysjournal.Filter", anverr.IO, err)
	}
	j.dataFile = newFile

	if err := os.Remove(dataPath(j.dir, oldSequence)); err != nil {
		return err
	}
	logger.Debug("sysjournal: filtered journal", "dir", j.dir, "old_sequence", oldSequence, "new_sequence", newSeq, "new_size", newSize)
	return nil
}

// Size reports the current data file's logical byte size.
func (j *Journal) Size() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// Sequence reports the journal's current sequence number.
func (j *Journal) Sequence() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence
}

// Close closes the underlying data file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.dataFile == nil {
		return nil
	}
	err := j.dataFile.Close()
	j.dataFile = nil
	return err
}
