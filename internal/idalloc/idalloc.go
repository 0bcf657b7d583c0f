// Package idalloc implements the monotonic unique-id allocator backing
// sys_journal listener ids and managed-dtable journal_ids. A single
// counter file lives in the environment's sys_journal directory; each
// call to Next reads, increments, and replaces it through a temp-file
// write and rename.
package idalloc

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/nathansgreen/anvil/internal/anverr"
)

// NoID is the sentinel meaning "no id assigned", matching
// sys_journal::listener_id's NO_ID = (listener_id) -1 in the original
// source.
const NoID uint32 = 0xFFFFFFFF

// Allocator hands out monotonically increasing uint32 ids from a file.
type Allocator struct {
	path string
}

// Open returns an Allocator backed by path, creating it (seeded at 0)
// if it doesn't exist.
func Open(path string) (*Allocator, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeCounter(path, 0); err != nil {
			return nil, anverr.Wrap("idalloc.Open", anverr.IO, err)
		}
	}
	return &Allocator{path: path}, nil
}

// Next atomically reads the counter, returns it, and persists the
// incremented value. A nonce derived from a random UUID is written to
// the record's second word the first time Next runs and carried forward
// unchanged after that; Next does not compare it, so two allocators
// racing on the same file are not detected.
func (a *Allocator) Next() (uint32, error) {
	cur, nonce, err := readCounter(a.path)
	if err != nil {
		return 0, anverr.Wrap("idalloc.Next", anverr.IO, err)
	}
	if cur == NoID {
		return 0, anverr.New("idalloc.Next", anverr.NoMemory)
	}
	next := cur + 1
	newNonce := nonce
	if nonce == 0 {
		newNonce = uuid.New().ID()
	}
	if err := writeCounterWithNonce(a.path, next, newNonce); err != nil {
		return 0, anverr.Wrap("idalloc.Next", anverr.IO, err)
	}
	return cur, nil
}

func readCounter(path string) (uint32, uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	if len(data) < 8 {
		return 0, 0, fmt.Errorf("idalloc: counter file %s truncated", path)
	}
	counter := binary.LittleEndian.Uint32(data[0:4])
	nonce := binary.LittleEndian.Uint32(data[4:8])
	return counter, nonce, nil
}

func writeCounter(path string, v uint32) error {
	return writeCounterWithNonce(path, v, 0)
}

func writeCounterWithNonce(path string, v, nonce uint32) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], v)
	binary.LittleEndian.PutUint32(buf[4:8], nonce)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
