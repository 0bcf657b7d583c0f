// Package txfile is the concrete adapter standing in for the external
// transactional file layer (spec.md §1's tx_*): it opens a plain file,
// takes an advisory exclusive lock on it that is held until Close, and
// hands back the locked *os.File. It is the only place in the
// repository that talks to the filesystem's locking primitives
// directly.
package txfile

import (
	"os"

	"github.com/nathansgreen/anvil/internal/anverr"
)

// ErrLocked is returned when a file is already exclusively locked by
// another process in this same machine.
var ErrLocked = anverr.New("txfile.Lock", anverr.Busy)

// Handle is an open, advisory-locked file.
type Handle struct {
	f      *os.File
	locked bool
}

// OpenExclusive opens path (creating it if needed) and takes a
// non-blocking exclusive advisory lock, mirroring the "open/close a
// logged file" half of the tx_* contract named out of scope by
// spec.md §1.
func OpenExclusive(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, anverr.Wrap("txfile.OpenExclusive", anverr.IO, err)
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		if IsLocked(err) {
			return nil, ErrLocked
		}
		return nil, anverr.Wrap("txfile.OpenExclusive", anverr.IO, err)
	}
	return &Handle{f: f, locked: true}, nil
}

// File exposes the underlying *os.File for reads/ordered writes.
func (h *Handle) File() *os.File { return h.f }

// Close releases the lock and closes the file.
func (h *Handle) Close() error {
	if h.locked {
		_ = flockUnlock(h.f)
		h.locked = false
	}
	return h.f.Close()
}
