// Package txregion models the narrow interface Anvil consumes from the
// external transactional file layer named out of scope by spec.md §1: a
// logged file that supports ordered writes grouped into commit units
// (tx_start_r/tx_end_r), an external-barrier hook, and dependency
// ordering between write-groups. Anvil never implements crash-consistent
// durability itself — it only calls through CommitGroup the way the
// original source calls through tx_start_r/tx_end_r.
package txregion

import (
	"os"
	"path/filepath"

	"github.com/nathansgreen/anvil/internal/anverr"
)

// CommitGroup brackets a region of ordered writes. Writes performed
// through Track before Commit form one durability group; a Barrier can
// make one group depend on another having committed first.
type CommitGroup struct {
	dir     string
	pending []*os.File
}

// Begin opens a new commit region rooted at dir (used to fsync the
// directory entry after any rename performed inside the region).
func Begin(dir string) *CommitGroup {
	return &CommitGroup{dir: dir}
}

// Track registers f as part of this group; Commit will fsync it before
// returning.
func (g *CommitGroup) Track(f *os.File) {
	g.pending = append(g.pending, f)
}

// Commit fsyncs every tracked file, in the order they were tracked, then
// fsyncs the directory so renames performed during the region are
// durable. This is the region's "tx_end_r" boundary: a crash before
// Commit returns aborts the region; a crash after Commit returns leaves
// every tracked write durable.
func (g *CommitGroup) Commit() error {
	for _, f := range g.pending {
		if err := f.Sync(); err != nil {
			return anverr.Wrap("txregion.Commit", anverr.IO, err)
		}
	}
	if g.dir != "" {
		if err := syncDir(g.dir); err != nil {
			return anverr.Wrap("txregion.Commit", anverr.IO, err)
		}
	}
	return nil
}

// Barrier expresses the external-dependency hook: it commits group a
// and returns its error, so a is durable before the caller goes on to
// commit b. Under Anvil's single-writer-per-managed-dtable model
// (spec.md §5) this is ordinary program order; Barrier does not touch b
// and takes no lock.
func Barrier(a, b *CommitGroup) error {
	if err := a.Commit(); err != nil {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// WriteFileAtomic writes data to path via a temp file + rename, then
// fsyncs the containing directory so the rename itself is durable. This
// is the primitive every versioned metadata file (sys_journal meta,
// managed_dtable metadata) uses to update itself without ever exposing a
// half-written file to a concurrent reader or a crash.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return anverr.Wrap("txregion.WriteFileAtomic", anverr.IO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return anverr.Wrap("txregion.WriteFileAtomic", anverr.IO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return anverr.Wrap("txregion.WriteFileAtomic", anverr.IO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return anverr.Wrap("txregion.WriteFileAtomic", anverr.IO, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return anverr.Wrap("txregion.WriteFileAtomic", anverr.IO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return anverr.Wrap("txregion.WriteFileAtomic", anverr.IO, err)
	}
	return syncDir(dir)
}
