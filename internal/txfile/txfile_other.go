//go:build !unix

package txfile

import (
	"errors"
	"os"
)

var errProcessLocked = errors.New("txfile: locked by another process")

// IsLocked reports whether err indicates the file is held by another process.
func IsLocked(err error) bool {
	return errors.Is(err, errProcessLocked)
}

// flockExclusive is a no-op advisory lock on platforms without flock(2);
// Anvil's single-process model means this only matters for the
// unix build, where it guards against a second process opening the
// same environment directory.
func flockExclusive(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }
