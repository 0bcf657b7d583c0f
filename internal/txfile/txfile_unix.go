//go:build unix

package txfile

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errProcessLocked = errors.New("txfile: locked by another process")

// IsLocked reports whether err indicates the file is held by another
// process, the unix flock EWOULDBLOCK case.
func IsLocked(err error) bool {
	return errors.Is(err, errProcessLocked)
}

func flockExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errProcessLocked
	}
	return err
}

func flockUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
