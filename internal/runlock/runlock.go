// Package runlock keeps two runs of the same configuration from overlapping.
package runlock

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("another backup run holds the lock")

type Lock struct {
	path  string
	flock *flock.Flock
}

// Acquire takes an exclusive lock on path without waiting. The file is only
// opened for reading, path is normally the configuration file of the run.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path, flock.SetFlag(os.O_RDONLY))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrHeld, path)
	}
	return &Lock{path: path, flock: fl}, nil
}

func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return nil
}
