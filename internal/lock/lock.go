// Package lock provides the advisory lock that serializes mutating gamevm
// invocations on one host.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
)

// Lock is a held advisory lock. The kernel drops it when the process exits, so a
// crashed run never leaves a stale lock behind.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking. If another process holds it
// the returned error is KindResourceConflict and names the holder's pid when known.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindPrerequisiteUnmet, "create lock directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &apperrors.Error{
			Kind:        apperrors.KindPrerequisiteUnmet,
			Message:     fmt.Sprintf("open lock file %s", path),
			Remediation: "set LOCK_FILE to a writable path",
			Underlying:  err,
		}
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readPID(f)
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			msg := "another gamevm operation is in progress"
			if holder != "" {
				msg += " (pid " + holder + ")"
			}
			return nil, &apperrors.Error{
				Kind:        apperrors.KindResourceConflict,
				Message:     msg,
				Remediation: "wait for it to finish and re-run",
			}
		}
		return nil, apperrors.Wrapf(err, apperrors.KindInternal, "lock %s", path)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

func readPID(f *os.File) string {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	return strings.TrimSpace(string(buf[:n]))
}
