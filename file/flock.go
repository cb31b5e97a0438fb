package file

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mosquito/golsm/utils"
)

// FileLock is the cross-process half of the coordination layer: an advisory
// flock on a sidecar lock file, held for the life of the handle. Writers
// take it exclusive, readonly handles shared, so readers coexist with each
// other but never with a writer: a writer reuses freed pages, and a reader
// process holding an older checkpoint would read reclaimed data. With
// multiple_processes disabled the caller skips it entirely and relies on
// in-process mutexes alone.
type FileLock struct {
	fd *os.File
}

// AcquireFileLock polls a non-blocking flock until timeout, returning
// ErrLockTimeout when another process holds a conflicting lock.
func AcquireFileLock(path string, exclusive bool, timeout time.Duration) (*FileLock, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open lock file %s", path)
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(fd.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &FileLock{fd: fd}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			fd.Close()
			return nil, errors.Wrapf(err, "flock %s", path)
		}
		if time.Now().After(deadline) {
			fd.Close()
			return nil, utils.ErrLockTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (l *FileLock) Release() error {
	if l == nil {
		return nil
	}
	if err := unix.Flock(int(l.fd.Fd()), unix.LOCK_UN); err != nil {
		l.fd.Close()
		return err
	}
	return l.fd.Close()
}
