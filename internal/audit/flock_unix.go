//go:build !windows

package audit

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	lockTimeout = time.Second
	lockRetry   = 100 * time.Millisecond
)

// acquireFlock takes an exclusive lock on path, retrying until lockTimeout.
func acquireFlock(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0644)
	if err != nil {
		return -1, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(lockTimeout)
	for {
		if err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err == nil {
			return fd, nil
		}
		if time.Now().After(deadline) {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("flock %s: timed out after %s: %w", path, lockTimeout, err)
		}
		time.Sleep(lockRetry)
	}
}

func releaseFlock(fd int) {
	_ = unix.Flock(fd, unix.LOCK_UN)
	_ = unix.Close(fd)
}
