//go:build windows

package audit

import (
	"fmt"
	"os"
	"time"
)

const (
	lockTimeout = time.Second
	lockRetry   = 100 * time.Millisecond
)

// acquireFlock holds the lock file open for the duration of the lock.
func acquireFlock(path string) (int, error) {
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err == nil {
			return int(f.Fd()), nil
		}
		if time.Now().After(deadline) {
			return -1, fmt.Errorf("lock %s: timed out after %s: %w", path, lockTimeout, err)
		}
		time.Sleep(lockRetry)
	}
}

func releaseFlock(fd int) {
	_ = os.NewFile(uintptr(fd), "").Close()
}
