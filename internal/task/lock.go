package task

import (
	"fmt"
	"os"
	"time"
)

// FileLock is an advisory lock next to the store file. Acquisition creates
// the lock file exclusively; a second acquirer fails fast with
// ErrStoreLocked rather than blocking.
type FileLock struct {
	path string
}

// AcquireLock takes the advisory lock at path. The file records pid, host,
// and acquisition time so an operator can identify a stale holder.
func AcquireLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, readErr := os.ReadFile(path)
			if readErr == nil && len(holder) > 0 {
				return nil, fmt.Errorf("%w (held by %s)", ErrStoreLocked, string(holder))
			}
			return nil, ErrStoreLocked
		}
		return nil, fmt.Errorf("acquiring store lock: %w", err)
	}

	host, _ := os.Hostname()
	fmt.Fprintf(f, "pid=%d host=%s at=%s", os.Getpid(), host, time.Now().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing store lock: %w", err)
	}
	return &FileLock{path: path}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing store lock: %w", err)
	}
	return nil
}
