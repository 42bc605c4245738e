package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// FileLocker implements Locker with flock(2) on files under a lock directory.
// flock is advisory but every stoker code path that touches the pool or an
// instance record goes through here, and the lock dies with the process, so a
// crashed invocation never wedges the pool.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	return &FileLocker{dir: dir}, nil
}

func (l *FileLocker) Acquire(ctx context.Context, name string) (Lock, error) {
	path := filepath.Join(l.dir, name+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	// Poll with LOCK_NB so context cancellation is honored. flock has no
	// native deadline support.
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{file: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

type fileLock struct {
	file *os.File
}

func (l *fileLock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("unlock: %w", err)
	}

	return l.file.Close()
}
