package assetcache

import (
	"os"
	"time"
)

const lockPollInterval = 10 * time.Millisecond

// dirLock is an exclusive advisory lock on a file inside the cache
// directory. It keeps a second vidsync process off the same cache.
type dirLock struct {
	path string
	file *os.File
}

// acquireDirLock polls until the lock is held or timeout passes.
func acquireDirLock(path string, timeout time.Duration) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, &StorageError{Op: "lock", Backend: "file", ID: path, Err: err}
	}

	deadline := time.Now().Add(timeout)
	for tryLock(f) != nil {
		if time.Now().After(deadline) {
			f.Close()
			return nil, ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
	return &dirLock{path: path, file: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlock(l.file)
	err := l.file.Close()
	os.Remove(l.path)
	l.file = nil
	return err
}
