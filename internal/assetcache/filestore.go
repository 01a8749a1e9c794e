package assetcache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vidsync/internal/fingerprint"
)

const (
	recordsDirName = "records"
	lockFileName   = ".vidsync.lock"
)

var lockTimeout = 5 * time.Second

// FileStore persists one JSON document per fingerprint under
// <dir>/records/<fingerprint>.json. Writes go through a temp file and a
// rename. The directory is locked for the lifetime of the store.
type FileStore struct {
	dir  string
	lock *dirLock
}

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, recordsDirName), 0755); err != nil {
		return nil, &StorageError{Op: "open", Backend: "file", Err: err}
	}

	lock, err := acquireDirLock(filepath.Join(dir, lockFileName), lockTimeout)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, lock: lock}, nil
}

func (s *FileStore) recordPath(fp fingerprint.Hash) string {
	return filepath.Join(s.dir, recordsDirName, string(fp)+".json")
}

// LoadAll reads every record file. Leftover temp files from a crash are
// ignored.
func (s *FileStore) LoadAll(ctx context.Context) ([]*Record, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, recordsDirName))
	if err != nil {
		return nil, &StorageError{Op: "load", Backend: "file", Err: err}
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		fp := fingerprint.Hash(strings.TrimSuffix(name, ".json"))

		data, err := os.ReadFile(s.recordPath(fp))
		if err != nil {
			return nil, &StorageError{Op: "load", Backend: "file", ID: string(fp), Err: err}
		}
		rec := &Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, &StorageError{Op: "load", Backend: "file", ID: string(fp), Err: ErrStorageCorrupt}
		}
		if rec.Fingerprint != fp {
			return nil, &StorageError{Op: "load", Backend: "file", ID: string(fp), Err: ErrStorageCorrupt}
		}
		rec.normalize()
		records = append(records, rec)
	}
	return records, nil
}

// Save atomically replaces the record file.
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	err := writeFileAtomic(s.recordPath(rec.Fingerprint), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	})
	if err != nil {
		return &StorageError{Op: "save", Backend: "file", ID: string(rec.Fingerprint), Err: err}
	}
	return nil
}

// Delete removes the record file.
func (s *FileStore) Delete(ctx context.Context, fp fingerprint.Hash) error {
	if err := os.Remove(s.recordPath(fp)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "delete", Backend: "file", ID: string(fp), Err: err}
	}
	return nil
}

// Close releases the directory lock.
func (s *FileStore) Close() error {
	return s.lock.release()
}
