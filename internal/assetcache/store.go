package assetcache

import (
	"context"
	"errors"
	"fmt"

	"vidsync/internal/fingerprint"
)

// Sentinel errors for cache storage conditions.
var (
	// ErrNotFound indicates no record exists for a fingerprint.
	ErrNotFound = errors.New("assetcache: not found")
	// ErrStorageCorrupt indicates a persisted record could not be decoded.
	ErrStorageCorrupt = errors.New("assetcache: data corruption detected")
	// ErrLockTimeout indicates a timeout acquiring the cache directory lock.
	ErrLockTimeout = errors.New("assetcache: lock acquisition timeout")
)

// StorageError wraps backend failures with operation context.
//
//	var storErr *assetcache.StorageError
//	if errors.As(err, &storErr) {
//		fmt.Printf("Failed to %s %s: %v\n", storErr.Op, storErr.ID, storErr.Err)
//	}
type StorageError struct {
	// Op is the operation that failed ("load", "save", "delete", "lock").
	Op string
	// Backend is the store implementation ("file", "sqlite").
	Backend string
	// ID is the record fingerprint if applicable.
	ID string
	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("assetcache: %s %s %s: %v", e.Backend, e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("assetcache: %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store persists cache records durably. Save must not return before the
// record is on stable storage. Implementations must be safe for concurrent
// use on distinct fingerprints.
type Store interface {
	// LoadAll returns every persisted record.
	LoadAll(ctx context.Context) ([]*Record, error)
	// Save replaces the record for rec.Fingerprint.
	Save(ctx context.Context, rec *Record) error
	// Delete removes the record for fp. Missing records are not an error.
	Delete(ctx context.Context, fp fingerprint.Hash) error
	// Close releases resources held by the store.
	Close() error
}
