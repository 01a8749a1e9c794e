package vidsync

import (
	"vidsync/internal/assetcache"
	"vidsync/internal/retry"
	"vidsync/internal/syncerr"
)

// Error handling types exported for library users.
//
// Using errors.Is() for sentinel errors:
//
//	if errors.Is(result.Err, vidsync.ErrAssetMissing) {
//		fmt.Println("a recorded local file is gone")
//	}
//
// Using errors.As() for typed errors:
//
//	var amb *vidsync.AmbiguousMatchError
//	if errors.As(result.Err, &amb) {
//		fmt.Printf("source matches %v\n", amb.RemoteIDs)
//	}

// Type aliases for convenient error handling.
type (
	// AmbiguousMatchError lists every remote entry matching one source video.
	AmbiguousMatchError = syncerr.AmbiguousMatchError
	// StageError wraps a failure with the pipeline stage it happened in.
	StageError = syncerr.StageError
	// ExhaustedError wraps errors that occurred after retries were exhausted.
	ExhaustedError = retry.ExhaustedError
	// StorageError wraps errors of the asset cache backends.
	StorageError = assetcache.StorageError
	// ErrorKind is the coarse classification returned by KindOf.
	ErrorKind = syncerr.Kind
)

// Sentinel errors exported from sub-packages.
var (
	// ErrAssetMissing indicates a recorded or supplied local file no longer exists.
	ErrAssetMissing = syncerr.ErrAssetMissing
	// ErrInvalidState indicates a protocol violation or an empty required value.
	ErrInvalidState = syncerr.ErrInvalidState
	// ErrAmbiguousMatch indicates several remote entries match one source video.
	ErrAmbiguousMatch = syncerr.ErrAmbiguousMatch
	// ErrUpstreamFailure indicates a transcoder, storage or index failure.
	ErrUpstreamFailure = syncerr.ErrUpstreamFailure

	// Asset cache errors
	// ErrStorageCorrupt indicates an unreadable cache record.
	ErrStorageCorrupt = assetcache.ErrStorageCorrupt
	// ErrLockTimeout indicates another process holds the cache directory.
	ErrLockTimeout = assetcache.ErrLockTimeout
)

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	return syncerr.KindOf(err)
}

// IsRetryable determines if an error should be retried.
func IsRetryable(err error) bool {
	return retry.IsRetryable(err)
}
