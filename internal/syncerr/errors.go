// Package syncerr defines the error kinds shared by the reconciliation
// pipeline and helpers to classify them.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Use errors.Is to test for them.
var (
	// ErrAssetMissing indicates a recorded or supplied local file no longer exists.
	ErrAssetMissing = errors.New("asset missing")
	// ErrInvalidState indicates a protocol violation, such as tracing a stage
	// after completion or supplying an empty required value.
	ErrInvalidState = errors.New("invalid state")
	// ErrAmbiguousMatch indicates more than one remote entry fingerprints to
	// the same source video.
	ErrAmbiguousMatch = errors.New("ambiguous match")
	// ErrUpstreamFailure indicates an opaque failure from a collaborator
	// (transcoder, storage, index).
	ErrUpstreamFailure = errors.New("upstream failure")
)

// Kind is the coarse classification of an error.
type Kind string

const (
	KindNone            Kind = ""
	KindAssetMissing    Kind = "asset_missing"
	KindInvalidState    Kind = "invalid_state"
	KindAmbiguousMatch  Kind = "ambiguous_match"
	KindUpstreamFailure Kind = "upstream_failure"
	KindCanceled        Kind = "canceled"
	KindUnknown         Kind = "unknown"
)

// KindOf classifies err. Context cancellation is reported separately so a
// canceled run is not mistaken for a collaborator failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAmbiguousMatch):
		return KindAmbiguousMatch
	case errors.Is(err, ErrAssetMissing):
		return KindAssetMissing
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case isCanceled(err):
		return KindCanceled
	case errors.Is(err, ErrUpstreamFailure):
		return KindUpstreamFailure
	default:
		return KindUnknown
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// AmbiguousMatchError reports every remote entry that matched one source video.
type AmbiguousMatchError struct {
	// Fingerprint is the fingerprint of the source video id.
	Fingerprint string
	// RemoteIDs are the ids of all matching remote entries.
	RemoteIDs []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("ambiguous match: source %s matches %d remote entries [%s]",
		e.Fingerprint, len(e.RemoteIDs), strings.Join(e.RemoteIDs, ", "))
}

func (e *AmbiguousMatchError) Unwrap() error { return ErrAmbiguousMatch }

// StageError wraps a failure with the stage of the pipeline it happened in.
type StageError struct {
	// SourceID is the source video id.
	SourceID string
	// Stage names the pipeline stage that failed.
	Stage string
	// Err is the underlying error.
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: stage %s: %v", e.SourceID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Upstream marks err as a collaborator failure while keeping it inspectable.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &upstreamError{op: op, err: err}
}

type upstreamError struct {
	op  string
	err error
}

func (e *upstreamError) Error() string { return e.op + ": " + e.err.Error() }

func (e *upstreamError) Unwrap() []error { return []error{ErrUpstreamFailure, e.err} }
