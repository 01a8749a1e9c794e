// Package fingerprint derives stable, privacy-preserving hashes of source
// video identifiers.
//
// A fingerprint keys the local asset cache and is published in a manifest's
// personal data so an entry can be linked back to its source without
// revealing the source id.
package fingerprint

import (
	"encoding/hex"

	sha256 "github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"vidsync/internal/syncerr"
)

// Hash is the lowercase hex SHA-256 of a source id.
type Hash string

// String returns the hex form.
func (h Hash) String() string { return string(h) }

// Short returns the first 12 hex characters, for log lines.
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// Of returns the fingerprint of id. Empty ids are rejected.
func Of(id string) (Hash, error) {
	if id == "" {
		return "", errors.Wrap(syncerr.ErrInvalidState, "fingerprint: empty id")
	}
	sum := sha256.Sum256([]byte(id))
	return Hash(hex.EncodeToString(sum[:])), nil
}

// IsHash reports whether s has the shape of a fingerprint.
func IsHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Set is a set of fingerprints.
type Set map[Hash]struct{}

// Add fingerprints each id and adds it. Empty ids are skipped.
func (s Set) Add(ids ...string) {
	for _, id := range ids {
		if h, err := Of(id); err == nil {
			s[h] = struct{}{}
		}
	}
}

// Has reports whether h is in the set.
func (s Set) Has(h Hash) bool {
	_, ok := s[h]
	return ok
}
