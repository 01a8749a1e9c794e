package catalog

import (
	"github.com/pkg/errors"

	"vidsync/internal/fingerprint"
	"vidsync/internal/syncerr"
)

// Fingerprints returns the fingerprint of v's id followed by those of its
// old ids. Empty old ids are skipped; an empty id is an error.
func Fingerprints(v SourceVideo) ([]fingerprint.Hash, error) {
	primary, err := fingerprint.Of(v.ID())
	if err != nil {
		return nil, err
	}
	hashes := []fingerprint.Hash{primary}
	for _, old := range v.OldIDs() {
		if old == "" {
			continue
		}
		h, _ := fingerprint.Of(old)
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// FindMatches returns every remote entry whose manifest carries the
// fingerprint of v's id or of one of its old ids, in remote order.
// More than one match is an anomaly the caller must surface; see MatchOne.
func FindMatches(v SourceVideo, remote []RemoteEntry) ([]RemoteEntry, error) {
	hashes, err := Fingerprints(v)
	if err != nil {
		return nil, err
	}
	wanted := make(fingerprint.Set, len(hashes))
	for _, h := range hashes {
		wanted[h] = struct{}{}
	}

	var matches []RemoteEntry
	for _, entry := range remote {
		h := entry.LastValidManifest.SourceIDHash()
		if h != "" && wanted.Has(h) {
			matches = append(matches, entry)
		}
	}
	return matches, nil
}

// MatchOne returns the single remote entry of v, nil when v was never
// published, or an *syncerr.AmbiguousMatchError listing every candidate.
func MatchOne(v SourceVideo, remote []RemoteEntry) (*RemoteEntry, error) {
	matches, err := FindMatches(v, remote)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return &matches[0], nil
	}

	fp, _ := fingerprint.Of(v.ID())
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return nil, &syncerr.AmbiguousMatchError{Fingerprint: fp.String(), RemoteIDs: ids}
}

// IsMetadataEquivalent reports whether e's last valid manifest was
// published for v's current id with v's current title and description.
func IsMetadataEquivalent(e RemoteEntry, v SourceVideo) bool {
	m := e.LastValidManifest
	if m == nil {
		return false
	}
	fp, err := fingerprint.Of(v.ID())
	if err != nil {
		return false
	}
	meta := v.Metadata()
	return m.SourceIDHash() == fp && m.Title == meta.Title && m.Description == meta.Description
}

// Validate rejects catalogs with empty or duplicate source ids.
func Validate(videos []SourceVideo) error {
	seen := make(map[string]struct{}, len(videos))
	for i, v := range videos {
		id := v.ID()
		if id == "" {
			return errors.Wrapf(syncerr.ErrInvalidState, "source video #%d has an empty id", i)
		}
		if _, dup := seen[id]; dup {
			return errors.Wrapf(syncerr.ErrInvalidState, "duplicate source id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
