package engine

import (
	"github.com/pkg/errors"

	"vidsync/internal/assetcache"
	"vidsync/internal/catalog"
	"vidsync/internal/syncerr"
)

// buildManifest assembles the manifest of the video from the assets
// uploaded under the active batch. When the batch holds no complete stream
// group, as on a metadata-only republish, it keeps the asset references of
// the matched manifest.
func (p *pipeline) buildManifest() (*catalog.Manifest, error) {
	md := p.video.Metadata()
	pub := p.e.opts.Publisher
	m := &catalog.Manifest{
		FormatVersion: pub.FormatVersion,
		Title:         md.Title,
		Description:   md.Description,
		Duration:      md.Duration,
		BatchID:       p.batch,
		PersonalData:  pub.PersonalDataFor(p.op.Fingerprint()),
	}

	var prev *catalog.Manifest
	if p.match != nil {
		prev = p.match.LastValidManifest
	}

	rec := p.handle.Snapshot()
	if rec.UploadedComplete(p.batch, streamKinds...) {
		m.Thumbnails = assetRefs(rec, p.batch, thumbnailKinds...)
		m.Streams = assetRefs(rec, p.batch, streamKinds...)
	} else if prev != nil {
		m.Thumbnails = prev.Thumbnails
		m.Streams = prev.Streams
		m.BatchID = prev.BatchID
	}
	if len(m.Streams) == 0 {
		return nil, errors.Wrap(syncerr.ErrInvalidState, "manifest has no uploaded streams")
	}
	// videoInfo is only set when assets were uploaded in this run.
	if m.Duration == 0 {
		m.Duration = p.videoInfo.Duration
	}
	if m.Duration == 0 && prev != nil {
		m.Duration = prev.Duration
	}
	return m, nil
}

// assetRefs lists the planned roles of the given kinds that have a hash
// under batchID, sorted by role key.
func assetRefs(rec *assetcache.Record, batchID string, kinds ...assetcache.Kind) []catalog.AssetRef {
	var refs []catalog.AssetRef
	uploaded := rec.UploadedAssets[batchID]
	for _, role := range rec.PlannedRoles(kinds...) {
		hash := uploaded[role.Key()]
		if hash == "" {
			continue
		}
		refs = append(refs, catalog.AssetRef{
			Role:   role.Key(),
			Hash:   hash,
			Height: role.Height,
			Width:  role.Width,
		})
	}
	return refs
}
