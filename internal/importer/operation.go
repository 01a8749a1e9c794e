// Package importer holds the per-video import operation: the decisions of
// which pipeline stages a run still needs and the state machine tracing
// the stages it reaches.
package importer

import (
	"vidsync/internal/assetcache"
	"vidsync/internal/catalog"
	"vidsync/internal/fingerprint"
)

// Params are the inputs an operation decides from. Record is the cache
// snapshot taken when the operation starts; a nil Record means the video
// was never seen before.
type Params struct {
	Video           catalog.SourceVideo
	Matches         []catalog.RemoteEntry
	Record          *assetcache.Record
	BatchID         string
	Publisher       catalog.Publisher
	ForceFullUpload bool
}

// Plan is the set of stages a run must execute.
type Plan struct {
	Thumbnail bool
	Streams   bool
	Manifest  bool
	Index     bool
}

// Skip reports whether nothing needs to be done.
func (p Plan) Skip() bool {
	return !p.Thumbnail && !p.Streams && !p.Manifest && !p.Index
}

// Operation is one run's import of one source video. It is not safe for
// concurrent use: stages of one video are traced sequentially.
type Operation struct {
	video     catalog.SourceVideo
	fp        fingerprint.Hash
	matches   []catalog.RemoteEntry
	record    *assetcache.Record
	batchID   string
	publisher catalog.Publisher
	force     bool

	state State
	trace []Stage
}

// New creates a pending operation.
func New(p Params) (*Operation, error) {
	fp, err := fingerprint.Of(p.Video.ID())
	if err != nil {
		return nil, err
	}
	record := p.Record
	if record == nil {
		record = assetcache.NewRecord(fp)
	}
	return &Operation{
		video:     p.Video,
		fp:        fp,
		matches:   p.Matches,
		record:    record.Clone(),
		batchID:   p.BatchID,
		publisher: p.Publisher,
		force:     p.ForceFullUpload,
		state:     StatePending,
	}, nil
}

// Video returns the source video.
func (o *Operation) Video() catalog.SourceVideo { return o.video }

// Fingerprint returns the fingerprint of the source video id.
func (o *Operation) Fingerprint() fingerprint.Hash { return o.fp }

// Matches returns the matched remote entries.
func (o *Operation) Matches() []catalog.RemoteEntry { return o.matches }

// Match returns the matched remote entry when there is exactly one.
func (o *Operation) Match() (catalog.RemoteEntry, bool) {
	if len(o.matches) != 1 {
		return catalog.RemoteEntry{}, false
	}
	return o.matches[0], true
}

// ForceFullUpload reports whether every stage is forced.
func (o *Operation) ForceFullUpload() bool { return o.force }

// formatSatisfied reports whether some matched entry already has a
// manifest in the current publishing format.
func (o *Operation) formatSatisfied() bool {
	for _, m := range o.matches {
		if o.publisher.Satisfies(m.LastValidManifest) {
			return true
		}
	}
	return false
}

// RequiresThumbnailUpload is true when forced, or when no matched entry is
// in the current format and an earlier run did not upload every planned
// thumbnail under the active batch.
func (o *Operation) RequiresThumbnailUpload() bool {
	if o.force {
		return true
	}
	if o.formatSatisfied() {
		return false
	}
	return !o.record.UploadedComplete(o.batchID, assetcache.KindThumbnail)
}

// RequiresVideoStreamUpload mirrors RequiresThumbnailUpload for the audio
// and video renditions. It is evaluated independently so a run that
// uploaded one group but not the other resumes with only the missing one.
func (o *Operation) RequiresVideoStreamUpload() bool {
	if o.force {
		return true
	}
	if o.formatSatisfied() {
		return false
	}
	return !o.record.UploadedComplete(o.batchID, assetcache.KindAudio, assetcache.KindVideo)
}

// RequiresManifestUpload is true when forced, when any asset upload is
// required, when the video was never published, or unless an equivalent
// manifest in the current format is already published.
func (o *Operation) RequiresManifestUpload() bool {
	if o.force || o.RequiresThumbnailUpload() || o.RequiresVideoStreamUpload() {
		return true
	}
	if len(o.matches) == 0 {
		return true
	}
	for _, m := range o.matches {
		if catalog.IsMetadataEquivalent(m, o.video) && o.publisher.Satisfies(m.LastValidManifest) {
			return false
		}
	}
	return true
}

// RequiresIndexUpdate is true when a manifest is or was published in this
// run, or when the video has no index entry yet.
func (o *Operation) RequiresIndexUpdate() bool {
	return o.hasTraced(StageManifestUploaded) || o.RequiresManifestUpload() || len(o.matches) == 0
}

// Plan evaluates every requirement against the starting snapshot.
func (o *Operation) Plan() Plan {
	return Plan{
		Thumbnail: o.RequiresThumbnailUpload(),
		Streams:   o.RequiresVideoStreamUpload(),
		Manifest:  o.RequiresManifestUpload(),
		Index:     o.RequiresIndexUpdate(),
	}
}

// TraceStage records that stage was reached. It fails with
// syncerr.ErrInvalidState once the operation is completed.
func (o *Operation) TraceStage(stage Stage) error {
	next, err := nextState(o.state, stage)
	if err != nil {
		return err
	}
	o.state = next
	o.trace = append(o.trace, stage)
	return nil
}

// State returns the current lifecycle state.
func (o *Operation) State() State { return o.state }

// Trace returns the stages traced so far, in order.
func (o *Operation) Trace() []Stage {
	out := make([]Stage, len(o.trace))
	copy(out, o.trace)
	return out
}

// LastStage returns the most recently traced stage, or 0.
func (o *Operation) LastStage() Stage {
	if len(o.trace) == 0 {
		return 0
	}
	return o.trace[len(o.trace)-1]
}

// IsCompleted reports whether a terminal stage was traced.
func (o *Operation) IsCompleted() bool {
	return o.state == StateSucceeded || o.state == StateFailed
}

// Succeeded reports whether the operation completed successfully.
func (o *Operation) Succeeded() bool { return o.state == StateSucceeded }

func (o *Operation) hasTraced(stage Stage) bool {
	for _, s := range o.trace {
		if s == stage {
			return true
		}
	}
	return false
}
