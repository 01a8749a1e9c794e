package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vidsync/internal/assetcache"
	"vidsync/internal/catalog"
	"vidsync/internal/fingerprint"
	"vidsync/internal/importer"
	"vidsync/internal/metrics"
	"vidsync/internal/syncerr"
	"vidsync/internal/transcode"
)

// Pipeline stage names used in StageError.
const (
	stepMatch       = "match"
	stepPlan        = "plan"
	stepMaterialize = "materialize"
	stepThumbnail   = "thumbnail"
	stepStreams     = "streams"
	stepManifest    = "manifest"
	stepIndex       = "index"
)

// pipeline is the import of one video during one run.
type pipeline struct {
	e      *Engine
	r      *run
	video  catalog.SourceVideo
	op     *importer.Operation
	handle *assetcache.Handle
	match  *catalog.RemoteEntry
	batch  string
	log    *logrus.Entry
	res    *Result

	videoFile string
	videoInfo transcode.Media
	thumbFile string
	thumbInfo transcode.Media
}

// process runs the pipeline of v and never returns an error: failures are
// reported in the result.
func (e *Engine) process(ctx context.Context, r *run, v catalog.SourceVideo, remote []catalog.RemoteEntry) Result {
	res := Result{SourceID: v.ID()}
	fp, err := fingerprint.Of(v.ID())
	if err != nil {
		return e.fail(r.log, &res, nil, stepMatch, err)
	}
	res.Fingerprint = fp
	log := r.log.WithField("fingerprint", fp.Short())
	log.WithField("source_id", v.ID()).Debug("Processing video")

	matches, err := catalog.FindMatches(v, remote)
	if err != nil {
		return e.fail(log, &res, nil, stepMatch, err)
	}

	handle, err := e.cache.Acquire(ctx, fp)
	if err != nil {
		return e.fail(log, &res, nil, stepMatch, err)
	}
	defer handle.Release()

	p := &pipeline{e: e, r: r, video: v, handle: handle, log: log, res: &res}
	if err := p.start(ctx, matches); err != nil {
		return e.fail(log, &res, p.op, stepPlan, err)
	}
	if len(matches) > 1 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		err := &syncerr.AmbiguousMatchError{Fingerprint: fp.String(), RemoteIDs: ids}
		return e.fail(log, &res, p.op, stepMatch, err)
	}

	if step, err := p.execute(ctx); err != nil {
		return e.fail(log, &res, p.op, step, err)
	}
	return res
}

// start creates the operation, choosing the batch: the record's batch,
// else the configured one, else the run's batch when storage work is due.
func (p *pipeline) start(ctx context.Context, matches []catalog.RemoteEntry) error {
	rec := p.handle.Snapshot()
	if len(matches) == 1 {
		p.match = &matches[0]
	}
	p.batch = rec.BatchID
	if p.batch == "" {
		p.batch = p.e.opts.BatchID
	}

	params := importer.Params{
		Video:           p.video,
		Matches:         matches,
		Record:          rec,
		BatchID:         p.batch,
		Publisher:       p.e.opts.Publisher,
		ForceFullUpload: p.e.opts.ForceFullUpload,
	}
	op, err := importer.New(params)
	if err != nil {
		return err
	}
	p.op = op
	if len(matches) > 1 {
		return nil
	}

	plan := op.Plan()
	needsBatch := plan.Thumbnail || plan.Streams || plan.Manifest
	if p.batch == "" && needsBatch {
		if p.batch, err = p.r.acquireBatch(ctx, p.e.storage); err != nil {
			return err
		}
		params.BatchID = p.batch
		if p.op, err = importer.New(params); err != nil {
			return err
		}
	}
	if needsBatch && rec.BatchID != p.batch {
		return p.handle.SetBatchID(ctx, p.batch)
	}
	return nil
}

// execute runs the planned stages. Cancellation is checked before every
// stage and between assets; a call in flight against storage or the index
// is never interrupted.
func (p *pipeline) execute(ctx context.Context) (string, error) {
	plan := p.op.Plan()
	if plan.Skip() {
		p.res.Unchanged = true
		if p.match != nil {
			p.res.RemoteID = p.match.ID
			p.res.ManifestHash = p.match.LastValidManifest.Hash
		}
		p.log.Debug("Video is up to date")
		return "", p.trace(importer.StageSucceeded)
	}
	p.log.WithFields(logrus.Fields{
		"thumbnail": plan.Thumbnail,
		"streams":   plan.Streams,
		"manifest":  plan.Manifest,
		"index":     plan.Index,
	}).Debug("Planned stages")

	if plan.Thumbnail || plan.Streams {
		if err := ctx.Err(); err != nil {
			return stepMaterialize, err
		}
		if err := p.materialize(ctx); err != nil {
			return stepMaterialize, err
		}
	}

	if plan.Thumbnail {
		if err := ctx.Err(); err != nil {
			return stepThumbnail, err
		}
		roles := p.e.opts.Ladder.ThumbnailRoles(p.thumbInfo)
		if err := p.uploadRoles(ctx, p.thumbFile, thumbnailKinds, roles); err != nil {
			return stepThumbnail, err
		}
		if err := p.trace(importer.StageThumbnailUploaded); err != nil {
			return stepThumbnail, err
		}
	}

	if plan.Streams {
		if err := ctx.Err(); err != nil {
			return stepStreams, err
		}
		roles := p.e.opts.Ladder.StreamRoles(p.videoInfo)
		if err := p.uploadRoles(ctx, p.videoFile, streamKinds, roles); err != nil {
			return stepStreams, err
		}
		if err := p.trace(importer.StageVideoStreamsUploaded); err != nil {
			return stepStreams, err
		}
	}

	manifestHash := ""
	if p.match != nil && p.match.LastValidManifest != nil {
		manifestHash = p.match.LastValidManifest.Hash
	}
	if p.op.RequiresManifestUpload() {
		if err := ctx.Err(); err != nil {
			return stepManifest, err
		}
		m, err := p.buildManifest()
		if err != nil {
			return stepManifest, err
		}
		if manifestHash, err = p.e.storage.PublishManifest(context.WithoutCancel(ctx), p.batch, m); err != nil {
			return stepManifest, err
		}
		if err := p.trace(importer.StageManifestUploaded); err != nil {
			return stepManifest, err
		}
	}

	remoteID := ""
	if p.match != nil {
		remoteID = p.match.ID
	}
	if p.op.RequiresIndexUpdate() {
		if err := ctx.Err(); err != nil {
			return stepIndex, err
		}
		if manifestHash == "" {
			return stepIndex, errors.Wrap(syncerr.ErrInvalidState, "index update without a manifest")
		}
		id, err := p.e.index.UpsertIndexEntry(context.WithoutCancel(ctx), remoteID, manifestHash)
		if err != nil {
			return stepIndex, err
		}
		remoteID = id
		if err := p.trace(importer.StageIndexUpdated); err != nil {
			return stepIndex, err
		}
	}

	p.res.RemoteID = remoteID
	p.res.ManifestHash = manifestHash
	return "", p.trace(importer.StageSucceeded)
}

// materialize makes the source files available, reusing the originals of
// an earlier run when they are still on disk, and probes them.
func (p *pipeline) materialize(ctx context.Context) error {
	video, haveVideo := p.handle.GetOriginal(assetcache.OriginalVideo)
	thumb, haveThumb := p.handle.GetOriginal(assetcache.OriginalThumbnail)

	if haveVideo && fileExists(video.Path) && (!haveThumb || fileExists(thumb.Path)) {
		p.videoFile = video.Path
		if haveThumb {
			p.thumbFile = thumb.Path
		}
		p.log.Debug("Reusing materialized source files")
	} else {
		files, err := p.video.Materialize(ctx, p.e.workDir(p.res))
		if err != nil {
			return err
		}
		p.videoFile, p.thumbFile = files.VideoPath, files.ThumbnailPath
	}

	var err error
	if p.videoInfo, err = p.e.transcoder.Probe(ctx, p.videoFile); err != nil {
		return err
	}
	if err := p.handle.RecordOriginal(ctx, assetcache.OriginalVideo, p.videoFile, p.videoInfo.Height, p.videoInfo.Width); err != nil {
		return err
	}

	if p.thumbFile == "" {
		p.thumbFile, p.thumbInfo = p.videoFile, p.videoInfo
		return nil
	}
	if p.thumbInfo, err = p.e.transcoder.Probe(ctx, p.thumbFile); err != nil {
		return err
	}
	return p.handle.RecordOriginal(ctx, assetcache.OriginalThumbnail, p.thumbFile, p.thumbInfo.Height, p.thumbInfo.Width)
}

// Rendition groups, each planned and completed as a whole.
var (
	thumbnailKinds = []assetcache.Kind{assetcache.KindThumbnail}
	streamKinds    = []assetcache.Kind{assetcache.KindAudio, assetcache.KindVideo}
)

// uploadRoles plans roles as the group of kinds, then encodes (or reuses)
// and uploads every role from source. Each step is recorded in the cache
// before the next one starts.
func (p *pipeline) uploadRoles(ctx context.Context, source string, kinds []assetcache.Kind, roles []assetcache.Role) error {
	if len(roles) == 0 {
		return errors.Wrapf(syncerr.ErrInvalidState, "no renditions for %s", filepath.Base(source))
	}
	if err := p.handle.PlanRoles(ctx, kinds, roles); err != nil {
		return err
	}
	outDir := filepath.Join(p.e.workDir(p.res), "encoded")
	for _, role := range roles {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := p.log.WithField("role", role.Key())

		path, ok := p.handle.GetEncodedAsset(role)
		if !ok || !fileExists(path) {
			var err error
			if path, err = p.e.transcoder.Encode(ctx, source, role, outDir); err != nil {
				return err
			}
			if err := p.handle.RecordEncodedAsset(ctx, role, path); err != nil {
				return err
			}
		}

		if _, ok := p.handle.GetUploadedAsset(role, p.batch); ok && !p.op.ForceFullUpload() {
			p.res.Reused++
			metrics.AssetsReused.WithLabelValues(role.Kind.String()).Inc()
			log.Debug("Reusing uploaded asset")
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(syncerr.ErrAssetMissing, "%s", path)
		}
		hash, err := p.e.storage.UploadAsset(context.WithoutCancel(ctx), p.batch, path)
		if err != nil {
			return err
		}
		if err := p.handle.RecordUploadedAsset(context.WithoutCancel(ctx), role, p.batch, hash); err != nil {
			return err
		}
		p.res.Uploaded++
		p.res.BytesUploaded += info.Size()
		metrics.AssetsUploaded.WithLabelValues(role.Kind.String()).Inc()
	}
	return nil
}

// trace records stage on the operation and in the result.
func (p *pipeline) trace(stage importer.Stage) error {
	if err := p.op.TraceStage(stage); err != nil {
		return err
	}
	p.res.Stage = stage
	p.res.Trace = p.op.Trace()
	metrics.StagesTraced.WithLabelValues(stage.String()).Inc()
	if stage == importer.StageSucceeded {
		metrics.VideosProcessed.WithLabelValues(p.res.label()).Inc()
		if !p.res.Unchanged {
			p.log.WithField("remote_id", p.res.RemoteID).Info("Video published")
		}
		return nil
	}
	p.log.WithField("stage", stage.String()).Info("Stage completed")
	return nil
}

// fail completes the result as failed. op may be nil when the failure
// happened before an operation existed.
func (e *Engine) fail(log *logrus.Entry, res *Result, op *importer.Operation, step string, err error) Result {
	res.Err = &syncerr.StageError{SourceID: res.SourceID, Stage: step, Err: err}
	res.Stage = importer.StageFailed
	if op != nil && !op.IsCompleted() {
		if terr := op.TraceStage(importer.StageFailed); terr == nil {
			res.Trace = op.Trace()
			metrics.StagesTraced.WithLabelValues(importer.StageFailed.String()).Inc()
		}
	}
	metrics.VideosProcessed.WithLabelValues(resultFailed).Inc()

	entry := log.WithFields(logrus.Fields{"stage": step, "kind": string(syncerr.KindOf(err))}).WithError(err)
	if syncerr.KindOf(err) == syncerr.KindCanceled {
		entry.Info("Video import interrupted")
	} else {
		entry.Warn("Video import failed")
	}
	return *res
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
