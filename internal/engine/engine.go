// Package engine reconciles a source catalog with the remote index. Each
// source video runs through a resumable pipeline whose progress lives in
// the asset cache; obsolete remote entries are swept afterwards.
package engine

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vidsync/internal/assetcache"
	"vidsync/internal/catalog"
	"vidsync/internal/fingerprint"
	"vidsync/internal/importer"
	"vidsync/internal/metrics"
	"vidsync/internal/sweep"
	"vidsync/internal/transcode"
)

// Transcoder probes and encodes media files.
type Transcoder interface {
	Probe(ctx context.Context, path string) (transcode.Media, error)
	Encode(ctx context.Context, source string, role assetcache.Role, outDir string) (string, error)
}

// Storage is the content-addressed store assets and manifests go to.
type Storage interface {
	AcquireBatch(ctx context.Context) (string, error)
	UploadAsset(ctx context.Context, batchID, localPath string) (string, error)
	PublishManifest(ctx context.Context, batchID string, m *catalog.Manifest) (string, error)
	Unpin(ctx context.Context, hash string) error
}

// Index is the remote catalog of published videos.
type Index interface {
	FetchCatalog(ctx context.Context) ([]catalog.RemoteEntry, error)
	UpsertIndexEntry(ctx context.Context, remoteID, manifestHash string) (string, error)
	DeleteIndexEntry(ctx context.Context, remoteID string) error
}

// Options configure an Engine.
type Options struct {
	Publisher catalog.Publisher
	Ladder    transcode.Ladder
	// Workers bounds the videos processed concurrently. Defaults to 2.
	Workers int
	// WorkDir holds downloads and encoded renditions, one directory per
	// fingerprint.
	WorkDir string
	// BatchID is used for records that have no batch yet. When empty a new
	// batch is acquired once per run.
	BatchID         string
	ForceFullUpload bool
	Sweep           sweep.Options
}

// Engine runs reconciliation and sweeps.
type Engine struct {
	cache      *assetcache.Cache
	transcoder Transcoder
	storage    Storage
	index      Index
	opts       Options
	log        *logrus.Entry
}

// New creates an engine.
func New(cache *assetcache.Cache, transcoder Transcoder, storage Storage, index Index, opts Options, log *logrus.Entry) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cache:      cache,
		transcoder: transcoder,
		storage:    storage,
		index:      index,
		opts:       opts,
		log:        log,
	}
}

// Report is the outcome of Run.
type Report struct {
	RunID     string
	Results   []Result
	Summary   Summary
	Deletions []Deletion
}

// run is the state shared by the pipelines of one reconciliation.
type run struct {
	id      string
	log     *logrus.Entry
	batchMu sync.Mutex
	batch   string
}

func (e *Engine) newRun() *run {
	id := uuid.NewString()
	return &run{id: id, log: e.log.WithField("run_id", id)}
}

// acquireBatch returns the batch of this run, acquiring it on first use.
func (r *run) acquireBatch(ctx context.Context, storage Storage) (string, error) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	if r.batch != "" {
		return r.batch, nil
	}
	batch, err := storage.AcquireBatch(ctx)
	if err != nil {
		return "", err
	}
	r.batch = batch
	r.log.WithField("batch", batch).Info("Acquired storage batch")
	return batch, nil
}

// Reconcile imports every video of the source catalog. The remote catalog
// is fetched once. A failing video never stops the others; the results
// are in source order. The returned error is only set when the run could
// not start or was canceled.
func (e *Engine) Reconcile(ctx context.Context, videos []catalog.SourceVideo) ([]Result, Summary, error) {
	return e.reconcile(ctx, e.newRun(), videos)
}

func (e *Engine) reconcile(ctx context.Context, r *run, videos []catalog.SourceVideo) ([]Result, Summary, error) {
	start := time.Now()
	if err := catalog.Validate(videos); err != nil {
		return nil, Summary{}, err
	}
	remote, err := e.index.FetchCatalog(ctx)
	if err != nil {
		return nil, Summary{}, errors.Wrap(err, "fetch remote catalog")
	}
	r.log.WithFields(logrus.Fields{
		"videos": len(videos),
		"remote": len(remote),
	}).Info("Starting reconciliation")

	results := make([]Result, len(videos))
	scheduled := make([]bool, len(videos))

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, v := range videos {
		if ctx.Err() != nil {
			break
		}
		scheduled[i] = true
		i, v := i, v
		g.Go(func() error {
			results[i] = e.process(ctx, r, v, remote)
			return nil
		})
	}
	g.Wait()

	for i, v := range videos {
		if !scheduled[i] {
			results[i] = notStarted(v, ctx.Err())
		}
	}

	summary := summarize(results, time.Since(start))
	r.log.WithFields(logrus.Fields{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"unchanged": summary.Unchanged,
	}).Info("Reconciliation finished")

	if err := ctx.Err(); err != nil {
		return results, summary, err
	}
	return results, summary, nil
}

// Run reconciles, then sweeps obsolete entries over a fresh snapshot of the
// remote catalog when a deletion option is set.
func (e *Engine) Run(ctx context.Context, videos []catalog.SourceVideo) (*Report, error) {
	r := e.newRun()
	results, summary, err := e.reconcile(ctx, r, videos)
	report := &Report{RunID: r.id, Results: results, Summary: summary}
	if err != nil {
		return report, err
	}
	if !e.opts.Sweep.Enabled() {
		return report, nil
	}

	remote, err := e.index.FetchCatalog(ctx)
	if err != nil {
		return report, errors.Wrap(err, "fetch remote catalog for sweep")
	}
	report.Deletions, err = e.sweepDeletions(ctx, r.log, videos, remote, e.opts.Sweep)
	report.Summary.countDeletions(report.Deletions)
	return report, err
}

func (e *Engine) workDir(r *Result) string {
	return filepath.Join(e.opts.WorkDir, r.Fingerprint.String())
}

func notStarted(v catalog.SourceVideo, err error) Result {
	if err == nil {
		err = context.Canceled
	}
	fp, _ := fingerprint.Of(v.ID())
	res := Result{SourceID: v.ID(), Fingerprint: fp, Stage: importer.StageFailed, Err: err}
	metrics.VideosProcessed.WithLabelValues(resultFailed).Inc()
	return res
}
