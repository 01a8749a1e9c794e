package vidsync

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	vhttp "vidsync/http"
	"vidsync/internal/assetcache"
	"vidsync/internal/catalog"
	"vidsync/internal/config"
	"vidsync/internal/engine"
	"vidsync/internal/fingerprint"
	"vidsync/internal/index"
	"vidsync/internal/ipfsstore"
	"vidsync/internal/source"
	"vidsync/internal/transcode"
)

type (
	// Config is the application configuration.
	Config = config.Config
	// Report is the outcome of Syncer.Sync.
	Report = engine.Report
	// Result is the outcome of one source video.
	Result = engine.Result
	// Deletion is the outcome of one swept remote entry.
	Deletion = engine.Deletion
	// Record is a snapshot of one asset cache record.
	Record = assetcache.Record
)

// Source catalog kinds accepted by Syncer.Reader.
const (
	SourceYouTube  = "youtube"
	SourceMarkdown = "markdown"
	SourceJSON     = "json"
)

// LoadConfig loads the configuration, see config.Load.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Fingerprint returns the fingerprint of a source video id.
func Fingerprint(id string) (string, error) {
	fp, err := fingerprint.Of(id)
	return fp.String(), err
}

// Syncer owns the collaborators of a sync run.
type Syncer struct {
	cfg    *Config
	cache  *assetcache.Cache
	http   *vhttp.Client
	index  *index.Client
	engine *engine.Engine
	log    *logrus.Entry
}

// Open opens the asset cache and connects the index and storage clients.
// The index is only required by Sync and Sweep.
func Open(ctx context.Context, cfg *Config, log *logrus.Entry) (*Syncer, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	store, err := openStore(cfg.Cache)
	if err != nil {
		return nil, err
	}
	cache, err := assetcache.Open(ctx, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Syncer{cfg: cfg, cache: cache, log: log}

	httpCfg := vhttp.DefaultConfig()
	httpCfg.Timeout = cfg.Index.Timeout
	httpCfg.Retry = cfg.Retry
	httpCfg.RequestsPerSecond = cfg.Index.RequestsPerSecond
	httpCfg.Log = log.WithField("component", "index")
	s.http = vhttp.New(httpCfg)

	var idx engine.Index = unconfiguredIndex{}
	if cfg.Index.URL != "" {
		s.index, err = index.New(s.http, index.Config{
			BaseURL:  cfg.Index.URL,
			APIKey:   cfg.Index.APIKey,
			PageSize: cfg.Index.PageSize,
		}, log)
		if err != nil {
			s.Close()
			return nil, err
		}
		idx = s.index
	}

	storage := ipfsstore.New(cfg.IPFS.API, cfg.IPFS.Timeout, cfg.Retry, log)
	ffmpeg := transcode.NewFFmpeg(cfg.Tools.FFmpegPath, cfg.Tools.FFprobePath, cfg.Tools.EncodeTimeout, log)
	s.engine = engine.New(cache, ffmpeg, storage, idx, engine.Options{
		Publisher:       cfg.PublisherIdentity(),
		Ladder:          cfg.EncodingLadder(),
		Workers:         cfg.Workers,
		WorkDir:         cfg.WorkDir,
		BatchID:         cfg.BatchID,
		ForceFullUpload: cfg.ForceFullUpload,
		Sweep:           cfg.SweepOptions(),
	}, log)
	return s, nil
}

func openStore(cfg config.CacheConfig) (assetcache.Store, error) {
	switch cfg.Backend {
	case config.CacheBackendSQLite:
		return assetcache.NewSQLiteStore(cfg.Dir)
	default:
		return assetcache.NewFileStore(cfg.Dir)
	}
}

// Reader returns the source reader of the given kind for location.
func (s *Syncer) Reader(kind, location string) (source.Reader, error) {
	switch kind {
	case SourceYouTube:
		ytdlp := source.NewYouTubeReader(location, s.cfg.Tools.YtdlpPath, s.cfg.Tools.YtdlpTimeout, s.cfg.Retry, s.log)
		if s.cfg.YouTube.APIKey == "" {
			return ytdlp, nil
		}
		api, err := source.NewYouTubeAPIReader(context.Background(), s.cfg.YouTube.APIKey, ytdlp)
		if err != nil {
			return nil, err
		}
		api.QuotaReserve = s.cfg.YouTube.QuotaReserve
		return api, nil
	case SourceMarkdown:
		return &source.MarkdownReader{Dir: location}, nil
	case SourceJSON:
		return &source.JSONReader{Path: location}, nil
	}
	return nil, errors.Errorf("unknown source kind %q (use youtube, markdown or json)", kind)
}

func (s *Syncer) read(ctx context.Context, r source.Reader) ([]catalog.SourceVideo, error) {
	videos, err := r.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read source catalog")
	}
	s.log.WithField("videos", len(videos)).Info("Read source catalog")
	return videos, nil
}

// Sync reconciles the catalog of r and sweeps when a deletion option is
// configured.
func (s *Syncer) Sync(ctx context.Context, r source.Reader) (*Report, error) {
	videos, err := s.read(ctx, r)
	if err != nil {
		return nil, err
	}
	return s.engine.Run(ctx, videos)
}

// Sweep deletes obsolete remote entries without importing anything.
func (s *Syncer) Sweep(ctx context.Context, r source.Reader) ([]Deletion, error) {
	videos, err := s.read(ctx, r)
	if err != nil {
		return nil, err
	}
	opts := s.cfg.SweepOptions()
	if !opts.Enabled() {
		return nil, errors.New("no deletion option enabled (sweep.delete_missing_from_source, sweep.delete_exogenous)")
	}
	if s.index == nil {
		return nil, errIndexUnconfigured
	}
	remote, err := s.index.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return s.engine.SweepDeletions(ctx, videos, remote, opts)
}

// CachedRecord returns the cache record of a source video id.
func (s *Syncer) CachedRecord(id string) (*Record, bool, error) {
	fp, err := fingerprint.Of(id)
	if err != nil {
		return nil, false, err
	}
	rec, ok := s.cache.Record(fp)
	return rec, ok, nil
}

// Close releases the cache and the HTTP client.
func (s *Syncer) Close() error {
	if s.http != nil {
		s.http.Close()
	}
	return s.cache.Close()
}

var errIndexUnconfigured = errors.New("index.url is not configured")

// unconfiguredIndex fails every call; it lets cache inspection work
// without an index.
type unconfiguredIndex struct{}

func (unconfiguredIndex) FetchCatalog(context.Context) ([]catalog.RemoteEntry, error) {
	return nil, errIndexUnconfigured
}

func (unconfiguredIndex) UpsertIndexEntry(context.Context, string, string) (string, error) {
	return "", errIndexUnconfigured
}

func (unconfiguredIndex) DeleteIndexEntry(context.Context, string) error {
	return errIndexUnconfigured
}
