// Package config manages application configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"vidsync/internal/catalog"
	"vidsync/internal/retry"
	"vidsync/internal/sweep"
	"vidsync/internal/transcode"
)

// Cache backends.
const (
	CacheBackendFile   = "file"
	CacheBackendSQLite = "sqlite"
)

// FileName is the configuration file looked up by Load.
const FileName = "vidsync.yaml"

// Config holds all application configuration.
type Config struct {
	Tools     ToolsConfig     `yaml:"tools"`
	YouTube   YouTubeConfig   `yaml:"youtube"`
	WorkDir   string          `yaml:"work_dir"`
	Cache     CacheConfig     `yaml:"cache"`
	Workers   int             `yaml:"workers"`
	Ladder    LadderConfig    `yaml:"ladder"`
	Index     IndexConfig     `yaml:"index"`
	IPFS      IPFSConfig      `yaml:"ipfs"`
	BatchID   string          `yaml:"batch_id"`
	Publisher PublisherConfig `yaml:"publisher"`
	Sweep     SweepConfig     `yaml:"sweep"`
	// ForceFullUpload re-uploads every asset and republishes every manifest.
	ForceFullUpload bool          `yaml:"force_full_upload"`
	Retry           retry.Config  `yaml:"retry"`
	Logging         LoggingConfig `yaml:"logging"`
	// MetricsBind is the address of the metrics listener. Empty disables it.
	MetricsBind string `yaml:"metrics_bind"`
}

// ToolsConfig locates external binaries.
type ToolsConfig struct {
	YtdlpPath     string        `yaml:"ytdlp_path"`
	YtdlpTimeout  time.Duration `yaml:"ytdlp_timeout"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	FFprobePath   string        `yaml:"ffprobe_path"`
	EncodeTimeout time.Duration `yaml:"encode_timeout"`
}

// YouTubeConfig enables channel listing through the YouTube Data API.
// Without an API key channels are listed with yt-dlp.
type YouTubeConfig struct {
	APIKey string `yaml:"api_key"`
	// QuotaReserve daily units are left unused; listing falls back to
	// yt-dlp below it.
	QuotaReserve int `yaml:"quota_reserve"`
}

// CacheConfig selects the asset cache backend.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	// Dir holds the cache files, or the database file for sqlite.
	Dir string `yaml:"dir"`
}

// LadderConfig lists the renditions to encode.
type LadderConfig struct {
	VideoHeights    []int `yaml:"video_heights"`
	ThumbnailWidths []int `yaml:"thumbnail_widths"`
}

// IndexConfig points at the remote index service.
type IndexConfig struct {
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	PageSize int           `yaml:"page_size"`
	Timeout  time.Duration `yaml:"timeout"`
	// RequestsPerSecond limits calls to the index host.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// IPFSConfig points at the storage node.
type IPFSConfig struct {
	API     string        `yaml:"api"`
	Timeout time.Duration `yaml:"timeout"`
}

// PublisherConfig identifies published manifests.
type PublisherConfig struct {
	ClientName    string `yaml:"client_name"`
	ClientVersion string `yaml:"client_version"`
	FormatVersion int    `yaml:"format_version"`
}

// SweepConfig selects which obsolete remote entries are deleted.
type SweepConfig struct {
	DeleteMissingFromSource bool `yaml:"delete_missing_from_source"`
	DeleteExogenous         bool `yaml:"delete_exogenous"`
}

// LoggingConfig configures logging.Setup.
type LoggingConfig struct {
	Directory string `yaml:"directory"`
	Colors    bool   `yaml:"colors"`
	JSON      bool   `yaml:"json"`
	Level     string `yaml:"level"`
}

// DefaultConfig returns configuration with safe defaults.
func DefaultConfig() *Config {
	return &Config{
		Tools: ToolsConfig{
			YtdlpPath:     "yt-dlp",
			YtdlpTimeout:  10 * time.Minute,
			FFmpegPath:    "ffmpeg",
			FFprobePath:   "ffprobe",
			EncodeTimeout: 2 * time.Hour,
		},
		WorkDir: "work",
		Cache:   CacheConfig{Backend: CacheBackendFile, Dir: "cache"},
		Workers: 2,
		Ladder: LadderConfig{
			VideoHeights:    append([]int(nil), transcode.DefaultVideoHeights...),
			ThumbnailWidths: append([]int(nil), transcode.DefaultThumbnailWidths...),
		},
		Index: IndexConfig{PageSize: 100, Timeout: 30 * time.Second, RequestsPerSecond: 5},
		IPFS:  IPFSConfig{API: "localhost:5001", Timeout: 10 * time.Minute},
		Publisher: PublisherConfig{
			ClientName:    "vidsync",
			ClientVersion: "1.0.0",
			FormatVersion: 1,
		},
		Retry:   retry.DefaultConfig(),
		Logging: LoggingConfig{Level: "info", Colors: true},
	}
}

// Load builds the configuration from defaults, then the file at path (or
// the first FileName found in the working directory or
// ~/.config/vidsync), then VIDSYNC_* environment variables.
// Priority: env vars > config file > defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromFile(path); err != nil {
		// the implicit locations are optional
		if path != "" || !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrap(err, "load config file")
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	paths := []string{path}
	if path == "" {
		paths = []string{FileName}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".config", "vidsync", FileName))
		}
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) && path == "" {
				continue
			}
			return err
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return errors.Wrapf(err, "parse %s", p)
		}
		return nil
	}
	return os.ErrNotExist
}

// loadFromEnv overrides config with environment variables. Malformed
// numbers and durations are errors.
func (c *Config) loadFromEnv() error {
	strs := map[string]*string{
		"VIDSYNC_YTDLP_PATH":      &c.Tools.YtdlpPath,
		"VIDSYNC_FFMPEG_PATH":     &c.Tools.FFmpegPath,
		"VIDSYNC_FFPROBE_PATH":    &c.Tools.FFprobePath,
		"VIDSYNC_WORK_DIR":        &c.WorkDir,
		"VIDSYNC_CACHE_BACKEND":   &c.Cache.Backend,
		"VIDSYNC_CACHE_DIR":       &c.Cache.Dir,
		"VIDSYNC_INDEX_URL":       &c.Index.URL,
		"VIDSYNC_INDEX_API_KEY":   &c.Index.APIKey,
		"VIDSYNC_YOUTUBE_API_KEY": &c.YouTube.APIKey,
		"VIDSYNC_IPFS_API":        &c.IPFS.API,
		"VIDSYNC_BATCH_ID":        &c.BatchID,
		"VIDSYNC_CLIENT_NAME":     &c.Publisher.ClientName,
		"VIDSYNC_CLIENT_VERSION":  &c.Publisher.ClientVersion,
		"VIDSYNC_LOG_DIR":         &c.Logging.Directory,
		"VIDSYNC_LOG_LEVEL":       &c.Logging.Level,
		"VIDSYNC_METRICS_BIND":    &c.MetricsBind,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"VIDSYNC_WORKERS":               &c.Workers,
		"VIDSYNC_FORMAT_VERSION":        &c.Publisher.FormatVersion,
		"VIDSYNC_MAX_RETRIES":           &c.Retry.MaxRetries,
		"VIDSYNC_YOUTUBE_QUOTA_RESERVE": &c.YouTube.QuotaReserve,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "%s", name)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"VIDSYNC_YTDLP_TIMEOUT":  &c.Tools.YtdlpTimeout,
		"VIDSYNC_ENCODE_TIMEOUT": &c.Tools.EncodeTimeout,
		"VIDSYNC_INDEX_TIMEOUT":  &c.Index.Timeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "%s", name)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"VIDSYNC_FORCE_FULL_UPLOAD":          &c.ForceFullUpload,
		"VIDSYNC_DELETE_MISSING_FROM_SOURCE": &c.Sweep.DeleteMissingFromSource,
		"VIDSYNC_DELETE_EXOGENOUS":           &c.Sweep.DeleteExogenous,
		"VIDSYNC_LOG_JSON":                   &c.Logging.JSON,
		"VIDSYNC_LOG_COLORS":                 &c.Logging.Colors,
	}
	for name, dst := range bools {
		if v := os.Getenv(name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	return nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.WorkDir == "" {
		return errors.New("work_dir must be set")
	}
	if c.YouTube.QuotaReserve < 0 {
		return errors.New("youtube.quota_reserve must not be negative")
	}
	switch c.Cache.Backend {
	case CacheBackendFile, CacheBackendSQLite:
	default:
		return errors.Errorf("cache.backend must be %q or %q, got %q", CacheBackendFile, CacheBackendSQLite, c.Cache.Backend)
	}
	if c.Cache.Dir == "" {
		return errors.New("cache.dir must be set")
	}
	if len(c.Ladder.VideoHeights) == 0 {
		return errors.New("ladder.video_heights must not be empty")
	}
	for _, h := range append(append([]int(nil), c.Ladder.VideoHeights...), c.Ladder.ThumbnailWidths...) {
		if h <= 0 {
			return errors.Errorf("ladder sizes must be positive, got %d", h)
		}
	}
	if c.Tools.YtdlpTimeout <= 0 || c.Tools.EncodeTimeout <= 0 {
		return errors.New("tool timeouts must be positive")
	}
	if c.Index.URL != "" && !strings.HasPrefix(c.Index.URL, "http://") && !strings.HasPrefix(c.Index.URL, "https://") {
		return errors.Errorf("index.url must be an http(s) URL, got %q", c.Index.URL)
	}
	if c.Index.PageSize <= 0 {
		return errors.New("index.page_size must be positive")
	}
	if c.Publisher.ClientName == "" {
		return errors.New("publisher.client_name must be set")
	}
	if c.Publisher.FormatVersion < 1 {
		return errors.New("publisher.format_version must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be non-negative")
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.New("retry backoff must be positive and max_backoff >= initial_backoff")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	return nil
}

// PublisherIdentity returns the publisher written into manifests.
func (c *Config) PublisherIdentity() catalog.Publisher {
	return catalog.Publisher{
		ClientName:    c.Publisher.ClientName,
		ClientVersion: c.Publisher.ClientVersion,
		FormatVersion: c.Publisher.FormatVersion,
	}
}

// EncodingLadder returns the configured rendition ladder.
func (c *Config) EncodingLadder() transcode.Ladder {
	return transcode.Ladder{VideoHeights: c.Ladder.VideoHeights, ThumbnailWidths: c.Ladder.ThumbnailWidths}
}

// SweepOptions returns the configured deletion options.
func (c *Config) SweepOptions() sweep.Options {
	return sweep.Options{
		DeleteMissingFromSource: c.Sweep.DeleteMissingFromSource,
		DeleteExogenous:         c.Sweep.DeleteExogenous,
	}
}
