package source

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vidsync/internal/catalog"
	"vidsync/internal/retry"
	"vidsync/internal/syncerr"
)

const (
	defaultYtdlpPath      = "yt-dlp"
	defaultYtdlpTimeout   = 10 * time.Minute
	defaultDownloadFormat = "bestvideo[height<=2160]+bestaudio/best"
	metadataWorkers       = 4
)

// ErrYtdlpNotInstalled is returned when the yt-dlp executable cannot be run.
var ErrYtdlpNotInstalled = errors.New("yt-dlp not installed")

var channelIDRegex = regexp.MustCompile(`^UC[a-zA-Z0-9_-]{22}$`)

// YouTubeReader lists a channel with yt-dlp and fetches the full metadata
// of every video.
type YouTubeReader struct {
	// Channel is a channel URL, handle URL or channel id.
	Channel string
	// Path is the yt-dlp executable. Defaults to "yt-dlp".
	Path string
	// Timeout bounds one yt-dlp invocation. Defaults to 10 minutes.
	Timeout time.Duration
	// Format is the yt-dlp format selector used by downloads.
	Format string
	// ExtraArgs are passed to every yt-dlp invocation.
	ExtraArgs []string
	// Retry configures retries of listing and metadata calls.
	Retry retry.Config
	Log   *logrus.Entry
}

// NewYouTubeReader creates a reader for channel.
func NewYouTubeReader(channel, ytdlpPath string, timeout time.Duration, retryCfg retry.Config, log *logrus.Entry) *YouTubeReader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &YouTubeReader{
		Channel: channel,
		Path:    ytdlpPath,
		Timeout: timeout,
		Retry:   retryCfg,
		Log:     log.WithField("source", "youtube"),
	}
}

// Read implements Reader.
func (r *YouTubeReader) Read(ctx context.Context) ([]catalog.SourceVideo, error) {
	if err := r.checkInstalled(ctx); err != nil {
		return nil, err
	}

	var ids []string
	err := retry.Do(ctx, r.Retry, ytdlpErrorClassifier, func(ctx context.Context) error {
		out, err := r.run(ctx, append([]string{"--flat-playlist", "-J", "--no-warnings"}, normalizeChannelURL(r.Channel))...)
		if err != nil {
			return err
		}
		ids, err = parsePlaylist(out)
		return err
	})
	if err != nil {
		return nil, syncerr.Upstream("list "+r.Channel, err)
	}
	r.Log.WithField("videos", len(ids)).Info("Listed channel")

	videos := make([]catalog.SourceVideo, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataWorkers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			v, err := r.fetchVideo(gctx, id)
			if errors.Is(err, retry.ErrSourceNotFound) {
				r.Log.WithField("video_id", id).Warn("Skipping unavailable video")
				return nil
			}
			if err != nil {
				return err
			}
			videos[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	available := videos[:0]
	for _, v := range videos {
		if v != nil {
			available = append(available, v)
		}
	}
	return finish(available)
}

func (r *YouTubeReader) fetchVideo(ctx context.Context, id string) (*YouTubeVideo, error) {
	var v *YouTubeVideo
	err := retry.Do(ctx, r.Retry, ytdlpErrorClassifier, func(ctx context.Context) error {
		out, err := r.run(ctx, "-J", "--no-warnings", "--skip-download", WatchURL(id))
		if err != nil {
			return err
		}
		v, err = parseVideo(out)
		return err
	})
	if err != nil {
		return nil, syncerr.Upstream("metadata "+id, err)
	}
	v.reader = r
	return v, nil
}

// checkInstalled verifies that yt-dlp is available.
func (r *YouTubeReader) checkInstalled(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.path(), "--version")
	if err := cmd.Run(); err != nil {
		return ErrYtdlpNotInstalled
	}
	return nil
}

func (r *YouTubeReader) path() string {
	if r.Path != "" {
		return r.Path
	}
	return defaultYtdlpPath
}

// run executes yt-dlp and returns stdout. Known stderr patterns are mapped
// to retry sentinels.
func (r *YouTubeReader) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultYtdlpTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	all := append(append([]string{}, r.ExtraArgs...), args...)
	cmd := exec.CommandContext(cmdCtx, r.path(), all...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Errorf("yt-dlp timed out after %s", timeout)
		}
		return nil, classifyStderr(err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func classifyStderr(err error, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found"), strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "private video"), strings.Contains(lower, "video unavailable"):
		return errors.Wrap(retry.ErrSourceNotFound, strings.TrimSpace(msg))
	case strings.Contains(lower, "unsupported url"):
		return errors.Wrap(retry.ErrInvalidURL, strings.TrimSpace(msg))
	}
	return errors.Wrapf(err, "yt-dlp failed: %s", strings.TrimSpace(msg))
}

// ytdlpErrorClassifier retries everything except missing sources and bad URLs.
func ytdlpErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	return retry.IsRetryable(err)
}

// WatchURL returns the watch page URL of a YouTube video id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// normalizeChannelURL points a channel reference at its videos tab.
func normalizeChannelURL(url string) string {
	if channelIDRegex.MatchString(url) {
		return "https://www.youtube.com/channel/" + url + "/videos"
	}
	if strings.HasPrefix(url, "@") {
		return "https://www.youtube.com/" + url + "/videos"
	}
	url = strings.TrimSuffix(url, "/")
	if strings.HasSuffix(url, "/videos") {
		return url
	}
	return url + "/videos"
}

type ytdlpPlaylist struct {
	Entries []struct {
		ID string `json:"id"`
	} `json:"entries"`
}

// parsePlaylist returns the video ids of a flat playlist dump.
func parsePlaylist(data []byte) ([]string, error) {
	var p ytdlpPlaylist
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "parse yt-dlp playlist")
	}
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

type ytdlpVideo struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
}

// parseVideo decodes a single video dump.
func parseVideo(data []byte) (*YouTubeVideo, error) {
	var raw ytdlpVideo
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse yt-dlp metadata")
	}
	if raw.ID == "" {
		return nil, retry.Permanent(errors.New("invalid metadata: missing id"))
	}
	return &YouTubeVideo{
		id:          raw.ID,
		title:       raw.Title,
		description: raw.Description,
		duration:    secondsToDuration(raw.Duration),
	}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
}

// YouTubeVideo is a channel video. Materialize downloads it with yt-dlp.
type YouTubeVideo struct {
	id          string
	title       string
	description string
	duration    time.Duration
	reader      *YouTubeReader
}

// ID implements catalog.SourceVideo.
func (v *YouTubeVideo) ID() string { return v.id }

// OldIDs returns the watch URL, the id scheme of earlier catalogs.
func (v *YouTubeVideo) OldIDs() []string { return []string{WatchURL(v.id)} }

// Metadata implements catalog.SourceVideo.
func (v *YouTubeVideo) Metadata() catalog.Metadata {
	return catalog.Metadata{Title: v.title, Description: v.description, Duration: v.duration}
}

// Materialize downloads the video and its thumbnail into workDir. yt-dlp
// skips files already downloaded by an earlier attempt.
func (v *YouTubeVideo) Materialize(ctx context.Context, workDir string) (catalog.SourceFiles, error) {
	r := v.reader
	if r == nil {
		return catalog.SourceFiles{}, errors.Wrap(syncerr.ErrInvalidState, "video has no reader")
	}
	dir := filepath.Join(workDir, "download")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return catalog.SourceFiles{}, errors.Wrap(err, "create download directory")
	}
	format := r.Format
	if format == "" {
		format = defaultDownloadFormat
	}

	var out []byte
	err := retry.Do(ctx, r.Retry, ytdlpErrorClassifier, func(ctx context.Context) error {
		var err error
		out, err = r.run(ctx,
			"-o", filepath.Join(dir, v.id+".%(ext)s"),
			"--no-warnings",
			"--no-playlist",
			"--write-thumbnail", "--convert-thumbnails", "jpg",
			"--print", "after_move:filepath",
			"-f", format,
			WatchURL(v.id))
		return err
	})
	if err != nil {
		return catalog.SourceFiles{}, syncerr.Upstream("download "+v.id, err)
	}

	videoPath := lastPath(out)
	if videoPath == "" {
		return catalog.SourceFiles{}, syncerr.Upstream("download "+v.id, errors.New("yt-dlp printed no file path"))
	}
	files := catalog.SourceFiles{VideoPath: videoPath}
	thumb := filepath.Join(dir, v.id+".jpg")
	if _, err := os.Stat(thumb); err == nil {
		files.ThumbnailPath = thumb
	}
	return files, nil
}

// lastPath returns the last non-empty line of yt-dlp output.
func lastPath(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
