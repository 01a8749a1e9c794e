package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vidsync/internal/assetcache"
	"vidsync/internal/syncerr"
)

const (
	defaultFFmpegPath  = "ffmpeg"
	defaultFFprobePath = "ffprobe"
	defaultTimeout     = 2 * time.Hour
)

// FFmpeg probes with ffprobe and encodes with ffmpeg subprocesses.
type FFmpeg struct {
	// FFmpegPath is the ffmpeg executable. Defaults to "ffmpeg".
	FFmpegPath string
	// FFprobePath is the ffprobe executable. Defaults to "ffprobe".
	FFprobePath string
	// Timeout bounds one encode. Defaults to 2 hours.
	Timeout time.Duration
	// Log receives per-encode debug lines.
	Log *logrus.Entry
}

// NewFFmpeg returns an encoder using the given tool paths.
func NewFFmpeg(ffmpegPath, ffprobePath string, timeout time.Duration, log *logrus.Entry) *FFmpeg {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Timeout: timeout, Log: log}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the dimensions, duration and audio presence of path.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Media, error) {
	if _, err := os.Stat(path); err != nil {
		return Media{}, errors.Wrapf(syncerr.ErrAssetMissing, "probe %s", path)
	}
	out, err := run(ctx, orDefault(f.FFprobePath, defaultFFprobePath),
		"-v", "error", "-print_format", "json", "-show_streams", "-show_format", path)
	if err != nil {
		return Media{}, syncerr.Upstream("ffprobe "+filepath.Base(path), err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (Media, error) {
	var p probeOutput
	if err := json.Unmarshal(data, &p); err != nil {
		return Media{}, syncerr.Upstream("ffprobe", errors.Wrap(err, "decode output"))
	}
	var m Media
	for _, s := range p.Streams {
		switch s.CodecType {
		case "video":
			if m.Height == 0 {
				m.Height, m.Width = s.Height, s.Width
			}
		case "audio":
			m.HasAudio = true
		}
	}
	if secs, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil {
		m.Duration = time.Duration(secs * float64(time.Second))
	}
	return m, nil
}

// OutputName is the file name an encoded role is written to.
func OutputName(role assetcache.Role) string {
	name := strings.ReplaceAll(role.Key(), "/", "-")
	switch role.Kind {
	case assetcache.KindAudio:
		return name + ".m4a"
	case assetcache.KindThumbnail:
		return name + ".jpg"
	default:
		return name + ".mp4"
	}
}

// Args returns the ffmpeg arguments encoding source into out for role.
func Args(source, out string, role assetcache.Role) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", source}
	switch role.Kind {
	case assetcache.KindAudio:
		args = append(args, "-vn", "-c:a", "aac", "-b:a", "128k")
	case assetcache.KindVideo:
		args = append(args,
			"-vf", "scale="+strconv.Itoa(role.Width)+":"+strconv.Itoa(role.Height),
			"-c:v", "libx264", "-preset", "veryfast", "-crf", "23",
			"-an", "-movflags", "+faststart")
	case assetcache.KindThumbnail:
		args = append(args,
			"-vf", "scale="+strconv.Itoa(role.Width)+":"+strconv.Itoa(role.Height),
			"-frames:v", "1", "-q:v", "3")
	}
	return append(args, out)
}

// Encode writes the rendition of role into outDir and returns its path.
// The file only appears under its final name once ffmpeg succeeded.
func (f *FFmpeg) Encode(ctx context.Context, source string, role assetcache.Role, outDir string) (string, error) {
	if err := role.Validate(); err != nil {
		return "", err
	}
	if _, err := os.Stat(source); err != nil {
		return "", errors.Wrapf(syncerr.ErrAssetMissing, "encode source %s", source)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}

	final := filepath.Join(outDir, OutputName(role))
	partial := filepath.Join(outDir, ".part-"+OutputName(role))

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if _, err := run(cmdCtx, orDefault(f.FFmpegPath, defaultFFmpegPath), Args(source, partial, role)...); err != nil {
		os.Remove(partial)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", syncerr.Upstream("encode "+role.Key(), err)
	}
	if err := os.Rename(partial, final); err != nil {
		return "", errors.Wrap(err, "finalize encoded file")
	}

	if f.Log != nil {
		f.Log.WithFields(logrus.Fields{"role": role.Key(), "took": time.Since(start).Round(time.Millisecond).String()}).Debug("Encoded rendition")
	}
	return final, nil
}

// run executes name and returns stdout, folding the stderr tail into the error.
func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 400 {
			msg = msg[len(msg)-400:]
		}
		if msg != "" {
			return nil, errors.Wrapf(err, "%s: %s", filepath.Base(name), msg)
		}
		return nil, errors.Wrap(err, filepath.Base(name))
	}
	return stdout.Bytes(), nil
}
