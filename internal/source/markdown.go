package source

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"vidsync/internal/catalog"
	"vidsync/internal/syncerr"
)

// MarkdownReader reads one video per *.md file under Dir. Each file starts
// with a YAML front matter block; the body is appended to the description.
type MarkdownReader struct {
	Dir string
}

type frontMatter struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Video       string   `yaml:"video"`
	Thumbnail   string   `yaml:"thumbnail"`
	Duration    string   `yaml:"duration"`
	OldIDs      []string `yaml:"old_ids"`
}

// Read implements Reader. Files are visited in lexical order.
func (r *MarkdownReader) Read(ctx context.Context) ([]catalog.SourceVideo, error) {
	var paths []string
	err := filepath.WalkDir(r.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".md") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", r.Dir)
	}
	sort.Strings(paths)

	videos := make([]catalog.SourceVideo, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := r.parseFile(path)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return finish(videos)
}

func (r *MarkdownReader) parseFile(path string) (*LocalVideo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	fm, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if fm.Video == "" {
		return nil, errors.Wrapf(syncerr.ErrInvalidState, "%s: front matter has no video", path)
	}

	rel, err := filepath.Rel(r.Dir, path)
	if err != nil {
		return nil, errors.Wrapf(err, "relative path of %s", path)
	}
	id := filepath.ToSlash(rel)
	oldIDs := append([]string(nil), fm.OldIDs...)
	if legacy := strings.ReplaceAll(id, "/", `\`); legacy != id {
		oldIDs = append(oldIDs, legacy)
	}

	description := strings.TrimSpace(fm.Description)
	if body = strings.TrimSpace(body); body != "" {
		if description != "" {
			description += "\n\n"
		}
		description += body
	}

	var duration time.Duration
	if fm.Duration != "" {
		if duration, err = time.ParseDuration(fm.Duration); err != nil {
			return nil, errors.Wrapf(err, "%s: duration", path)
		}
	}

	base := filepath.Dir(path)
	return &LocalVideo{
		SourceID:      id,
		LegacyIDs:     oldIDs,
		Title:         fm.Title,
		Description:   description,
		Duration:      duration,
		VideoPath:     resolve(base, fm.Video),
		ThumbnailPath: resolve(base, fm.Thumbnail),
	}, nil
}

var fmDelim = []byte("---")

// splitFrontMatter separates a leading "---" delimited YAML block from the body.
func splitFrontMatter(data []byte) (frontMatter, string, error) {
	var fm frontMatter
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, append(fmDelim, '\n')) {
		return fm, "", errors.New("missing front matter")
	}
	rest := data[len(fmDelim)+1:]
	end := bytes.Index(rest, append([]byte("\n"), fmDelim...))
	if end < 0 {
		return fm, "", errors.New("unterminated front matter")
	}
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return fm, "", errors.Wrap(err, "front matter")
	}
	body := rest[end+1+len(fmDelim):]
	return fm, string(body), nil
}
