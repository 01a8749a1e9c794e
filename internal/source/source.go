// Package source reads catalogs of source videos from a YouTube channel,
// a folder of markdown files or a JSON list.
package source

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"vidsync/internal/catalog"
	"vidsync/internal/syncerr"
)

// Reader yields the source catalog. Reading again yields the same videos.
type Reader interface {
	Read(ctx context.Context) ([]catalog.SourceVideo, error)
}

// LocalVideo is a source video whose files are already on disk.
type LocalVideo struct {
	SourceID      string
	LegacyIDs     []string
	Title         string
	Description   string
	Duration      time.Duration
	VideoPath     string
	ThumbnailPath string
}

// ID implements catalog.SourceVideo.
func (v *LocalVideo) ID() string { return v.SourceID }

// OldIDs implements catalog.SourceVideo.
func (v *LocalVideo) OldIDs() []string { return v.LegacyIDs }

// Metadata implements catalog.SourceVideo.
func (v *LocalVideo) Metadata() catalog.Metadata {
	return catalog.Metadata{Title: v.Title, Description: v.Description, Duration: v.Duration}
}

// Materialize checks that the referenced files exist. workDir is unused.
func (v *LocalVideo) Materialize(ctx context.Context, workDir string) (catalog.SourceFiles, error) {
	if err := ctx.Err(); err != nil {
		return catalog.SourceFiles{}, err
	}
	if _, err := os.Stat(v.VideoPath); err != nil {
		return catalog.SourceFiles{}, errors.Wrapf(syncerr.ErrAssetMissing, "video file %s", v.VideoPath)
	}
	files := catalog.SourceFiles{VideoPath: v.VideoPath}
	if v.ThumbnailPath != "" {
		if _, err := os.Stat(v.ThumbnailPath); err != nil {
			return catalog.SourceFiles{}, errors.Wrapf(syncerr.ErrAssetMissing, "thumbnail file %s", v.ThumbnailPath)
		}
		files.ThumbnailPath = v.ThumbnailPath
	}
	return files, nil
}

// resolve returns p relative to base unless it is empty or absolute.
func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, filepath.FromSlash(p))
}

func finish(videos []catalog.SourceVideo) ([]catalog.SourceVideo, error) {
	if err := catalog.Validate(videos); err != nil {
		return nil, err
	}
	return videos, nil
}
