package source

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"vidsync/internal/catalog"
)

// JSONReader reads a JSON array of video objects from Path.
type JSONReader struct {
	Path string
}

type jsonVideo struct {
	ID            string   `json:"id"`
	OldIDs        []string `json:"old_ids"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Duration      float64  `json:"duration"`
	VideoFile     string   `json:"video_file"`
	ThumbnailFile string   `json:"thumbnail_file"`
}

// Read implements Reader. Relative file paths resolve against the
// directory of Path.
func (r *JSONReader) Read(ctx context.Context) ([]catalog.SourceVideo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", r.Path)
	}
	var entries []jsonVideo
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "parse %s", r.Path)
	}

	base := filepath.Dir(r.Path)
	videos := make([]catalog.SourceVideo, 0, len(entries))
	for _, e := range entries {
		videos = append(videos, &LocalVideo{
			SourceID:      e.ID,
			LegacyIDs:     e.OldIDs,
			Title:         e.Title,
			Description:   e.Description,
			Duration:      secondsToDuration(e.Duration),
			VideoPath:     resolve(base, e.VideoFile),
			ThumbnailPath: resolve(base, e.ThumbnailFile),
		})
	}
	return finish(videos)
}
