package source

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vidsync/internal/syncerr"
)

func TestJSONReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	writeFile(t, path, `[
  {"id": "a", "old_ids": ["old-a"], "title": "A", "description": "first", "duration": 61.5, "video_file": "media/a.mp4", "thumbnail_file": "media/a.jpg"},
  {"id": "b", "title": "B", "video_file": "/srv/b.mp4"}
]`)

	videos, err := (&JSONReader{Path: path}).Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(videos) != 2 {
		t.Fatalf("Read() returned %d videos, want 2", len(videos))
	}
	a := videos[0].(*LocalVideo)
	if a.VideoPath != filepath.Join(dir, "media", "a.mp4") || a.ThumbnailPath != filepath.Join(dir, "media", "a.jpg") {
		t.Errorf("a paths = %q, %q", a.VideoPath, a.ThumbnailPath)
	}
	if a.Duration != 61500*time.Millisecond || a.OldIDs()[0] != "old-a" {
		t.Errorf("a = %+v", a)
	}
	if b := videos[1].(*LocalVideo); b.VideoPath != "/srv/b.mp4" {
		t.Errorf("b.VideoPath = %q", b.VideoPath)
	}
}

func TestJSONReaderRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	writeFile(t, path, `[{"id": "a", "video_file": "a.mp4"}, {"id": "a", "video_file": "b.mp4"}]`)

	_, err := (&JSONReader{Path: path}).Read(context.Background())
	if !errors.Is(err, syncerr.ErrInvalidState) {
		t.Errorf("Read() error = %v, want ErrInvalidState", err)
	}
}

func TestJSONReaderMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	writeFile(t, path, `{"id": "a"}`)
	if _, err := (&JSONReader{Path: path}).Read(context.Background()); err == nil {
		t.Error("Read() error = nil, want error")
	}
}
