package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidsync/internal/syncerr"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestMarkdownReader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "talks", "intro.md"), `---
title: Intro
description: First talk
video: intro.mp4
thumbnail: intro.jpg
duration: 90s
old_ids: [legacy-intro]
---
Recorded live.
`)
	writeFile(t, filepath.Join(dir, "outro.md"), "---\r\ntitle: Outro\r\nvideo: /abs/outro.mp4\r\n---\r\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	r := &MarkdownReader{Dir: dir}
	videos, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(videos) != 2 {
		t.Fatalf("Read() returned %d videos, want 2", len(videos))
	}

	outro := videos[0].(*LocalVideo)
	if outro.ID() != "outro.md" || outro.VideoPath != "/abs/outro.mp4" || outro.ThumbnailPath != "" {
		t.Errorf("outro = %+v", outro)
	}
	if len(outro.OldIDs()) != 0 {
		t.Errorf("outro.OldIDs() = %v, want none", outro.OldIDs())
	}

	intro := videos[1].(*LocalVideo)
	if intro.ID() != "talks/intro.md" {
		t.Errorf("intro.ID() = %q", intro.ID())
	}
	wantOld := []string{"legacy-intro", `talks\intro.md`}
	if got := intro.OldIDs(); len(got) != 2 || got[0] != wantOld[0] || got[1] != wantOld[1] {
		t.Errorf("intro.OldIDs() = %v, want %v", got, wantOld)
	}
	md := intro.Metadata()
	if md.Title != "Intro" || md.Description != "First talk\n\nRecorded live." || md.Duration != 90*time.Second {
		t.Errorf("intro.Metadata() = %+v", md)
	}
	if intro.VideoPath != filepath.Join(dir, "talks", "intro.mp4") {
		t.Errorf("intro.VideoPath = %q", intro.VideoPath)
	}

	again, err := r.Read(context.Background())
	if err != nil || len(again) != 2 || again[1].ID() != intro.ID() {
		t.Errorf("second Read() = %v, %v", again, err)
	}
}

func TestMarkdownReaderRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no front matter", "# title\n"},
		{"unterminated", "---\ntitle: x\n"},
		{"no video", "---\ntitle: x\n---\n"},
		{"bad duration", "---\nvideo: a.mp4\nduration: soon\n---\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "v.md"), tt.content)
			if _, err := (&MarkdownReader{Dir: dir}).Read(context.Background()); err == nil {
				t.Error("Read() error = nil, want error")
			}
		})
	}
}

func TestLocalVideoMaterialize(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "v.mp4")
	writeFile(t, video, "data")

	v := &LocalVideo{SourceID: "v", VideoPath: video}
	files, err := v.Materialize(context.Background(), dir)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if files.VideoPath != video || files.ThumbnailPath != "" {
		t.Errorf("Materialize() = %+v", files)
	}

	v.ThumbnailPath = filepath.Join(dir, "missing.jpg")
	if _, err := v.Materialize(context.Background(), dir); !errors.Is(err, syncerr.ErrAssetMissing) {
		t.Errorf("Materialize() with missing thumbnail error = %v, want ErrAssetMissing", err)
	}
}
