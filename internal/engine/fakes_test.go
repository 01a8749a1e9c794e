package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vidsync/internal/assetcache"
	"vidsync/internal/catalog"
	"vidsync/internal/fingerprint"
	"vidsync/internal/source"
	"vidsync/internal/syncerr"
	"vidsync/internal/transcode"
)

type fakeTranscoder struct {
	mu      sync.Mutex
	media   transcode.Media
	encodes int
}

func (f *fakeTranscoder) Probe(ctx context.Context, path string) (transcode.Media, error) {
	if _, err := os.Stat(path); err != nil {
		return transcode.Media{}, syncerr.ErrAssetMissing
	}
	return f.media, nil
}

func (f *fakeTranscoder) Encode(ctx context.Context, src string, role assetcache.Role, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(outDir, transcode.OutputName(role))
	if err := os.WriteFile(path, []byte(src+"|"+role.Key()), 0644); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.encodes++
	f.mu.Unlock()
	return path, nil
}

type fakeStorage struct {
	mu         sync.Mutex
	batches    int
	uploads    []string
	manifests  map[string]catalog.Manifest
	published  int
	unpinned   []string
	failUpload func(path string) error
	onUpload   func(path string)
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{manifests: make(map[string]catalog.Manifest)}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "bafy" + hex.EncodeToString(sum[:12])
}

func (s *fakeStorage) AcquireBatch(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	return fmt.Sprintf("batch-%d", s.batches), nil
}

func (s *fakeStorage) UploadAsset(ctx context.Context, batchID, localPath string) (string, error) {
	if s.failUpload != nil {
		if err := s.failUpload(localPath); err != nil {
			return "", err
		}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.uploads = append(s.uploads, localPath)
	s.mu.Unlock()
	if s.onUpload != nil {
		s.onUpload(localPath)
	}
	return contentHash(data), nil
}

func (s *fakeStorage) PublishManifest(ctx context.Context, batchID string, m *catalog.Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	hash := contentHash(data)
	stored := *m
	stored.Hash = hash
	s.mu.Lock()
	s.manifests[hash] = stored
	s.published++
	s.mu.Unlock()
	return hash, nil
}

func (s *fakeStorage) Unpin(ctx context.Context, hash string) error {
	s.mu.Lock()
	s.unpinned = append(s.unpinned, hash)
	s.mu.Unlock()
	return nil
}

func (s *fakeStorage) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *fakeStorage) manifest(hash string) *catalog.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[hash]
	if !ok {
		return nil
	}
	return &m
}

type fakeIndex struct {
	mu         sync.Mutex
	storage    *fakeStorage
	entries    []catalog.RemoteEntry
	nextID     int
	upserts    int
	deleted    []string
	failDelete func(remoteID string) error
}

func (f *fakeIndex) FetchCatalog(ctx context.Context) ([]catalog.RemoteEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catalog.RemoteEntry(nil), f.entries...), nil
}

func (f *fakeIndex) UpsertIndexEntry(ctx context.Context, remoteID, manifestHash string) (string, error) {
	m := f.storage.manifest(manifestHash)
	if m == nil {
		return "", syncerr.Upstream("upsert", fmt.Errorf("unknown manifest %s", manifestHash))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if remoteID == "" {
		f.nextID++
		remoteID = fmt.Sprintf("entry-%d", f.nextID)
		f.entries = append(f.entries, catalog.RemoteEntry{ID: remoteID, CreatedAt: time.Now(), LastValidManifest: m})
		return remoteID, nil
	}
	for i := range f.entries {
		if f.entries[i].ID == remoteID {
			f.entries[i].LastValidManifest = m
			return remoteID, nil
		}
	}
	return "", syncerr.Upstream("upsert", fmt.Errorf("unknown entry %s", remoteID))
}

func (f *fakeIndex) DeleteIndexEntry(ctx context.Context, remoteID string) error {
	if f.failDelete != nil {
		if err := f.failDelete(remoteID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == remoteID {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			f.deleted = append(f.deleted, remoteID)
			return nil
		}
	}
	return nil
}

func (f *fakeIndex) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func (f *fakeIndex) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, e := range f.entries {
		ids = append(ids, e.ID)
	}
	return ids
}

var testPublisher = catalog.Publisher{ClientName: "vidsync", ClientVersion: "test", FormatVersion: 2}

// seed adds a remote entry published for sourceID by client.
func (f *fakeIndex) seed(t *testing.T, id, sourceID, client, manifestHash string) {
	t.Helper()
	fp, err := fingerprint.Of(sourceID)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, catalog.RemoteEntry{
		ID: id,
		LastValidManifest: &catalog.Manifest{
			Hash:          manifestHash,
			FormatVersion: testPublisher.FormatVersion,
			Title:         sourceID,
			Streams:       []catalog.AssetRef{{Role: "audio", Hash: "bafyaudio"}},
			PersonalData:  &catalog.PersonalData{ClientName: client, SourceIDHash: fp},
		},
	})
}

type harness struct {
	dir    string
	cache  *assetcache.Cache
	tr     *fakeTranscoder
	st     *fakeStorage
	idx    *fakeIndex
	engine *Engine
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := assetcache.NewFileStore(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	cache, err := assetcache.Open(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	st := newFakeStorage()
	h := &harness{
		dir:   dir,
		cache: cache,
		tr:    &fakeTranscoder{media: transcode.Media{Height: 720, Width: 1280, Duration: time.Minute, HasAudio: true}},
		st:    st,
		idx:   &fakeIndex{storage: st},
	}
	opts := Options{
		Publisher: testPublisher,
		Ladder:    transcode.Ladder{VideoHeights: []int{360, 720}, ThumbnailWidths: []int{480}},
		Workers:   2,
		WorkDir:   filepath.Join(dir, "work"),
	}
	if configure != nil {
		configure(&opts)
	}
	h.engine = New(cache, h.tr, st, h.idx, opts, nil)
	return h
}

// assetsPerVideo is audio, two video heights and one thumbnail.
const assetsPerVideo = 4

func (h *harness) video(t *testing.T, id, title string) *source.LocalVideo {
	t.Helper()
	path := filepath.Join(h.dir, "src", strings.ReplaceAll(id, "/", "_")+".mp4")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("video "+id), 0644); err != nil {
		t.Fatal(err)
	}
	return &source.LocalVideo{SourceID: id, Title: title, Description: "about " + id, VideoPath: path}
}

func videos(vs ...*source.LocalVideo) []catalog.SourceVideo {
	out := make([]catalog.SourceVideo, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func mustFingerprint(t *testing.T, id string) fingerprint.Hash {
	t.Helper()
	fp, err := fingerprint.Of(id)
	if err != nil {
		t.Fatal(err)
	}
	return fp
}
