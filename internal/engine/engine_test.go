package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"vidsync/internal/assetcache"
	"vidsync/internal/catalog"
	"vidsync/internal/importer"
	"vidsync/internal/syncerr"
	"vidsync/internal/sweep"
)

var fullTrace = []importer.Stage{
	importer.StageThumbnailUploaded,
	importer.StageVideoStreamsUploaded,
	importer.StageManifestUploaded,
	importer.StageIndexUpdated,
	importer.StageSucceeded,
}

func sameTrace(a, b []importer.Stage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReconcilePublishesNewVideos(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.video(t, "a", "Alpha"), h.video(t, "b", "Beta")

	results, summary, err := h.engine.Reconcile(context.Background(), videos(a, b))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if summary.Succeeded != 2 || summary.Failed != 0 || summary.Uploaded != 2*assetsPerVideo {
		t.Errorf("summary = %+v", summary)
	}
	for i, id := range []string{"a", "b"} {
		r := results[i]
		if r.SourceID != id {
			t.Errorf("results[%d].SourceID = %q, want %q", i, r.SourceID, id)
		}
		if !r.Succeeded() || !sameTrace(r.Trace, fullTrace) {
			t.Errorf("results[%d] = stage %v trace %v, err %v", i, r.Stage, r.Trace, r.Err)
		}
		if r.RemoteID == "" || r.ManifestHash == "" {
			t.Errorf("results[%d] missing remote id or manifest hash", i)
		}
		m := h.st.manifest(r.ManifestHash)
		if m == nil {
			t.Fatalf("manifest %s not published", r.ManifestHash)
		}
		if m.SourceIDHash() != mustFingerprint(t, id) {
			t.Errorf("manifest source hash = %q", m.SourceIDHash())
		}
		if len(m.Streams) != 3 || len(m.Thumbnails) != 1 || m.FormatVersion != testPublisher.FormatVersion {
			t.Errorf("manifest = %+v", m)
		}
	}
	if h.st.batches != 1 {
		t.Errorf("batches acquired = %d, want 1", h.st.batches)
	}
	if got := len(h.idx.ids()); got != 2 {
		t.Errorf("index entries = %d, want 2", got)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	vs := videos(h.video(t, "a", "Alpha"), h.video(t, "b", "Beta"))

	if _, _, err := h.engine.Reconcile(context.Background(), vs); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
	uploads, published, upserts, encodes := h.st.uploadCount(), h.st.published, h.idx.upsertCount(), h.tr.encodes

	results, summary, err := h.engine.Reconcile(context.Background(), vs)
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if h.st.uploadCount() != uploads || h.st.published != published || h.idx.upsertCount() != upserts || h.tr.encodes != encodes {
		t.Errorf("second run did work: uploads %d->%d, manifests %d->%d, upserts %d->%d, encodes %d->%d",
			uploads, h.st.uploadCount(), published, h.st.published, upserts, h.idx.upsertCount(), encodes, h.tr.encodes)
	}
	if summary.Unchanged != 2 {
		t.Errorf("summary.Unchanged = %d, want 2", summary.Unchanged)
	}
	for _, r := range results {
		if !r.Unchanged || !sameTrace(r.Trace, []importer.Stage{importer.StageSucceeded}) || r.RemoteID == "" {
			t.Errorf("result %s = %+v", r.SourceID, r)
		}
	}
}

func TestReconcileMetadataChangeRepublishesManifestOnly(t *testing.T) {
	h := newHarness(t, nil)
	a := h.video(t, "a", "Alpha")
	first, _, err := h.engine.Reconcile(context.Background(), videos(a))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	uploads := h.st.uploadCount()

	a.Title = "Alpha (remastered)"
	results, _, err := h.engine.Reconcile(context.Background(), videos(a))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	r := results[0]
	want := []importer.Stage{importer.StageManifestUploaded, importer.StageIndexUpdated, importer.StageSucceeded}
	if !sameTrace(r.Trace, want) {
		t.Errorf("trace = %v, want %v", r.Trace, want)
	}
	if h.st.uploadCount() != uploads {
		t.Errorf("uploads = %d, want %d", h.st.uploadCount(), uploads)
	}
	if r.RemoteID != first[0].RemoteID {
		t.Errorf("remote id = %q, want existing %q", r.RemoteID, first[0].RemoteID)
	}
	m := h.st.manifest(r.ManifestHash)
	if m == nil || m.Title != "Alpha (remastered)" || len(m.Streams) != 3 {
		t.Fatalf("republished manifest = %+v", m)
	}
	if m.Duration != h.tr.media.Duration {
		t.Errorf("republished duration = %v, want %v from the previous manifest", m.Duration, h.tr.media.Duration)
	}
}

func TestReconcileLegacyIDRepublishesUnderNewID(t *testing.T) {
	h := newHarness(t, nil)
	h.idx.seed(t, "legacy", `old\path`, testPublisher.ClientName, "bafyold")
	v := h.video(t, "new/path", "Moved")
	v.LegacyIDs = []string{`old\path`}

	results, _, err := h.engine.Reconcile(context.Background(), videos(v))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	r := results[0]
	if !r.Succeeded() || r.RemoteID != "legacy" {
		t.Fatalf("result = %+v", r)
	}
	if h.st.uploadCount() != 0 {
		t.Errorf("uploads = %d, want 0 for a current-format match", h.st.uploadCount())
	}
	m := h.st.manifest(r.ManifestHash)
	if m == nil || m.SourceIDHash() != mustFingerprint(t, "new/path") {
		t.Errorf("manifest = %+v, want personal data of the new id", m)
	}
	if len(m.Streams) != 1 || m.Streams[0].Hash != "bafyaudio" {
		t.Errorf("manifest streams = %+v, want references of the matched manifest", m.Streams)
	}
}

func TestReconcileIsolatesFailures(t *testing.T) {
	h := newHarness(t, nil)
	fpB := mustFingerprint(t, "b")
	h.st.failUpload = func(path string) error {
		if strings.Contains(path, fpB.String()) {
			return syncerr.Upstream("upload", errors.New("connection reset"))
		}
		return nil
	}

	results, summary, err := h.engine.Reconcile(context.Background(), videos(h.video(t, "a", "A"), h.video(t, "b", "B")))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if !results[0].Succeeded() {
		t.Errorf("video a failed: %v", results[0].Err)
	}
	b := results[1]
	if b.Succeeded() || b.Stage != importer.StageFailed {
		t.Fatalf("video b = %+v, want failed", b)
	}
	var stageErr *syncerr.StageError
	if !errors.As(b.Err, &stageErr) || stageErr.Stage != stepThumbnail {
		t.Errorf("video b error = %v, want thumbnail StageError", b.Err)
	}
	if !errors.Is(b.Err, syncerr.ErrUpstreamFailure) {
		t.Errorf("video b error = %v, want ErrUpstreamFailure", b.Err)
	}
	if last := b.Trace[len(b.Trace)-1]; last != importer.StageFailed {
		t.Errorf("video b trace = %v", b.Trace)
	}
}

func TestReconcileResumesAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.st.failUpload = func(path string) error {
		if strings.Contains(path, "video-720x1280") {
			return syncerr.Upstream("upload", errors.New("timeout"))
		}
		return nil
	}
	v := h.video(t, "a", "A")

	results, _, _ := h.engine.Reconcile(context.Background(), videos(v))
	if results[0].Succeeded() {
		t.Fatal("first run succeeded, want failure")
	}
	// thumbnail, audio and the 360p rendition made it
	if got := h.st.uploadCount(); got != 3 {
		t.Fatalf("uploads after failure = %d, want 3", got)
	}
	encodes := h.tr.encodes

	h.st.failUpload = nil
	results, _, err := h.engine.Reconcile(context.Background(), videos(v))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	r := results[0]
	want := []importer.Stage{importer.StageVideoStreamsUploaded, importer.StageManifestUploaded, importer.StageIndexUpdated, importer.StageSucceeded}
	if !r.Succeeded() || !sameTrace(r.Trace, want) {
		t.Errorf("resumed trace = %v, want %v (err %v)", r.Trace, want, r.Err)
	}
	if r.Uploaded != 1 || r.Reused != 2 {
		t.Errorf("resumed uploaded/reused = %d/%d, want 1/2", r.Uploaded, r.Reused)
	}
	if h.tr.encodes != encodes {
		t.Errorf("encodes = %d, want %d (renditions reused)", h.tr.encodes, encodes)
	}
}

func TestReconcileReportsAmbiguousMatch(t *testing.T) {
	h := newHarness(t, nil)
	h.idx.seed(t, "one", "x", testPublisher.ClientName, "bafy1")
	h.idx.seed(t, "two", "x", testPublisher.ClientName, "bafy2")

	results, summary, err := h.engine.Reconcile(context.Background(), videos(h.video(t, "x", "X")))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	var amb *syncerr.AmbiguousMatchError
	if !errors.As(results[0].Err, &amb) || len(amb.RemoteIDs) != 2 {
		t.Fatalf("error = %v, want AmbiguousMatchError with 2 ids", results[0].Err)
	}
	if summary.Ambiguous != 1 || h.st.uploadCount() != 0 || h.idx.upsertCount() != 0 {
		t.Errorf("summary = %+v, uploads %d, upserts %d", summary, h.st.uploadCount(), h.idx.upsertCount())
	}
}

func TestReconcileRejectsDuplicateIDs(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.engine.Reconcile(context.Background(), videos(h.video(t, "a", "A"), h.video(t, "a", "A again")))
	if !errors.Is(err, syncerr.ErrInvalidState) {
		t.Errorf("Reconcile() error = %v, want ErrInvalidState", err)
	}
}

func TestCancellationKeepsPersistedProgress(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Workers = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.st.onUpload = func(string) { cancel() }
	v := h.video(t, "a", "A")

	results, _, err := h.engine.Reconcile(ctx, videos(v))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Reconcile() error = %v, want context.Canceled", err)
	}
	if results[0].Succeeded() || syncerr.KindOf(results[0].Err) != syncerr.KindCanceled {
		t.Errorf("result = %+v", results[0])
	}
	if got := h.st.uploadCount(); got != 1 {
		t.Fatalf("uploads = %d, want the one in flight to complete", got)
	}
	rec, ok := h.cache.Record(mustFingerprint(t, "a"))
	if !ok || len(rec.UploadedAssets[rec.BatchID]) != 1 {
		t.Fatalf("cache record = %+v, want one persisted upload", rec)
	}

	h.st.onUpload = nil
	results, _, err = h.engine.Reconcile(context.Background(), videos(v))
	if err != nil || !results[0].Succeeded() {
		t.Fatalf("resumed Reconcile() = %+v, %v", results[0], err)
	}
	if got := h.st.uploadCount(); got != assetsPerVideo {
		t.Errorf("total uploads = %d, want %d", got, assetsPerVideo)
	}
}

func TestCancellationBetweenRenditionsResumesWholeGroup(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Workers = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.st.onUpload = func(path string) {
		if strings.HasSuffix(path, "audio.m4a") {
			cancel()
		}
	}
	v := h.video(t, "a", "A")

	if _, _, err := h.engine.Reconcile(ctx, videos(v)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Reconcile() error = %v, want context.Canceled", err)
	}
	// thumbnail and audio made it, neither video rendition was encoded
	if got := h.st.uploadCount(); got != 2 {
		t.Fatalf("uploads after cancellation = %d, want 2", got)
	}

	h.st.onUpload = nil
	results, _, err := h.engine.Reconcile(context.Background(), videos(v))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	r := results[0]
	want := []importer.Stage{importer.StageVideoStreamsUploaded, importer.StageManifestUploaded, importer.StageIndexUpdated, importer.StageSucceeded}
	if !r.Succeeded() || !sameTrace(r.Trace, want) {
		t.Fatalf("resumed trace = %v, want %v (err %v)", r.Trace, want, r.Err)
	}
	if r.Uploaded != 2 || r.Reused != 1 {
		t.Errorf("resumed uploaded/reused = %d/%d, want 2/1", r.Uploaded, r.Reused)
	}

	m := h.st.manifest(r.ManifestHash)
	if m == nil {
		t.Fatalf("manifest %s not published", r.ManifestHash)
	}
	ladder := h.engine.opts.Ladder
	if got, want := refRoles(m.Streams), roleKeys(ladder.StreamRoles(h.tr.media)); got != want {
		t.Errorf("manifest streams = %s, want %s", got, want)
	}
	if got, want := refRoles(m.Thumbnails), roleKeys(ladder.ThumbnailRoles(h.tr.media)); got != want {
		t.Errorf("manifest thumbnails = %s, want %s", got, want)
	}
}

func refRoles(refs []catalog.AssetRef) string {
	keys := make([]string, len(refs))
	for i, ref := range refs {
		keys[i] = ref.Role
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func roleKeys(roles []assetcache.Role) string {
	keys := make([]string, len(roles))
	for i, role := range roles {
		keys[i] = role.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func TestReconcileCanceledBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, summary, err := h.engine.Reconcile(ctx, videos(h.video(t, "a", "A"), h.video(t, "b", "B")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Reconcile() error = %v, want context.Canceled", err)
	}
	if summary.Failed != 2 || h.st.uploadCount() != 0 {
		t.Errorf("summary = %+v, uploads = %d", summary, h.st.uploadCount())
	}
	for _, r := range results {
		if r.Stage != importer.StageFailed {
			t.Errorf("result %s stage = %v", r.SourceID, r.Stage)
		}
	}
}

func TestForceFullUploadReuploads(t *testing.T) {
	h := newHarness(t, nil)
	vs := videos(h.video(t, "a", "A"))
	if _, _, err := h.engine.Reconcile(context.Background(), vs); err != nil {
		t.Fatal(err)
	}

	h.engine.opts.ForceFullUpload = true
	results, _, err := h.engine.Reconcile(context.Background(), vs)
	if err != nil {
		t.Fatal(err)
	}
	if !sameTrace(results[0].Trace, fullTrace) || results[0].Uploaded != assetsPerVideo {
		t.Errorf("forced result = %+v", results[0])
	}
	if got := h.st.uploadCount(); got != 2*assetsPerVideo {
		t.Errorf("uploads = %d, want %d", got, 2*assetsPerVideo)
	}
}

func TestRunSweepsObsoleteEntries(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Sweep = sweep.Options{DeleteMissingFromSource: true}
	})
	h.idx.seed(t, "c", "c", testPublisher.ClientName, "bafyc")
	h.idx.seed(t, "d", "d", "someone-else", "bafyd")

	report, err := h.engine.Run(context.Background(), videos(h.video(t, "a", "A"), h.video(t, "b", "B")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.RunID == "" || report.Summary.Succeeded != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Deletions) != 1 || report.Deletions[0].Entry.ID != "c" || report.Deletions[0].Err != nil {
		t.Fatalf("deletions = %+v, want only c", report.Deletions)
	}
	if report.Deletions[0].Reason != sweep.ReasonMissingFromSource {
		t.Errorf("reason = %q", report.Deletions[0].Reason)
	}
	ids := "," + strings.Join(h.idx.ids(), ",") + ","
	if strings.Contains(ids, ",c,") {
		t.Errorf("index entries = %s, want c removed", ids)
	}
	if !strings.Contains(ids, ",d,") {
		t.Errorf("index entries = %s, want foreign d kept", ids)
	}
	if len(h.st.unpinned) != 1 || h.st.unpinned[0] != "bafyc" {
		t.Errorf("unpinned = %v", h.st.unpinned)
	}
	if _, ok := h.cache.Record(mustFingerprint(t, "a")); !ok {
		t.Error("cache record of a missing after run")
	}
}

func TestSweepDeletionsExogenous(t *testing.T) {
	h := newHarness(t, nil)
	h.idx.seed(t, "d", "d", "someone-else", "bafyd")
	remote, _ := h.idx.FetchCatalog(context.Background())

	deletions, err := h.engine.SweepDeletions(context.Background(), nil, remote, sweep.Options{DeleteExogenous: true})
	if err != nil {
		t.Fatalf("SweepDeletions() error = %v", err)
	}
	if len(deletions) != 1 || deletions[0].Reason != sweep.ReasonExogenous {
		t.Errorf("deletions = %+v", deletions)
	}
	if len(h.idx.ids()) != 0 {
		t.Errorf("index entries = %v, want none", h.idx.ids())
	}
}

func TestRunKeepsMatchedForeignEntry(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Sweep = sweep.Options{DeleteMissingFromSource: true, DeleteExogenous: true}
	})
	h.idx.seed(t, "r1", "a", "other-importer", "bafyforeign")
	v := h.video(t, "a", "a")
	v.Description = ""

	report, err := h.engine.Run(context.Background(), videos(v))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	r := report.Results[0]
	if !r.Succeeded() || r.RemoteID != "r1" {
		t.Fatalf("result = %+v, want the foreign entry adopted", r)
	}
	if len(report.Deletions) != 0 || report.Summary.Deleted != 0 {
		t.Errorf("deletions = %+v, want the matched entry kept", report.Deletions)
	}
	if ids := h.idx.ids(); len(ids) != 1 || ids[0] != "r1" {
		t.Errorf("index entries = %v, want [r1]", ids)
	}
}

func TestRunCountsDeletions(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Sweep = sweep.Options{DeleteMissingFromSource: true}
	})
	h.idx.seed(t, "c", "c", testPublisher.ClientName, "bafyc")
	h.idx.seed(t, "d", "d", testPublisher.ClientName, "bafyd")
	h.idx.failDelete = func(id string) error {
		if id == "d" {
			return syncerr.Upstream("delete", errors.New("503"))
		}
		return nil
	}

	report, err := h.engine.Run(context.Background(), videos(h.video(t, "a", "A")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s := report.Summary
	if s.Failed != 0 || s.Deleted != 1 || s.DeleteFailed != 1 {
		t.Errorf("summary = %+v, want 1 deleted and 1 failed deletion", s)
	}
	if !s.HasFailures() {
		t.Error("HasFailures() = false with a failed deletion")
	}
	if !strings.Contains(s.String(), "1 entries deleted, 1 deletions failed") {
		t.Errorf("String() = %q", s.String())
	}
}

func TestSummaryString(t *testing.T) {
	s := Summary{Total: 3, Succeeded: 2, Unchanged: 1, Failed: 1, Uploaded: 4, BytesUploaded: 2048}
	if got := s.String(); !strings.Contains(got, "3 videos") || !strings.Contains(got, "2.0 kB") || strings.Contains(got, "deleted") {
		t.Errorf("String() = %q", got)
	}
	if !s.HasFailures() {
		t.Error("HasFailures() = false with a failed video")
	}
}
