package engine

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"vidsync/internal/fingerprint"
	"vidsync/internal/importer"
	"vidsync/internal/syncerr"
)

const (
	resultSucceeded = "succeeded"
	resultUnchanged = "unchanged"
	resultFailed    = "failed"
)

// Result is the outcome of one source video.
type Result struct {
	SourceID    string
	Fingerprint fingerprint.Hash
	// Stage is StageSucceeded or StageFailed.
	Stage importer.Stage
	Trace []importer.Stage
	// RemoteID and ManifestHash identify the published entry on success.
	RemoteID     string
	ManifestHash string
	// Unchanged is set when nothing had to be done.
	Unchanged     bool
	Uploaded      int
	Reused        int
	BytesUploaded int64
	Err           error
}

// Succeeded reports whether the video is published and up to date.
func (r Result) Succeeded() bool { return r.Stage == importer.StageSucceeded }

func (r Result) label() string {
	switch {
	case !r.Succeeded():
		return resultFailed
	case r.Unchanged:
		return resultUnchanged
	default:
		return resultSucceeded
	}
}

// Summary aggregates the results of a run. Deleted and DeleteFailed count
// the outcomes of the sweep that follows the import.
type Summary struct {
	Total         int
	Succeeded     int
	Unchanged     int
	Failed        int
	Ambiguous     int
	Uploaded      int
	Reused        int
	BytesUploaded int64
	Deleted       int
	DeleteFailed  int
	Duration      time.Duration
}

func summarize(results []Result, took time.Duration) Summary {
	s := Summary{Total: len(results), Duration: took}
	for _, r := range results {
		switch {
		case !r.Succeeded():
			s.Failed++
			if syncerr.KindOf(r.Err) == syncerr.KindAmbiguousMatch {
				s.Ambiguous++
			}
		case r.Unchanged:
			s.Succeeded++
			s.Unchanged++
		default:
			s.Succeeded++
		}
		s.Uploaded += r.Uploaded
		s.Reused += r.Reused
		s.BytesUploaded += r.BytesUploaded
	}
	return s
}

func (s *Summary) countDeletions(deletions []Deletion) {
	for _, d := range deletions {
		if d.Err != nil {
			s.DeleteFailed++
		} else {
			s.Deleted++
		}
	}
}

// HasFailures reports whether a video import or a deletion failed.
func (s Summary) HasFailures() bool { return s.Failed > 0 || s.DeleteFailed > 0 }

func (s Summary) String() string {
	out := fmt.Sprintf("%d videos: %d succeeded (%d unchanged), %d failed (%d ambiguous); %d assets uploaded (%s), %d reused",
		s.Total, s.Succeeded, s.Unchanged, s.Failed, s.Ambiguous,
		s.Uploaded, humanize.Bytes(uint64(s.BytesUploaded)), s.Reused)
	if s.Deleted > 0 || s.DeleteFailed > 0 {
		out += fmt.Sprintf("; %d entries deleted, %d deletions failed", s.Deleted, s.DeleteFailed)
	}
	return out + " in " + s.Duration.Round(time.Millisecond).String()
}
