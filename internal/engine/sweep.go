package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"vidsync/internal/catalog"
	"vidsync/internal/metrics"
	"vidsync/internal/sweep"
)

// Deletion is the outcome of one sweep decision. Err is nil when the index
// entry was removed.
type Deletion struct {
	sweep.Decision
	Err error
}

// SweepDeletions deletes the remote entries selected by opts from the
// index and unpins their manifests. Cache records of removed source videos
// are kept.
func (e *Engine) SweepDeletions(ctx context.Context, videos []catalog.SourceVideo, remote []catalog.RemoteEntry, opts sweep.Options) ([]Deletion, error) {
	return e.sweepDeletions(ctx, e.log, videos, remote, opts)
}

func (e *Engine) sweepDeletions(ctx context.Context, log *logrus.Entry, videos []catalog.SourceVideo, remote []catalog.RemoteEntry, opts sweep.Options) ([]Deletion, error) {
	decisions := sweep.ComputeDeletions(videos, remote, e.opts.Publisher, opts)
	if len(decisions) == 0 {
		log.Debug("Nothing to sweep")
		return nil, nil
	}

	deletions := make([]Deletion, 0, len(decisions))
	for _, d := range decisions {
		if err := ctx.Err(); err != nil {
			return deletions, err
		}
		entryLog := log.WithFields(logrus.Fields{"remote_id": d.Entry.ID, "reason": string(d.Reason)})

		err := e.index.DeleteIndexEntry(ctx, d.Entry.ID)
		deletions = append(deletions, Deletion{Decision: d, Err: err})
		if err != nil {
			entryLog.WithError(err).Warn("Failed to delete index entry")
			continue
		}
		metrics.EntriesDeleted.WithLabelValues(string(d.Reason)).Inc()
		entryLog.Info("Deleted index entry")

		if m := d.Entry.LastValidManifest; m != nil && m.Hash != "" {
			if err := e.storage.Unpin(ctx, m.Hash); err != nil {
				entryLog.WithError(err).Warn("Failed to unpin manifest")
			}
		}
	}
	return deletions, nil
}
