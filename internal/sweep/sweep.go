// Package sweep decides which remote catalog entries no longer correspond
// to a source video. It never deletes anything itself.
package sweep

import (
	"vidsync/internal/catalog"
	"vidsync/internal/fingerprint"
)

// Options select which kinds of obsolete entries are returned.
type Options struct {
	// DeleteMissingFromSource returns own entries whose source video is gone.
	DeleteMissingFromSource bool
	// DeleteExogenous returns entries not produced by this tool.
	DeleteExogenous bool
}

// Enabled reports whether any deletion kind is selected.
func (o Options) Enabled() bool { return o.DeleteMissingFromSource || o.DeleteExogenous }

// Reason classifies why an entry is up for deletion.
type Reason string

const (
	ReasonExogenous         Reason = "exogenous"
	ReasonMissingFromSource Reason = "missing_from_source"
)

// Decision is one remote entry selected for deletion.
type Decision struct {
	Entry  catalog.RemoteEntry
	Reason Reason
}

// ComputeDeletions returns, in remote order, the entries of remote selected
// by opts. Entries whose fingerprint matches the id or an old id of any
// source video are always kept, whichever client published them, since
// the import adopts them as that video's match.
func ComputeDeletions(sources []catalog.SourceVideo, remote []catalog.RemoteEntry, publisher catalog.Publisher, opts Options) []Decision {
	present := make(fingerprint.Set, len(sources))
	for _, v := range sources {
		present.Add(v.ID())
		present.Add(v.OldIDs()...)
	}

	var decisions []Decision
	for _, entry := range remote {
		switch {
		case present.Has(entry.LastValidManifest.SourceIDHash()):
		case !publisher.Owns(entry):
			if opts.DeleteExogenous {
				decisions = append(decisions, Decision{Entry: entry, Reason: ReasonExogenous})
			}
		default:
			if opts.DeleteMissingFromSource {
				decisions = append(decisions, Decision{Entry: entry, Reason: ReasonMissingFromSource})
			}
		}
	}
	return decisions
}
