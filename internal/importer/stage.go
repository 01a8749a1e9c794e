package importer

import (
	"github.com/pkg/errors"

	"vidsync/internal/syncerr"
)

// Stage is a milestone of a video's import pipeline.
type Stage int

const (
	StageThumbnailUploaded Stage = iota + 1
	StageVideoStreamsUploaded
	StageManifestUploaded
	StageIndexUpdated
	// StageSucceeded and StageFailed are terminal.
	StageSucceeded
	StageFailed
)

var stageNames = map[Stage]string{
	StageThumbnailUploaded:    "thumbnail_uploaded",
	StageVideoStreamsUploaded: "video_streams_uploaded",
	StageManifestUploaded:     "manifest_uploaded",
	StageIndexUpdated:         "index_updated",
	StageSucceeded:            "succeeded",
	StageFailed:               "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether no stage may follow s.
func (s Stage) IsTerminal() bool { return s == StageSucceeded || s == StageFailed }

// State is the lifecycle state of an operation.
type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions lists, per state, the state reached by tracing each stage.
// A missing entry is an illegal transition.
var transitions = map[State]map[Stage]State{
	StatePending: {
		StageThumbnailUploaded:    StateRunning,
		StageVideoStreamsUploaded: StateRunning,
		StageManifestUploaded:     StateRunning,
		StageIndexUpdated:         StateRunning,
		StageSucceeded:            StateSucceeded,
		StageFailed:               StateFailed,
	},
	StateRunning: {
		StageThumbnailUploaded:    StateRunning,
		StageVideoStreamsUploaded: StateRunning,
		StageManifestUploaded:     StateRunning,
		StageIndexUpdated:         StateRunning,
		StageSucceeded:            StateSucceeded,
		StageFailed:               StateFailed,
	},
	StateSucceeded: {},
	StateFailed:    {},
}

func nextState(from State, stage Stage) (State, error) {
	to, ok := transitions[from][stage]
	if !ok {
		return from, errors.Wrapf(syncerr.ErrInvalidState, "cannot trace %s in state %s", stage, from)
	}
	return to, nil
}
