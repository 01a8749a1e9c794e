package assetcache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"vidsync/internal/syncerr"
)

// Kind is the category of an asset role.
type Kind int

const (
	// KindAudio is the single audio rendition of a video.
	KindAudio Kind = iota + 1
	// KindVideo is a video rendition at a given resolution.
	KindVideo
	// KindThumbnail is a thumbnail rendition at a given resolution.
	KindThumbnail
)

// String returns the key prefix of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindThumbnail:
		return "thumbnail"
	default:
		return "unknown"
	}
}

// Role identifies one encoded asset of a video. Audio carries no dimensions;
// video and thumbnail roles always do.
type Role struct {
	Kind   Kind
	Height int
	Width  int
}

// Audio returns the audio role.
func Audio() Role { return Role{Kind: KindAudio} }

// Video returns the video rendition role for the given resolution.
func Video(height, width int) Role { return Role{Kind: KindVideo, Height: height, Width: width} }

// Thumbnail returns the thumbnail rendition role for the given resolution.
func Thumbnail(height, width int) Role {
	return Role{Kind: KindThumbnail, Height: height, Width: width}
}

// Validate checks that the role's dimensions agree with its kind.
func (r Role) Validate() error {
	switch r.Kind {
	case KindAudio:
		if r.Height != 0 || r.Width != 0 {
			return errors.Wrap(syncerr.ErrInvalidState, "audio role with dimensions")
		}
	case KindVideo, KindThumbnail:
		if r.Height <= 0 || r.Width <= 0 {
			return errors.Wrapf(syncerr.ErrInvalidState, "%s role needs positive dimensions, got %dx%d", r.Kind, r.Height, r.Width)
		}
	default:
		return errors.Wrapf(syncerr.ErrInvalidState, "unknown role kind %d", int(r.Kind))
	}
	return nil
}

// Key derives the stable cache key of the role:
// "audio", "video/<height>x<width>" or "thumbnail/<height>x<width>".
func (r Role) Key() string {
	if r.Kind == KindAudio {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s/%dx%d", r.Kind, r.Height, r.Width)
}

func (r Role) String() string { return r.Key() }

// IsStream reports whether the role belongs to the playable streams
// (audio or video), as opposed to thumbnails.
func (r Role) IsStream() bool { return r.Kind == KindAudio || r.Kind == KindVideo }

// ParseRole is the inverse of Role.Key.
func ParseRole(key string) (Role, error) {
	if key == KindAudio.String() {
		return Audio(), nil
	}
	prefix, dims, ok := strings.Cut(key, "/")
	if !ok {
		return Role{}, errors.Wrapf(syncerr.ErrInvalidState, "malformed role key %q", key)
	}
	var kind Kind
	switch prefix {
	case KindVideo.String():
		kind = KindVideo
	case KindThumbnail.String():
		kind = KindThumbnail
	default:
		return Role{}, errors.Wrapf(syncerr.ErrInvalidState, "unknown role kind in key %q", key)
	}
	hs, ws, ok := strings.Cut(dims, "x")
	if !ok {
		return Role{}, errors.Wrapf(syncerr.ErrInvalidState, "malformed role dimensions %q", key)
	}
	h, herr := strconv.Atoi(hs)
	w, werr := strconv.Atoi(ws)
	if herr != nil || werr != nil {
		return Role{}, errors.Wrapf(syncerr.ErrInvalidState, "malformed role dimensions %q", key)
	}
	role := Role{Kind: kind, Height: h, Width: w}
	return role, role.Validate()
}
