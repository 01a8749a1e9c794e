// Package transcode probes source media and encodes the renditions of a
// video with ffmpeg.
package transcode

import (
	"sort"
	"time"

	"vidsync/internal/assetcache"
)

// DefaultVideoHeights is the default rendition ladder.
var DefaultVideoHeights = []int{360, 480, 720, 1080, 1440, 2160}

// DefaultThumbnailWidths is the default thumbnail ladder.
var DefaultThumbnailWidths = []int{480, 960, 1440}

// Media is the probed shape of a source file.
type Media struct {
	Height   int
	Width    int
	Duration time.Duration
	HasAudio bool
}

// Ladder selects the renditions to produce from a source.
type Ladder struct {
	VideoHeights    []int
	ThumbnailWidths []int
}

// DefaultLadder returns the default ladder.
func DefaultLadder() Ladder {
	return Ladder{VideoHeights: DefaultVideoHeights, ThumbnailWidths: DefaultThumbnailWidths}
}

// StreamRoles returns the audio role (when the source has audio) and one
// video role per ladder height not above the source height. A source
// smaller than every ladder step gets a single rendition at its own size.
func (l Ladder) StreamRoles(src Media) []assetcache.Role {
	var roles []assetcache.Role
	if src.HasAudio {
		roles = append(roles, assetcache.Audio())
	}
	if src.Height <= 0 || src.Width <= 0 {
		return roles
	}
	for _, h := range upTo(l.VideoHeights, src.Height) {
		roles = append(roles, assetcache.Video(h, scaleEven(src.Width, h, src.Height)))
	}
	return roles
}

// ThumbnailRoles returns one thumbnail role per ladder width not above the
// source image width.
func (l Ladder) ThumbnailRoles(src Media) []assetcache.Role {
	if src.Height <= 0 || src.Width <= 0 {
		return nil
	}
	var roles []assetcache.Role
	for _, w := range upTo(l.ThumbnailWidths, src.Width) {
		roles = append(roles, assetcache.Thumbnail(scaleEven(src.Height, w, src.Width), w))
	}
	return roles
}

// upTo returns the sorted, distinct steps not above limit, or [limit] if
// none qualify.
func upTo(steps []int, limit int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, s := range steps {
		if s > 0 && s <= limit && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []int{limit - limit%2}
		if out[0] == 0 {
			out[0] = limit
		}
	}
	sort.Ints(out)
	return out
}

// scaleEven returns other*target/base rounded to the nearest even number,
// at least 2.
func scaleEven(other, target, base int) int {
	v := (other*target + base/2) / base
	if v%2 != 0 {
		v++
	}
	if v < 2 {
		v = 2
	}
	return v
}
