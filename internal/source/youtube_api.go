package source

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"vidsync/internal/catalog"
	"vidsync/internal/retry"
	"vidsync/internal/syncerr"
)

// Data API page limits and quota costs.
const (
	apiPageSize   = 50
	costList      = 1
	dailyQuota    = 10000
	quotaReasonRE = "quotaExceeded|dailyLimitExceeded|rateLimitExceeded"
)

var quotaReason = regexp.MustCompile(quotaReasonRE)

// YouTubeAPIReader lists a channel through the YouTube Data API and falls
// back to yt-dlp when the API quota is exhausted. Listing through the API
// costs a few quota units per 50 videos instead of one yt-dlp process per
// video. Downloads always go through yt-dlp.
type YouTubeAPIReader struct {
	service *youtube.Service
	ytdlp   *YouTubeReader
	log     *logrus.Entry

	// QuotaReserve is the number of daily units left untouched; listing
	// switches to yt-dlp once the estimate drops below it.
	QuotaReserve int
	unitsUsed    int
}

// NewYouTubeAPIReader creates a Data API reader. ytdlp supplies the channel,
// retry policy, downloads and the fallback listing.
func NewYouTubeAPIReader(ctx context.Context, apiKey string, ytdlp *YouTubeReader, opts ...option.ClientOption) (*YouTubeAPIReader, error) {
	if apiKey == "" {
		return nil, errors.Wrap(syncerr.ErrInvalidState, "youtube api key required")
	}
	svc, err := youtube.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, errors.Wrap(err, "create youtube service")
	}
	return &YouTubeAPIReader{service: svc, ytdlp: ytdlp, log: ytdlp.Log.WithField("lister", "api")}, nil
}

// Read implements Reader.
func (r *YouTubeAPIReader) Read(ctx context.Context) ([]catalog.SourceVideo, error) {
	videos, err := r.read(ctx)
	if isQuotaError(err) || (err == nil && r.exhausted()) {
		r.log.WithField("units_used", r.unitsUsed).Warn("YouTube API quota exhausted, listing with yt-dlp")
		return r.ytdlp.Read(ctx)
	}
	if err != nil {
		return nil, syncerr.Upstream("list "+r.ytdlp.Channel, err)
	}
	r.log.WithFields(logrus.Fields{"videos": len(videos), "units_used": r.unitsUsed}).Info("Listed channel")
	return finish(videos)
}

func (r *YouTubeAPIReader) read(ctx context.Context) ([]catalog.SourceVideo, error) {
	uploads, err := r.uploadsPlaylist(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	page := ""
	for {
		var resp *youtube.PlaylistItemListResponse
		err := r.call(ctx, func(ctx context.Context) (err error) {
			resp, err = r.service.PlaylistItems.List([]string{"contentDetails"}).
				PlaylistId(uploads).MaxResults(apiPageSize).PageToken(page).Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
				ids = append(ids, item.ContentDetails.VideoId)
			}
		}
		if page = resp.NextPageToken; page == "" {
			break
		}
		if r.exhausted() {
			return nil, nil
		}
	}

	videos := make([]catalog.SourceVideo, 0, len(ids))
	for start := 0; start < len(ids); start += apiPageSize {
		batch := ids[start:min(start+apiPageSize, len(ids))]
		var resp *youtube.VideoListResponse
		err := r.call(ctx, func(ctx context.Context) (err error) {
			resp, err = r.service.Videos.List([]string{"snippet", "contentDetails", "status"}).
				Id(batch...).Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		videos = append(videos, r.convert(batch, resp.Items)...)
	}
	return videos, nil
}

// convert keeps the playlist order of ids and drops private, unprocessed
// or deleted videos.
func (r *YouTubeAPIReader) convert(ids []string, items []*youtube.Video) []catalog.SourceVideo {
	byID := make(map[string]*youtube.Video, len(items))
	for _, it := range items {
		byID[it.Id] = it
	}
	out := make([]catalog.SourceVideo, 0, len(ids))
	for _, id := range ids {
		it, ok := byID[id]
		if !ok || !publiclyAvailable(it) {
			r.log.WithField("video_id", id).Warn("Skipping unavailable video")
			continue
		}
		v := &YouTubeVideo{id: id, reader: r.ytdlp}
		if it.Snippet != nil {
			v.title, v.description = it.Snippet.Title, it.Snippet.Description
		}
		if it.ContentDetails != nil {
			d, err := parseISODuration(it.ContentDetails.Duration)
			if err != nil {
				r.log.WithError(err).WithField("video_id", id).Debug("Unparseable duration")
			}
			v.duration = d
		}
		out = append(out, v)
	}
	return out
}

func publiclyAvailable(v *youtube.Video) bool {
	if v.Status == nil {
		return true
	}
	if v.Status.PrivacyStatus == "private" {
		return false
	}
	return v.Status.UploadStatus == "" || v.Status.UploadStatus == "processed"
}

// uploadsPlaylist resolves the channel reference to its uploads playlist.
func (r *YouTubeAPIReader) uploadsPlaylist(ctx context.Context) (string, error) {
	id, handle, err := parseChannelRef(r.ytdlp.Channel)
	if err != nil {
		return "", err
	}

	var resp *youtube.ChannelListResponse
	err = r.call(ctx, func(ctx context.Context) (err error) {
		call := r.service.Channels.List([]string{"contentDetails"}).Context(ctx)
		if id != "" {
			call = call.Id(id)
		} else {
			call = call.ForHandle(handle)
		}
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Items) == 0 || resp.Items[0].ContentDetails == nil || resp.Items[0].ContentDetails.RelatedPlaylists == nil {
		return "", errors.Wrapf(retry.ErrSourceNotFound, "channel %q", r.ytdlp.Channel)
	}
	return resp.Items[0].ContentDetails.RelatedPlaylists.Uploads, nil
}

// call runs one list request with retries and counts its quota cost.
func (r *YouTubeAPIReader) call(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, r.ytdlp.Retry, apiErrorClassifier, func(ctx context.Context) error {
		r.unitsUsed += costList
		return fn(ctx)
	})
}

func (r *YouTubeAPIReader) exhausted() bool {
	return dailyQuota-r.unitsUsed < r.QuotaReserve
}

// apiErrorClassifier retries 5xx answers and transport errors. Quota and
// other 4xx answers are final.
func apiErrorClassifier(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= http.StatusInternalServerError
	}
	return retry.IsRetryable(err)
}

func isQuotaError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusForbidden && gerr.Code != http.StatusTooManyRequests {
		return false
	}
	for _, item := range gerr.Errors {
		if quotaReason.MatchString(item.Reason) {
			return true
		}
	}
	return quotaReason.MatchString(gerr.Message)
}

// parseChannelRef accepts a channel id, "@handle", or a channel or handle URL.
func parseChannelRef(ref string) (id, handle string, err error) {
	ref = strings.TrimSuffix(strings.TrimSpace(ref), "/")
	ref = strings.TrimSuffix(ref, "/videos")
	if channelIDRegex.MatchString(ref) {
		return ref, "", nil
	}
	if strings.HasPrefix(ref, "@") {
		return "", ref, nil
	}
	if i := strings.Index(ref, "/channel/"); i >= 0 {
		if cand := strings.SplitN(ref[i+len("/channel/"):], "/", 2)[0]; channelIDRegex.MatchString(cand) {
			return cand, "", nil
		}
	}
	if i := strings.Index(ref, "/@"); i >= 0 {
		return "", strings.SplitN(ref[i+1:], "/", 2)[0], nil
	}
	return "", "", errors.Wrapf(retry.ErrInvalidURL, "cannot resolve channel from %q", ref)
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseISODuration parses the ISO 8601 durations the Data API returns,
// such as "PT1H2M3S" or "P1DT2H".
func parseISODuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, u := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, errors.Wrapf(err, "invalid duration %q", s)
		}
		d += time.Duration(n) * u
	}
	return d, nil
}
