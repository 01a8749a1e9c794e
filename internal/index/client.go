// Package index talks to the remote video index service over REST/JSON.
package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	vhttp "vidsync/http"
	"vidsync/internal/catalog"
	"vidsync/internal/syncerr"
)

const defaultPageSize = 100

// Config locates and authenticates against the index service.
type Config struct {
	// BaseURL is the service root, e.g. https://index.example.com.
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// PageSize is the number of entries requested per catalog page.
	PageSize int
}

// Client implements the catalog operations of the index service.
type Client struct {
	http *vhttp.Client
	cfg  Config
	log  *logrus.Entry
}

// New returns a client using httpClient for transport.
func New(httpClient *vhttp.Client, cfg Config, log *logrus.Entry) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, errors.Wrapf(err, "index base url %q", cfg.BaseURL)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{http: httpClient, cfg: cfg, log: log.WithField("component", "index")}, nil
}

type manifestDTO struct {
	Hash string `json:"hash"`
	catalog.Manifest
}

type videoDTO struct {
	ID                string       `json:"id"`
	CreatedAt         time.Time    `json:"created_at"`
	LastValidManifest *manifestDTO `json:"last_valid_manifest"`
}

type pageDTO struct {
	Videos     []videoDTO `json:"videos"`
	Page       int        `json:"page"`
	TotalPages int        `json:"total_pages"`
}

type upsertRequest struct {
	ManifestHash string `json:"manifest_hash"`
}

type upsertResponse struct {
	ID string `json:"id"`
}

func (c *Client) headers() map[string]string {
	h := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}
	if c.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	return h
}

func (c *Client) videosURL(parts ...string) string {
	u := c.cfg.BaseURL + "/api/v1/videos"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// FetchCatalog returns every entry of the catalog, following pagination.
func (c *Client) FetchCatalog(ctx context.Context) ([]catalog.RemoteEntry, error) {
	var entries []catalog.RemoteEntry
	for page := 0; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("take", strconv.Itoa(c.cfg.PageSize))

		resp, err := c.http.Get(ctx, c.videosURL()+"?"+q.Encode(), c.headers())
		if err != nil {
			return nil, syncerr.Upstream("fetch catalog", err)
		}

		var body pageDTO
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, syncerr.Upstream("fetch catalog", errors.Wrapf(err, "decode page %d", page))
		}
		for _, v := range body.Videos {
			entries = append(entries, v.entry())
		}
		if len(body.Videos) == 0 || page+1 >= body.TotalPages {
			break
		}
	}
	c.log.WithField("entries", len(entries)).Debug("Fetched remote catalog")
	return entries, nil
}

func (v videoDTO) entry() catalog.RemoteEntry {
	e := catalog.RemoteEntry{ID: v.ID, CreatedAt: v.CreatedAt}
	if v.LastValidManifest != nil {
		m := v.LastValidManifest.Manifest
		m.Hash = v.LastValidManifest.Hash
		e.LastValidManifest = &m
	}
	return e
}

// UpsertIndexEntry points an index entry at manifestHash, creating the
// entry when remoteID is empty. It returns the entry id.
func (c *Client) UpsertIndexEntry(ctx context.Context, remoteID, manifestHash string) (string, error) {
	if manifestHash == "" {
		return "", errors.Wrap(syncerr.ErrInvalidState, "upsert index entry: empty manifest hash")
	}
	body, err := json.Marshal(upsertRequest{ManifestHash: manifestHash})
	if err != nil {
		return "", err
	}

	method, target := http.MethodPost, c.videosURL()
	if remoteID != "" {
		method, target = http.MethodPut, c.videosURL(remoteID)
	}

	resp, err := c.http.Do(ctx, method, target, body, c.headers())
	if err != nil {
		return "", syncerr.Upstream("upsert index entry", err)
	}

	var out upsertResponse
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return "", syncerr.Upstream("upsert index entry", errors.Wrap(err, "decode response"))
		}
	}
	if out.ID == "" {
		out.ID = remoteID
	}
	if out.ID == "" {
		return "", syncerr.Upstream("upsert index entry", errors.New("service returned no entry id"))
	}
	return out.ID, nil
}

// DeleteIndexEntry removes an entry. An entry that is already gone counts
// as deleted.
func (c *Client) DeleteIndexEntry(ctx context.Context, remoteID string) error {
	if remoteID == "" {
		return errors.Wrap(syncerr.ErrInvalidState, "delete index entry: empty id")
	}
	_, err := c.http.Do(ctx, http.MethodDelete, c.videosURL(remoteID), nil, c.headers())
	if vhttp.IsNotFound(err) {
		c.log.WithField("remote_id", remoteID).Debug("Index entry already deleted")
		return nil
	}
	if err != nil {
		return syncerr.Upstream("delete index entry", err)
	}
	return nil
}
