// Package catalog models both sides of a sync: source videos read from a
// channel or a local catalog, and entries already published in the remote
// index. It also decides which remote entries belong to which source video.
package catalog

import (
	"context"
	"time"

	"vidsync/internal/fingerprint"
)

// Metadata is the descriptive part of a source video.
type Metadata struct {
	Title       string
	Description string
	Duration    time.Duration
}

// SourceFiles are the local files of a materialized source video.
// ThumbnailPath is empty when the source has no thumbnail.
type SourceFiles struct {
	VideoPath     string
	ThumbnailPath string
}

// SourceVideo is a video to import. Implementations are read-only and
// Materialize must be safe to call again after a failed or interrupted run.
type SourceVideo interface {
	// ID is the stable source-scheme identifier.
	ID() string
	// OldIDs are identifiers from earlier id schemes, used only for matching.
	OldIDs() []string
	// Metadata returns title, description and duration.
	Metadata() Metadata
	// Materialize makes the source files available locally under workDir.
	Materialize(ctx context.Context, workDir string) (SourceFiles, error)
}

// AssetRef references one uploaded asset from a manifest.
type AssetRef struct {
	// Role is the asset role key ("audio", "video/720x1280", ...).
	Role   string `json:"role"`
	Hash   string `json:"hash"`
	Height int    `json:"height,omitempty"`
	Width  int    `json:"width,omitempty"`
}

// PersonalData links a manifest back to the source video without
// revealing the source id.
type PersonalData struct {
	ClientName    string           `json:"client_name"`
	ClientVersion string           `json:"client_version"`
	SourceIDHash  fingerprint.Hash `json:"source_id_hash"`
}

// Manifest describes a published video.
type Manifest struct {
	// Hash is the content hash of the published manifest document.
	Hash          string        `json:"-"`
	FormatVersion int           `json:"format_version"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Duration      time.Duration `json:"duration"`
	BatchID       string        `json:"batch_id"`
	Thumbnails    []AssetRef    `json:"thumbnails"`
	Streams       []AssetRef    `json:"streams"`
	PersonalData  *PersonalData `json:"personal_data,omitempty"`
}

// SourceIDHash returns the fingerprint carried in the personal data, or "".
func (m *Manifest) SourceIDHash() fingerprint.Hash {
	if m == nil || m.PersonalData == nil {
		return ""
	}
	return m.PersonalData.SourceIDHash
}

// RemoteEntry is a video already present in the remote index.
type RemoteEntry struct {
	ID                string
	CreatedAt         time.Time
	LastValidManifest *Manifest
}

// Publisher identifies this tool's publications and the manifest format
// version it currently writes.
type Publisher struct {
	ClientName    string
	ClientVersion string
	FormatVersion int
}

// Satisfies reports whether m was written in the current publishing format
// or a newer one.
func (p Publisher) Satisfies(m *Manifest) bool {
	return m != nil && m.FormatVersion >= p.FormatVersion
}

// Owns reports whether e was produced by this tool's publishing scheme:
// it has a manifest, personal data with this client's name and a
// well-formed source fingerprint.
func (p Publisher) Owns(e RemoteEntry) bool {
	pd := e.LastValidManifest.personalData()
	if pd == nil {
		return false
	}
	return pd.ClientName == p.ClientName && fingerprint.IsHash(string(pd.SourceIDHash))
}

func (m *Manifest) personalData() *PersonalData {
	if m == nil {
		return nil
	}
	return m.PersonalData
}

// PersonalDataFor returns the personal data the publisher writes for a
// source fingerprint.
func (p Publisher) PersonalDataFor(fp fingerprint.Hash) *PersonalData {
	return &PersonalData{
		ClientName:    p.ClientName,
		ClientVersion: p.ClientVersion,
		SourceIDHash:  fp,
	}
}
