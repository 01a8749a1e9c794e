package assetcache

import (
	"sort"
	"time"

	"vidsync/internal/fingerprint"
)

// OriginalKind names which source file an original asset describes.
type OriginalKind string

const (
	OriginalVideo     OriginalKind = "video"
	OriginalThumbnail OriginalKind = "thumbnail"
)

// OriginalAsset is a materialized source file and its probed dimensions.
type OriginalAsset struct {
	Path   string `json:"path"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

// Record is the persisted progress of one source video, keyed by the
// fingerprint of its id. Uploaded hashes are grouped per batch, then role key.
// PlannedAssets lists the role keys the rendition ladder asked for, so an
// interrupted group is known to be incomplete.
type Record struct {
	Fingerprint       fingerprint.Hash             `json:"fingerprint"`
	BatchID           string                       `json:"batch_id,omitempty"`
	OriginalVideo     *OriginalAsset               `json:"original_video,omitempty"`
	OriginalThumbnail *OriginalAsset               `json:"original_thumbnail,omitempty"`
	PlannedAssets     []string                     `json:"planned_assets,omitempty"`
	EncodedAssets     map[string]string            `json:"encoded_assets"`
	UploadedAssets    map[string]map[string]string `json:"uploaded_assets"`
	CreatedAt         time.Time                    `json:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at"`
}

// NewRecord returns an empty record for fp.
func NewRecord(fp fingerprint.Hash) *Record {
	now := time.Now().UTC()
	return &Record{
		Fingerprint:    fp,
		EncodedAssets:  make(map[string]string),
		UploadedAssets: make(map[string]map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy, so callers cannot mutate cached state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.OriginalVideo != nil {
		v := *r.OriginalVideo
		c.OriginalVideo = &v
	}
	if r.OriginalThumbnail != nil {
		v := *r.OriginalThumbnail
		c.OriginalThumbnail = &v
	}
	c.PlannedAssets = append([]string(nil), r.PlannedAssets...)
	c.EncodedAssets = make(map[string]string, len(r.EncodedAssets))
	for k, v := range r.EncodedAssets {
		c.EncodedAssets[k] = v
	}
	c.UploadedAssets = make(map[string]map[string]string, len(r.UploadedAssets))
	for batch, roles := range r.UploadedAssets {
		m := make(map[string]string, len(roles))
		for k, v := range roles {
			m[k] = v
		}
		c.UploadedAssets[batch] = m
	}
	return &c
}

// normalize fills nil maps left by older or hand-edited records.
func (r *Record) normalize() {
	if r.EncodedAssets == nil {
		r.EncodedAssets = make(map[string]string)
	}
	if r.UploadedAssets == nil {
		r.UploadedAssets = make(map[string]map[string]string)
	}
}

// EncodedRoles returns the roles of the given kinds that have an encoded
// file, sorted by key.
// With no kinds it returns every encoded role.
func (r *Record) EncodedRoles(kinds ...Kind) []Role {
	keys := make([]string, 0, len(r.EncodedAssets))
	for key := range r.EncodedAssets {
		keys = append(keys, key)
	}
	return rolesOf(keys, kinds)
}

// rolesOf parses keys, keeping the roles of kinds (all with no kinds) and
// dropping malformed keys.
func rolesOf(keys []string, kinds []Kind) []Role {
	var roles []Role
	for _, key := range keys {
		role, err := ParseRole(key)
		if err != nil {
			continue
		}
		if len(kinds) == 0 || containsKind(kinds, role.Kind) {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Key() < roles[j].Key() })
	return roles
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

// PlannedRoles returns the planned roles of the given kinds, sorted by key.
// With no kinds it returns every planned role.
func (r *Record) PlannedRoles(kinds ...Kind) []Role {
	return rolesOf(r.PlannedAssets, kinds)
}

// setPlanned replaces the planned roles of kinds with roles.
func (r *Record) setPlanned(kinds []Kind, roles []Role) {
	var keys []string
	for _, role := range r.PlannedRoles() {
		if !containsKind(kinds, role.Kind) {
			keys = append(keys, role.Key())
		}
	}
	for _, role := range roles {
		keys = append(keys, role.Key())
	}
	sort.Strings(keys)
	r.PlannedAssets = keys
}

// UploadedComplete reports whether roles of the given kinds were planned
// and every planned role has an uploaded hash under batchID. Encoded roles
// do not count: a group interrupted before its last rendition was encoded
// is incomplete.
func (r *Record) UploadedComplete(batchID string, kinds ...Kind) bool {
	if batchID == "" {
		return false
	}
	roles := r.PlannedRoles(kinds...)
	if len(roles) == 0 {
		return false
	}
	uploaded := r.UploadedAssets[batchID]
	for _, role := range roles {
		if uploaded[role.Key()] == "" {
			return false
		}
	}
	return true
}
