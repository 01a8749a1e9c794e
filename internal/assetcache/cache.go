// Package assetcache persists per-video pipeline progress: original files,
// encoded renditions and uploaded content hashes, keyed by the fingerprint
// of the source video id. Every mutation is flushed to the backing Store
// before it returns, so a crash loses at most the mutation in flight.
package assetcache

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vidsync/internal/fingerprint"
	"vidsync/internal/syncerr"
)

// Cache is the in-memory view of all records, backed by a Store.
// Callers obtain a Handle per fingerprint; at most one Handle per
// fingerprint is live at any time.
type Cache struct {
	store   Store
	locks   *keyedLocks
	mu      sync.RWMutex
	records map[fingerprint.Hash]*Record
	log     *logrus.Entry
}

// Open loads every record from store.
func Open(ctx context.Context, store Store, log *logrus.Entry) (*Cache, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	records, err := store.LoadAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load asset cache")
	}

	c := &Cache{
		store:   store,
		locks:   newKeyedLocks(),
		records: make(map[fingerprint.Hash]*Record, len(records)),
		log:     log.WithField("component", "assetcache"),
	}
	for _, rec := range records {
		c.records[rec.Fingerprint] = rec
	}
	c.log.WithField("records", len(records)).Debug("Asset cache loaded")
	return c, nil
}

// Len returns the number of known records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Record returns a copy of the record for fp.
func (c *Cache) Record(fp fingerprint.Hash) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[fp]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Acquire blocks until the caller holds the exclusive handle for fp or ctx
// is done. The handle must be released.
func (c *Cache) Acquire(ctx context.Context, fp fingerprint.Hash) (*Handle, error) {
	if !fingerprint.IsHash(string(fp)) {
		return nil, errors.Wrapf(syncerr.ErrInvalidState, "acquire: malformed fingerprint %q", fp)
	}
	if err := c.locks.lock(ctx, fp); err != nil {
		return nil, err
	}
	return &Handle{cache: c, fp: fp}, nil
}

// Forget removes the record for fp from memory and storage. The
// reconciliation path never calls it.
func (c *Cache) Forget(ctx context.Context, fp fingerprint.Hash) error {
	h, err := c.Acquire(ctx, fp)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := c.store.Delete(ctx, fp); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.records, fp)
	c.mu.Unlock()
	c.log.WithField("fingerprint", fp.Short()).Info("Forgot asset cache record")
	return nil
}

// Close closes the backing store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Handle is the exclusive accessor of one record.
type Handle struct {
	cache    *Cache
	fp       fingerprint.Hash
	released bool
}

// Fingerprint returns the record key.
func (h *Handle) Fingerprint() fingerprint.Hash { return h.fp }

// Release gives up the handle. Calling it twice is a no-op.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.cache.locks.unlock(h.fp)
}

// current returns the stored record or a fresh one. The result must not be
// mutated.
func (h *Handle) current() *Record {
	h.cache.mu.RLock()
	defer h.cache.mu.RUnlock()
	if rec, ok := h.cache.records[h.fp]; ok {
		return rec
	}
	return NewRecord(h.fp)
}

// Snapshot returns a copy of the record, empty if nothing was recorded yet.
func (h *Handle) Snapshot() *Record {
	return h.current().Clone()
}

// mutate applies fn to a copy of the record, persists it and only then
// publishes it in memory.
func (h *Handle) mutate(ctx context.Context, fn func(*Record) error) error {
	if h.released {
		return errors.Wrap(syncerr.ErrInvalidState, "asset cache handle already released")
	}
	next := h.current().Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	if err := h.cache.store.Save(ctx, next); err != nil {
		return err
	}
	h.cache.mu.Lock()
	h.cache.records[h.fp] = next
	h.cache.mu.Unlock()
	return nil
}

// RecordEncodedAsset maps role to a local file, replacing any earlier path.
func (h *Handle) RecordEncodedAsset(ctx context.Context, role Role, path string) error {
	if err := role.Validate(); err != nil {
		return err
	}
	if err := requireFile(path); err != nil {
		return err
	}
	err := h.mutate(ctx, func(rec *Record) error {
		rec.EncodedAssets[role.Key()] = path
		return nil
	})
	if err == nil {
		h.cache.log.WithFields(logrus.Fields{"fingerprint": h.fp.Short(), "role": role.Key()}).Debug("Recorded encoded asset")
	}
	return err
}

// PlanRoles records roles as the complete set of renditions of kinds,
// replacing an earlier plan for those kinds. Every role must be of one of
// kinds.
func (h *Handle) PlanRoles(ctx context.Context, kinds []Kind, roles []Role) error {
	if len(kinds) == 0 || len(roles) == 0 {
		return errors.Wrap(syncerr.ErrInvalidState, "plan roles: nothing to plan")
	}
	for _, role := range roles {
		if err := role.Validate(); err != nil {
			return err
		}
		if !containsKind(kinds, role.Kind) {
			return errors.Wrapf(syncerr.ErrInvalidState, "plan roles: %s is not of the planned kinds", role)
		}
	}
	return h.mutate(ctx, func(rec *Record) error {
		rec.setPlanned(kinds, roles)
		return nil
	})
}

// RecordUploadedAsset stores the remote hash of role under batchID. The role
// must have a local file, either encoded or as the original of its kind.
func (h *Handle) RecordUploadedAsset(ctx context.Context, role Role, batchID, remoteHash string) error {
	if err := role.Validate(); err != nil {
		return err
	}
	if remoteHash == "" {
		return errors.Wrapf(syncerr.ErrInvalidState, "record upload of %s: empty remote hash", role)
	}
	if batchID == "" {
		return errors.Wrapf(syncerr.ErrInvalidState, "record upload of %s: empty batch id", role)
	}
	err := h.mutate(ctx, func(rec *Record) error {
		if !hasLocalFile(rec, role) {
			return errors.Wrapf(syncerr.ErrInvalidState, "record upload of %s: no local file recorded", role)
		}
		uploaded, ok := rec.UploadedAssets[batchID]
		if !ok {
			uploaded = make(map[string]string)
			rec.UploadedAssets[batchID] = uploaded
		}
		uploaded[role.Key()] = remoteHash
		return nil
	})
	if err == nil {
		h.cache.log.WithFields(logrus.Fields{
			"fingerprint": h.fp.Short(),
			"role":        role.Key(),
			"batch":       batchID,
		}).Debug("Recorded uploaded asset")
	}
	return err
}

// RecordOriginal stores the materialized source file of the given kind.
func (h *Handle) RecordOriginal(ctx context.Context, kind OriginalKind, path string, height, width int) error {
	if kind != OriginalVideo && kind != OriginalThumbnail {
		return errors.Wrapf(syncerr.ErrInvalidState, "unknown original kind %q", kind)
	}
	if err := requireFile(path); err != nil {
		return err
	}
	return h.mutate(ctx, func(rec *Record) error {
		asset := &OriginalAsset{Path: path, Height: height, Width: width}
		if kind == OriginalVideo {
			rec.OriginalVideo = asset
		} else {
			rec.OriginalThumbnail = asset
		}
		return nil
	})
}

// SetBatchID associates the record with a storage batch.
func (h *Handle) SetBatchID(ctx context.Context, batchID string) error {
	if batchID == "" {
		return errors.Wrap(syncerr.ErrInvalidState, "set batch: empty batch id")
	}
	if h.current().BatchID == batchID {
		return nil
	}
	return h.mutate(ctx, func(rec *Record) error {
		rec.BatchID = batchID
		return nil
	})
}

// GetEncodedAsset returns the local path recorded for role.
func (h *Handle) GetEncodedAsset(role Role) (string, bool) {
	path, ok := h.current().EncodedAssets[role.Key()]
	return path, ok
}

// GetUploadedAsset returns the remote hash recorded for role under batchID.
func (h *Handle) GetUploadedAsset(role Role, batchID string) (string, bool) {
	hash, ok := h.current().UploadedAssets[batchID][role.Key()]
	return hash, ok && hash != ""
}

// GetOriginal returns the original asset of the given kind.
func (h *Handle) GetOriginal(kind OriginalKind) (OriginalAsset, bool) {
	rec := h.current()
	var asset *OriginalAsset
	if kind == OriginalVideo {
		asset = rec.OriginalVideo
	} else if kind == OriginalThumbnail {
		asset = rec.OriginalThumbnail
	}
	if asset == nil {
		return OriginalAsset{}, false
	}
	return *asset, true
}

func requireFile(path string) error {
	if path == "" {
		return errors.Wrap(syncerr.ErrInvalidState, "empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(syncerr.ErrAssetMissing, "%s", path)
		}
		return errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return errors.Wrapf(syncerr.ErrAssetMissing, "%s is a directory", path)
	}
	return nil
}

func hasLocalFile(rec *Record, role Role) bool {
	if rec.EncodedAssets[role.Key()] != "" {
		return true
	}
	var original *OriginalAsset
	switch role.Kind {
	case KindVideo:
		original = rec.OriginalVideo
	case KindThumbnail:
		original = rec.OriginalThumbnail
	}
	return original != nil && original.Height == role.Height && original.Width == role.Width
}
