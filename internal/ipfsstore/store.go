// Package ipfsstore uploads assets and manifests to an IPFS node and
// groups them per batch in the node's mutable file system.
package ipfsstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vidsync/internal/catalog"
	"vidsync/internal/metrics"
	"vidsync/internal/retry"
	"vidsync/internal/syncerr"
)

// DefaultRoot is the MFS directory batches are created under.
const DefaultRoot = "/vidsync/batches"

// Shell is the subset of the IPFS HTTP API the store uses.
// *shell.Shell implements it.
type Shell interface {
	Add(r io.Reader, options ...shell.AddOpts) (string, error)
	Unpin(path string) error
	FilesMkdir(ctx context.Context, path string, options ...shell.FilesOpt) error
	FilesCp(ctx context.Context, src string, dest string, options ...shell.FilesOpt) error
}

// Store is the content-addressed storage collaborator.
type Store struct {
	sh    Shell
	root  string
	retry retry.Config
	log   *logrus.Entry
}

// New connects to the IPFS HTTP API at apiAddr (e.g. "localhost:5001").
func New(apiAddr string, timeout time.Duration, retryCfg retry.Config, log *logrus.Entry) *Store {
	sh := shell.NewShell(apiAddr)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return NewWithShell(sh, DefaultRoot, retryCfg, log)
}

// NewWithShell builds a store over an existing shell.
func NewWithShell(sh Shell, root string, retryCfg retry.Config, log *logrus.Entry) *Store {
	if root == "" {
		root = DefaultRoot
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{sh: sh, root: root, retry: retryCfg, log: log.WithField("component", "ipfsstore")}
}

func (s *Store) batchDir(batchID string) string {
	return path.Join(s.root, batchID)
}

// AcquireBatch creates a new, empty batch directory.
func (s *Store) AcquireBatch(ctx context.Context) (string, error) {
	batchID := uuid.NewString()
	if err := s.ensureBatch(ctx, batchID); err != nil {
		return "", err
	}
	s.log.WithField("batch", batchID).Info("Acquired storage batch")
	return batchID, nil
}

func (s *Store) ensureBatch(ctx context.Context, batchID string) error {
	err := retry.Do(ctx, s.retry, nil, func(ctx context.Context) error {
		return s.sh.FilesMkdir(ctx, s.batchDir(batchID), shell.FilesMkdir.Parents(true))
	})
	return syncerr.Upstream("create batch "+batchID, err)
}

// UploadAsset adds and pins the file at localPath and links it into the
// batch directory. It returns the content hash.
func (s *Store) UploadAsset(ctx context.Context, batchID, localPath string) (string, error) {
	if batchID == "" {
		return "", errors.Wrap(syncerr.ErrInvalidState, "upload asset: empty batch id")
	}
	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(syncerr.ErrAssetMissing, "%s", localPath)
		}
		return "", errors.Wrapf(err, "stat %s", localPath)
	}

	var hash string
	err = retry.Do(ctx, s.retry, nil, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(localPath)
		if err != nil {
			return retry.Permanent(err)
		}
		defer f.Close()
		hash, err = s.sh.Add(f, shell.Pin(true), shell.CidVersion(1))
		return err
	})
	if err != nil {
		return "", syncerr.Upstream("add "+path.Base(localPath), err)
	}

	if err := s.link(ctx, batchID, hash, path.Base(localPath)); err != nil {
		return "", err
	}

	metrics.BytesUploaded.Add(float64(info.Size()))
	s.log.WithFields(logrus.Fields{
		"batch": batchID,
		"hash":  hash,
		"size":  humanize.Bytes(uint64(info.Size())),
	}).Debug("Uploaded asset")
	return hash, nil
}

// PublishManifest adds the JSON encoding of m and links it into the batch
// directory. It returns the manifest hash.
func (s *Store) PublishManifest(ctx context.Context, batchID string, m *catalog.Manifest) (string, error) {
	if batchID == "" {
		return "", errors.Wrap(syncerr.ErrInvalidState, "publish manifest: empty batch id")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "encode manifest")
	}

	var hash string
	err = retry.Do(ctx, s.retry, nil, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		hash, err = s.sh.Add(bytes.NewReader(data), shell.Pin(true), shell.CidVersion(1))
		return err
	})
	if err != nil {
		return "", syncerr.Upstream("add manifest", err)
	}

	if err := s.link(ctx, batchID, hash, "manifest.json"); err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"batch": batchID, "hash": hash}).Debug("Published manifest")
	return hash, nil
}

// link copies /ipfs/<hash> into the batch directory. Content that is
// already linked is not an error.
func (s *Store) link(ctx context.Context, batchID, hash, name string) error {
	if err := s.ensureBatch(ctx, batchID); err != nil {
		return err
	}
	dest := path.Join(s.batchDir(batchID), hash+"-"+name)
	err := retry.Do(ctx, s.retry, nil, func(ctx context.Context) error {
		err := s.sh.FilesCp(ctx, "/ipfs/"+hash, dest)
		if err != nil && strings.Contains(err.Error(), "already") {
			return nil
		}
		return err
	})
	return syncerr.Upstream("link "+hash, err)
}

// Unpin releases a previously pinned hash. A hash that is not pinned is
// not an error.
func (s *Store) Unpin(ctx context.Context, hash string) error {
	if hash == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.sh.Unpin(hash)
	if err != nil && strings.Contains(err.Error(), "not pinned") {
		return nil
	}
	return syncerr.Upstream("unpin "+hash, err)
}
