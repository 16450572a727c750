// Package uploader publishes a local directory to the bucket. It diffs
// file hashes against the manifest object from the previous publish, so an
// unchanged site costs one GET and one PUT, not a re-upload of everything.
package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/bucketserve/internal/cryptoutil"
	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/objstore"
	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

const (
	// ManifestKey is where the previous publish's file hashes live in the
	// bucket. It sits under the reserved prefix so the serve-side sync
	// never mirrors it.
	ManifestKey = ".bucketserve/manifest.json"

	// ReservedPrefix is the server-owned key namespace. Local files are
	// never uploaded into it and remote keys under it are never deleted.
	ReservedPrefix = ".bucketserve/"

	// DefaultConcurrency bounds parallel uploads.
	DefaultConcurrency = 8
)

// Manifest records the SHA-256 of every file from the last publish,
// keyed by bucket key.
type Manifest struct {
	Entries map[string]string `json:"entries"`
}

// Options configures an Uploader.
type Options struct {
	Logger log.Logger
	Client objstore.Client

	// Concurrency bounds parallel PUTs. Zero uses DefaultConcurrency.
	Concurrency int

	// DryRun computes and reports the diff without touching the bucket.
	DryRun bool
}

// Result summarizes one publish.
type Result struct {
	Uploaded  []string
	Deleted   []string
	Unchanged int
}

type Uploader struct {
	logger      log.Logger
	client      objstore.Client
	concurrency int
	dryRun      bool
}

func New(opts *Options) *Uploader {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Uploader{
		logger:      logger,
		client:      opts.Client,
		concurrency: concurrency,
		dryRun:      opts.DryRun,
	}
}

// Sync publishes dir to the bucket: uploads added and changed files,
// deletes files the previous manifest knows about that are gone locally,
// then writes the new manifest. Deletion is manifest-driven on purpose -
// objects this tool never uploaded are left alone.
func (u *Uploader) Sync(ctx context.Context, dir string) (*Result, error) {
	local, err := hashDir(dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "scan local directory %q", dir)
	}

	previous, err := u.loadManifest(ctx)
	if err != nil {
		return nil, err
	}

	var toUpload, toDelete []string
	unchanged := 0
	for key, sum := range local {
		if previous.Entries[key] == sum {
			unchanged++
			continue
		}
		toUpload = append(toUpload, key)
	}
	for key := range previous.Entries {
		if strings.HasPrefix(key, ReservedPrefix) {
			continue
		}
		if _, ok := local[key]; !ok {
			toDelete = append(toDelete, key)
		}
	}
	sort.Strings(toUpload)
	sort.Strings(toDelete)

	result := &Result{
		Uploaded:  toUpload,
		Deleted:   toDelete,
		Unchanged: unchanged,
	}

	u.logger.Info(ctx, "publish diff computed",
		"dir", dir,
		"upload", len(toUpload),
		"delete", len(toDelete),
		"unchanged", unchanged,
		"dry_run", u.dryRun,
	)

	if u.dryRun {
		return result, nil
	}

	if err := u.uploadAll(ctx, dir, toUpload); err != nil {
		return nil, err
	}

	for _, key := range toDelete {
		if err := u.client.Delete(ctx, key); err != nil {
			return nil, xerrors.Wrapf(err, "delete %q", key)
		}
		u.logger.Info(ctx, "deleted", "key", key)
	}

	if err := u.saveManifest(ctx, &Manifest{Entries: local}); err != nil {
		return nil, err
	}
	return result, nil
}

// uploadAll puts the given keys with bounded concurrency. Any failure
// aborts the publish; the manifest is only written after a clean run, so
// a retry re-uploads whatever this run did not finish.
func (u *Uploader) uploadAll(ctx context.Context, dir string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for _, key := range keys {
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
			if err != nil {
				return xerrors.Wrapf(err, "read %q", key)
			}
			if err := u.client.Put(gctx, key, data, contentTypeFor(key)); err != nil {
				return xerrors.Wrapf(err, "upload %q", key)
			}
			mu.Lock()
			done++
			mu.Unlock()
			u.logger.Info(gctx, "uploaded", "key", key, "bytes", len(data))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		u.logger.Error(ctx, err, "publish aborted", "uploaded_before_failure", done)
		return err
	}
	return nil
}

func (u *Uploader) loadManifest(ctx context.Context) (*Manifest, error) {
	content, err := u.client.Fetch(ctx, ManifestKey)
	if errors.Is(err, objstore.ErrNotFound) {
		return &Manifest{Entries: map[string]string{}}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch manifest")
	}

	var m Manifest
	if err := json.Unmarshal(content.Data, &m); err != nil {
		// A mangled manifest means a full re-upload, not a dead publish.
		u.logger.Warn(ctx, "manifest unreadable, treating all files as changed",
			"key", ManifestKey,
			"error", err.Error(),
		)
		return &Manifest{Entries: map[string]string{}}, nil
	}
	if m.Entries == nil {
		m.Entries = map[string]string{}
	}
	return &m, nil
}

func (u *Uploader) saveManifest(ctx context.Context, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "encode manifest")
	}
	if err := u.client.Put(ctx, ManifestKey, raw, "application/json"); err != nil {
		return xerrors.Wrap(err, "write manifest")
	}
	return nil
}

// hashDir walks dir and returns bucket key -> SHA-256 hex for every
// regular file. Keys use forward slashes regardless of platform. Hidden
// top-level directories like .git and anything under the reserved prefix
// are skipped.
func hashDir(dir string) (map[string]string, error) {
	out := map[string]string{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		if d.IsDir() {
			if key != "." && (strings.HasPrefix(filepath.Base(key), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(key, ReservedPrefix) || strings.HasPrefix(filepath.Base(key), ".") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[key] = cryptoutil.SHA256Hex(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// contentTypeFor maps a key to its Content-Type by extension. The serve
// side stores whatever the bucket reports, so getting this right at
// publish time is what makes browsers happy later.
func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
