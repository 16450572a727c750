package sitehandler

import (
	"fmt"
	"io/fs"

	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/mirror"
	"github.com/keithlinneman/bucketserve/internal/policy"
	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

var ErrInvalidOptions = xerrors.New("sitehandler: invalid options")

// SnapshotProvider yields the active content snapshot. Implemented by
// mirror.Store.
type SnapshotProvider interface {
	Current() *mirror.Snapshot
}

// PolicyResolver answers protection and cache-control questions for a
// request path. Implemented by policy.Overlay.
type PolicyResolver interface {
	ResolveProtection(path string) (policy.Credentials, bool)
	ResolveCacheControl(path string) string
}

type Options struct {
	Logger log.Logger
	// Active content
	Snapshots SnapshotProvider
	// Protection + cache-control rules
	Policy PolicyResolver
	// fallback FS (embedded 404 page used when the bucket has none)
	FallbackFS fs.FS

	// file names (relative paths)
	// - Site404File is looked up in the active snapshot
	// - Fallback404File is read from FallbackFS
	Site404File     string // default: "404.html"
	Fallback404File string // default: "404.html"

	// BasicAuthRealm is sent in WWW-Authenticate challenges.
	BasicAuthRealm string // default: "restricted"
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Site404File == "" {
		o.Site404File = "404.html"
	}
	if o.Fallback404File == "" {
		o.Fallback404File = "404.html"
	}
	if o.BasicAuthRealm == "" {
		o.BasicAuthRealm = "restricted"
	}
}

func (o *Options) validate() error {
	if o.Snapshots == nil {
		return fmt.Errorf("%w: Snapshots is nil", ErrInvalidOptions)
	}
	if o.Policy == nil {
		return fmt.Errorf("%w: Policy is nil", ErrInvalidOptions)
	}
	// FallbackFS is optional; we degrade to plain text 404s without it.
	return nil
}
