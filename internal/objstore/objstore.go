// Package objstore abstracts the bucket the server mirrors: listing with
// change tokens, fetching object bytes, and the writes the uploader and
// policy persistence need. The sync engine only ever sees this interface,
// never the concrete S3 client.
package objstore

import (
	"context"
	"time"

	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

// ErrNotFound is returned by Fetch for keys that do not exist in the bucket.
var ErrNotFound = xerrors.New("object not found")

// Object is a single listing record. ETag is the provider's opaque change
// token, stored without surrounding quotes.
type Object struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// Content is a fetched object.
type Content struct {
	Data         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
}

// Client is the bucket capability consumed by the synchronizer, the policy
// overlay's persistence, and the uploader.
type Client interface {
	// List enumerates every object in the bucket (under the configured
	// prefix, if any), in no guaranteed order.
	List(ctx context.Context) ([]Object, error)

	// Fetch returns an object's bytes and metadata, or ErrNotFound.
	Fetch(ctx context.Context, key string) (*Content, error)

	// Put writes an object with the given content type.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
