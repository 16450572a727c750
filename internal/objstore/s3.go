package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

// DefaultCallTimeout bounds each individual S3 call. Listing a large bucket
// paginates, so the timeout applies per page, not per List.
const DefaultCallTimeout = 30 * time.Second

// s3API is the subset of the S3 client we call. Extracted as an interface
// to enable unit testing without live AWS credentials.
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Options configures an S3-backed Client.
type S3Options struct {
	Bucket string
	// Prefix restricts the mirror to keys under this prefix. Keys are
	// exposed with the prefix stripped, so callers never see it.
	Prefix string
	// CallTimeout bounds each S3 API call. Zero uses DefaultCallTimeout.
	CallTimeout time.Duration
}

// S3 implements Client against an S3 (or S3-compatible) bucket.
type S3 struct {
	client  s3API
	bucket  string
	prefix  string
	timeout time.Duration
}

var _ Client = (*S3)(nil)

func NewS3(client *s3.Client, opts S3Options) (*S3, error) {
	return newS3(client, opts)
}

func newS3(client s3API, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("objstore: Bucket is required")
	}
	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &S3{
		client:  client,
		bucket:  opts.Bucket,
		prefix:  prefix,
		timeout: timeout,
	}, nil
}

func (s *S3) List(ctx context.Context) ([]Object, error) {
	var out []Object

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	for {
		page, err := s.listPage(ctx, input)
		if err != nil {
			return nil, xerrors.Wrapf(err, "list s3://%s/%s", s.bucket, s.prefix)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			key = strings.TrimPrefix(key, s.prefix)
			if key == "" || strings.HasSuffix(key, "/") {
				// zero-byte "directory" placeholder objects
				continue
			}
			o := Object{
				Key:  key,
				ETag: unquoteETag(aws.ToString(obj.ETag)),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			out = append(out, o)
		}

		if !aws.ToBool(page.IsTruncated) {
			return out, nil
		}
		input.ContinuationToken = page.NextContinuationToken
	}
}

func (s *S3) listPage(ctx context.Context, input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.ListObjectsV2(cctx, input)
}

func (s *S3) Fetch(ctx context.Context, key string) (*Content, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(cctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "get s3://%s/%s%s", s.bucket, s.prefix, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read s3://%s/%s%s", s.bucket, s.prefix, key)
	}

	c := &Content{
		Data:        data,
		ContentType: aws.ToString(out.ContentType),
		ETag:        unquoteETag(aws.ToString(out.ETag)),
	}
	if out.LastModified != nil {
		c.LastModified = *out.LastModified
	}
	return c, nil
}

func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(cctx, input); err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s%s", s.bucket, s.prefix, key)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.client.DeleteObject(cctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	}); err != nil {
		return xerrors.Wrapf(err, "delete s3://%s/%s%s", s.bucket, s.prefix, key)
	}
	return nil
}

// unquoteETag strips the quotes S3 wraps ETags in. Multipart-upload ETags
// (hash-parts suffix) pass through otherwise untouched; we only ever compare
// tokens for equality.
func unquoteETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
