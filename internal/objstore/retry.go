package objstore

import (
	"context"
	"errors"
	"time"

	"github.com/keithlinneman/bucketserve/internal/log"
	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

// RetryPolicy configures retry behavior for bucket operations.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (0 means no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff grows each retry.
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns a reasonable policy for cloud bucket calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Retry wraps a Client with exponential backoff. ErrNotFound and context
// cancellation are returned immediately; everything else is assumed
// transient and retried.
type Retry struct {
	inner  Client
	policy RetryPolicy
	logger log.Logger
}

var _ Client = (*Retry)(nil)

func NewRetry(inner Client, policy RetryPolicy, logger log.Logger) *Retry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Retry{inner: inner, policy: policy, logger: logger}
}

func (r *Retry) List(ctx context.Context) ([]Object, error) {
	var result []Object
	err := r.retry(ctx, "list", "", func() error {
		var err error
		result, err = r.inner.List(ctx)
		return err
	})
	return result, err
}

func (r *Retry) Fetch(ctx context.Context, key string) (*Content, error) {
	var result *Content
	err := r.retry(ctx, "fetch", key, func() error {
		var err error
		result, err = r.inner.Fetch(ctx, key)
		return err
	})
	return result, err
}

func (r *Retry) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return r.retry(ctx, "put", key, func() error {
		return r.inner.Put(ctx, key, data, contentType)
	})
}

func (r *Retry) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete", key, func() error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *Retry) retry(ctx context.Context, op, key string, fn func() error) error {
	var lastErr error
	backoff := r.policy.InitialBackoff

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrNotFound) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt < r.policy.MaxRetries {
			r.logger.Warn(ctx, "bucket operation failed, retrying",
				"op", op,
				"key", key,
				"attempt", attempt+1,
				"max_retries", r.policy.MaxRetries,
				"backoff", backoff.String(),
				"error", lastErr.Error(),
			)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			backoff = time.Duration(float64(backoff) * r.policy.BackoffMultiplier)
			if backoff > r.policy.MaxBackoff {
				backoff = r.policy.MaxBackoff
			}
		}
	}

	return xerrors.Wrapf(lastErr, "%s %q failed after %d attempts", op, key, r.policy.MaxRetries+1)
}
