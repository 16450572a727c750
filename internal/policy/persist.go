package policy

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/keithlinneman/bucketserve/internal/objstore"
	"github.com/keithlinneman/bucketserve/internal/xerrors"
)

// Rule objects live in the bucket under the reserved prefix so a restarted
// or newly-scaled instance converges on the same policy. The sync engine
// skips the prefix, so these never leak into snapshots.
const (
	ProtectKey      = ".bucketserve/protect.json"
	CacheControlKey = ".bucketserve/cache-control.json"
)

// Sealer optionally encrypts the protection object at rest (it carries
// usernames and password hashes). Implemented by cryptoutil.Sealer; nil
// stores plaintext JSON.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Unseal(ctx context.Context, blob []byte) ([]byte, error)
}

type protectDoc struct {
	Rules map[string]Credentials `json:"rules"`
}

type cacheDoc struct {
	Default string            `json:"default,omitempty"`
	Rules   map[string]string `json:"rules"`
}

// Load populates the overlay from the bucket. Missing objects mean empty
// tables, not errors - a fresh bucket has no policy yet.
func Load(ctx context.Context, client objstore.Client, sealer Sealer, o *Overlay) error {
	if err := loadProtection(ctx, client, sealer, o); err != nil {
		return err
	}
	return loadCacheControl(ctx, client, o)
}

func loadProtection(ctx context.Context, client objstore.Client, sealer Sealer, o *Overlay) error {
	content, err := client.Fetch(ctx, ProtectKey)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(err, "fetch protection rules")
	}

	raw := content.Data
	if sealer != nil {
		if raw, err = sealer.Unseal(ctx, raw); err != nil {
			return xerrors.Wrap(err, "unseal protection rules")
		}
	}

	var doc protectDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return xerrors.Wrap(err, "decode protection rules")
	}

	o.mu.Lock()
	o.protect = map[string]Credentials{}
	for prefix, creds := range doc.Rules {
		o.protect[NormalizePrefix(prefix)] = creds
	}
	o.notifyLocked()
	o.mu.Unlock()
	return nil
}

func loadCacheControl(ctx context.Context, client objstore.Client, o *Overlay) error {
	content, err := client.Fetch(ctx, CacheControlKey)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(err, "fetch cache-control rules")
	}

	var doc cacheDoc
	if err := json.Unmarshal(content.Data, &doc); err != nil {
		return xerrors.Wrap(err, "decode cache-control rules")
	}

	o.mu.Lock()
	o.cache = map[string]string{}
	for prefix, value := range doc.Rules {
		o.cache[NormalizePrefix(prefix)] = value
	}
	if doc.Default != "" {
		o.defaulCC = doc.Default
	}
	o.notifyLocked()
	o.mu.Unlock()
	return nil
}

// SaveProtection writes the protection table back to the bucket, sealed
// when a sealer is configured.
func SaveProtection(ctx context.Context, client objstore.Client, sealer Sealer, o *Overlay) error {
	o.mu.RLock()
	doc := protectDoc{Rules: make(map[string]Credentials, len(o.protect))}
	for prefix, creds := range o.protect {
		doc.Rules[prefix] = creds
	}
	o.mu.RUnlock()

	raw, err := json.Marshal(doc)
	if err != nil {
		return xerrors.Wrap(err, "encode protection rules")
	}
	contentType := "application/json"
	if sealer != nil {
		if raw, err = sealer.Seal(ctx, raw); err != nil {
			return xerrors.Wrap(err, "seal protection rules")
		}
		contentType = "application/octet-stream"
	}
	return client.Put(ctx, ProtectKey, raw, contentType)
}

// SaveCacheControl writes the cache-control table back to the bucket.
func SaveCacheControl(ctx context.Context, client objstore.Client, o *Overlay) error {
	o.mu.RLock()
	doc := cacheDoc{
		Default: o.defaulCC,
		Rules:   make(map[string]string, len(o.cache)),
	}
	for prefix, value := range o.cache {
		doc.Rules[prefix] = value
	}
	o.mu.RUnlock()

	raw, err := json.Marshal(doc)
	if err != nil {
		return xerrors.Wrap(err, "encode cache-control rules")
	}
	return client.Put(ctx, CacheControlKey, raw, "application/json")
}
