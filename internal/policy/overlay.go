// Package policy is the serve-time rule overlay: which path prefixes
// require basic-auth credentials and which carry a custom Cache-Control
// value. The overlay is deliberately independent of snapshot generations -
// a rule change is visible to the very next request without a resync.
package policy

import (
	"crypto/subtle"
	"sort"
	"strings"
	"sync"

	"github.com/keithlinneman/bucketserve/internal/cryptoutil"
)

// Credentials protect a path prefix. PasswordHash is an Argon2id PHC
// string, never a plaintext password.
type Credentials struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// Verify reports whether the presented username and password match.
// Username comparison is constant-time; the Argon2id verify already is.
func (c Credentials) Verify(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(c.Username), []byte(username)) == 1
	passOK, err := cryptoutil.VerifyPassword(password, c.PasswordHash)
	return userOK && passOK && err == nil
}

// ProtectRule and CacheRule are the admin-facing views of the tables.
type ProtectRule struct {
	Prefix   string `json:"prefix"`
	Username string `json:"username"`
}

type CacheRule struct {
	Prefix string `json:"prefix"`
	Value  string `json:"value"`
}

// RuleSet is a stable, sorted copy of the overlay for the admin API and
// persistence. PasswordHashes are intentionally absent.
type RuleSet struct {
	Protect             []ProtectRule `json:"protect"`
	Cache               []CacheRule   `json:"cache"`
	DefaultCacheControl string        `json:"default_cache_control"`
}

// Overlay holds both rule tables. Reads outnumber writes by orders of
// magnitude (every request vs. admin mutations), so an RWMutex is enough.
type Overlay struct {
	mu       sync.RWMutex
	protect  map[string]Credentials
	cache    map[string]string
	defaulCC string

	// onChange, if set, receives the rule counts after each mutation.
	// Wired to gauge metrics.
	onChange func(protectRules, cacheRules int)
}

// OverlayOptions configures a new Overlay.
type OverlayOptions struct {
	// DefaultCacheControl is served for paths with no matching cache rule.
	DefaultCacheControl string
	// OnChange receives rule counts after every mutation. Optional.
	OnChange func(protectRules, cacheRules int)
}

// DefaultCacheControlValue is served when no rule matches and no default
// was configured or persisted.
const DefaultCacheControlValue = "public, max-age=300"

func NewOverlay(opts OverlayOptions) *Overlay {
	dcc := opts.DefaultCacheControl
	if dcc == "" {
		dcc = DefaultCacheControlValue
	}
	return &Overlay{
		protect:  map[string]Credentials{},
		cache:    map[string]string{},
		defaulCC: dcc,
		onChange: opts.OnChange,
	}
}

// NormalizePrefix canonicalizes a rule prefix: leading slash enforced,
// trailing "*" glob stripped. "/admin/*", "/admin/" and "/admin" all refer
// to the same subtree.
func NormalizePrefix(prefix string) string {
	p := strings.TrimSuffix(prefix, "*")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// ResolveProtection returns the credentials guarding path, if any.
// Longest matching prefix wins.
func (o *Overlay) ResolveProtection(path string) (Credentials, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	best := -1
	var creds Credentials
	for prefix, c := range o.protect {
		if strings.HasPrefix(path, prefix) && len(prefix) > best {
			best = len(prefix)
			creds = c
		}
	}
	return creds, best >= 0
}

// ResolveCacheControl returns the Cache-Control value for path: the
// longest matching rule, else the configured default.
func (o *Overlay) ResolveCacheControl(path string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	best := -1
	value := o.defaulCC
	for prefix, v := range o.cache {
		if strings.HasPrefix(path, prefix) && len(prefix) > best {
			best = len(prefix)
			value = v
		}
	}
	return value
}

// DefaultCacheControl returns the fallback directive.
func (o *Overlay) DefaultCacheControl() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaulCC
}

// SetProtection inserts or replaces the protection rule for prefix.
// Effective for the next lookup; no resync involved.
func (o *Overlay) SetProtection(prefix string, creds Credentials) {
	o.mu.Lock()
	o.protect[NormalizePrefix(prefix)] = creds
	o.notifyLocked()
	o.mu.Unlock()
}

// RemoveProtection deletes the rule for prefix. Removing an absent rule
// is a no-op.
func (o *Overlay) RemoveProtection(prefix string) {
	o.mu.Lock()
	delete(o.protect, NormalizePrefix(prefix))
	o.notifyLocked()
	o.mu.Unlock()
}

// SetCacheControl inserts or replaces the cache rule for prefix.
func (o *Overlay) SetCacheControl(prefix, value string) {
	o.mu.Lock()
	o.cache[NormalizePrefix(prefix)] = value
	o.notifyLocked()
	o.mu.Unlock()
}

// RemoveCacheControl deletes the cache rule for prefix.
func (o *Overlay) RemoveCacheControl(prefix string) {
	o.mu.Lock()
	delete(o.cache, NormalizePrefix(prefix))
	o.notifyLocked()
	o.mu.Unlock()
}

// Rules returns a sorted copy of both tables without password hashes.
func (o *Overlay) Rules() RuleSet {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rs := RuleSet{DefaultCacheControl: o.defaulCC}
	for prefix, creds := range o.protect {
		rs.Protect = append(rs.Protect, ProtectRule{Prefix: prefix, Username: creds.Username})
	}
	for prefix, value := range o.cache {
		rs.Cache = append(rs.Cache, CacheRule{Prefix: prefix, Value: value})
	}
	sort.Slice(rs.Protect, func(i, j int) bool { return rs.Protect[i].Prefix < rs.Protect[j].Prefix })
	sort.Slice(rs.Cache, func(i, j int) bool { return rs.Cache[i].Prefix < rs.Cache[j].Prefix })
	return rs
}

// notifyLocked calls the change hook. Caller holds the write lock; counts
// are read under it so the hook sees a consistent pair.
func (o *Overlay) notifyLocked() {
	if o.onChange != nil {
		o.onChange(len(o.protect), len(o.cache))
	}
}

// ValidCacheControl does a sanity check on a directive value before it
// lands in a response header: printable ASCII, no CR/LF, not empty.
func ValidCacheControl(value string) bool {
	if strings.TrimSpace(value) == "" {
		return false
	}
	for _, r := range value {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
