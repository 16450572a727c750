package sitehandler

import (
	"bytes"
	"fmt"
	"io/fs"
	"net/http"
	"path"

	"github.com/keithlinneman/bucketserve/internal/mirror"
)

// notFoundCacheControl lets CDNs absorb 404 storms for misspelled URLs;
// a later deploy that adds the page shows up once the entry expires.
const notFoundCacheControl = "public, max-age=604800"

type Handler struct {
	opts Options
}

func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: *opts}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// hardening: only allow GET/HEAD
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		// we keep counter metrics already which will alert us to issues without the overhead and security risk/sanitizing work of logging these
		return
	}

	key, ok := resolveKey(r.URL.Path)
	if !ok {
		w.Header().Set("Cache-Control", "no-store")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Policy matches on the resolved key so "/admin" is covered by an
	// "/admin/" rule once it resolves to admin/index.html.
	policyPath := "/" + key

	// auth comes before the existence check so a protected subtree never
	// leaks which paths exist
	if creds, protected := h.opts.Policy.ResolveProtection(policyPath); protected {
		user, pass, ok := r.BasicAuth()
		if !ok || !creds.Verify(user, pass) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.opts.BasicAuthRealm))
			w.Header().Set("Cache-Control", "no-store")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	snap := h.opts.Snapshots.Current()
	entry := snap.Lookup(key)
	if entry == nil {
		h.serveNotFound(w, r, snap)
		return
	}

	if cc := h.opts.Policy.ResolveCacheControl(policyPath); cc != "" {
		w.Header().Set("Cache-Control", cc)
	}
	serveEntry(w, r, entry)
}

// serveEntry hands the cached bytes to http.ServeContent, which covers
// If-None-Match/If-Modified-Since, Range, and HEAD for free.
func serveEntry(w http.ResponseWriter, r *http.Request, entry *mirror.Entry) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	if entry.ETag != "" {
		w.Header().Set("ETag", `"`+entry.ETag+`"`)
	}
	http.ServeContent(w, r, path.Base(entry.Key), entry.LastModified, bytes.NewReader(entry.Data))
}

func (h *Handler) serveNotFound(w http.ResponseWriter, r *http.Request, snap *mirror.Snapshot) {
	// prefer the site's own 404 page from the active snapshot
	if entry := snap.Lookup(h.opts.Site404File); entry != nil {
		w.Header().Set("Cache-Control", notFoundCacheControl)
		sw := &statusOverrideWriter{ResponseWriter: w, status: http.StatusNotFound}
		serveEntry(sw, r, entry)
		return
	}

	// avoid caching fallback 404 responses
	w.Header().Set("Cache-Control", "no-store")

	if h.opts.FallbackFS != nil && existsFile(h.opts.FallbackFS, h.opts.Fallback404File) {
		serveFileWithStatus(w, r, http.StatusNotFound, h.opts.FallbackFS, h.opts.Fallback404File)
		return
	}

	// last resort: plain text
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("404 page not found"))
}

func existsFile(fsys fs.FS, name string) bool {
	if name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// we want to serve a file but force an HTTP status code (404)
// but http.ServeContent writes a status code on its own so wrapping
// ResponseWriter and overriding the first WriteHeader call here
type statusOverrideWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusOverrideWriter) WriteHeader(code int) {
	if w.wroteHeader {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)
}

func serveFileWithStatus(w http.ResponseWriter, r *http.Request, status int, fsys fs.FS, name string) {
	sw := &statusOverrideWriter{ResponseWriter: w, status: status}
	http.ServeFileFS(sw, r, fsys, name)
}
