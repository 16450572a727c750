// Package pathutil has the request-path helpers shared by the serving and
// upload layers.
package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Unsafe reports whether a request path must be rejected outright: NUL
// bytes, backslashes, or dot segments. Keys are matched literally against
// the snapshot, so nothing here can actually traverse - rejecting is about
// never letting hostile shapes reach cache or log layers.
func Unsafe(p string) bool {
	if strings.ContainsAny(p, "\x00\\") {
		return true
	}
	return HasDotSegments(p)
}

// ObjectKey maps a request path to the snapshot key that serves it:
//
//	""            -> "index.html"
//	"docs/"       -> "docs/index.html"
//	"docs/guide"  -> "docs/guide/index.html"  (no extension in last segment)
//	"app.css"     -> "app.css"
//
// The input is the URL path with the leading slash already stripped.
func ObjectKey(p string) string {
	if p == "" {
		return "index.html"
	}
	if strings.HasSuffix(p, "/") {
		return p + "index.html"
	}
	last := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		last = p[i+1:]
	}
	if !strings.Contains(last, ".") {
		return p + "/index.html"
	}
	return p
}
