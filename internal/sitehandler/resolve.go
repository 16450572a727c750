package sitehandler

import (
	"strings"

	"github.com/keithlinneman/bucketserve/internal/pathutil"
)

// resolveKey maps a URL path to the snapshot key that serves it. ok=false
// means the path is malformed or hostile and the request gets a 400.
//
// Directory-shaped requests resolve to their index document without a
// redirect: "/docs" and "/docs/" both serve "docs/index.html", so mirrored
// sites work no matter which form their links use.
func resolveKey(urlPath string) (key string, ok bool) {
	p := urlPath
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if pathutil.Unsafe(p) {
		return "", false
	}
	return pathutil.ObjectKey(strings.TrimPrefix(p, "/")), true
}
