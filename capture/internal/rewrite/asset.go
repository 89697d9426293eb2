package rewrite

import (
	"errors"
	"net/url"
	"strings"
)

// AssetPrefix is the path prefix of every proxied reference.
const AssetPrefix = "/asset/"

// ErrNotAssetPath is returned by ParseAssetPath for anything that is not a
// proxied reference.
var ErrNotAssetPath = errors.New("rewrite: not an asset path")

// AssetPath is the proxied form of an absolute asset URL for one snapshot.
// It is a pure function of its inputs; the proxy decodes it with
// ParseAssetPath.
func AssetPath(id, abs string) string {
	return AssetPrefix + url.PathEscape(id) + "?url=" + url.QueryEscape(abs)
}

// ParseAssetPath splits a proxied reference back into snapshot id and
// absolute asset URL. A trailing fragment is ignored.
func ParseAssetPath(p string) (id, abs string, err error) {
	u, err := url.Parse(p)
	if err != nil {
		return "", "", ErrNotAssetPath
	}
	rest, ok := strings.CutPrefix(u.Path, AssetPrefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", "", ErrNotAssetPath
	}
	abs = u.Query().Get("url")
	if abs == "" {
		return "", "", ErrNotAssetPath
	}
	return rest, abs, nil
}

// splitFragment separates "#frag" from an absolute URL. The fragment is kept
// out of the proxied URL and re-attached after it, so SVG sprite references
// like "icons.svg#home" still address the right symbol.
func splitFragment(abs string) (string, string) {
	if i := strings.IndexByte(abs, '#'); i >= 0 {
		return abs[:i], abs[i:]
	}
	return abs, ""
}
