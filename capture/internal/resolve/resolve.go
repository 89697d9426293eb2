// Package resolve turns references found in captured documents into absolute
// URLs. It does no I/O.
package resolve

import (
	"net/url"
	"strings"
)

// Resolve returns ref resolved against base. ref is returned unchanged when
// base is not an absolute URL, when ref is a data: URI, or when ref itself
// cannot be parsed. Protocol-relative references take base's scheme and
// fragment-only references resolve to base with the fragment replaced.
func Resolve(ref, base string) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || IsData(trimmed) {
		return ref
	}
	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil || !b.IsAbs() || b.Host == "" && b.Opaque != "" {
		return ref
	}
	r, err := url.Parse(trimmed)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// IsData reports whether ref is a data: URI.
func IsData(ref string) bool {
	ref = strings.TrimSpace(ref)
	return len(ref) >= 5 && strings.EqualFold(ref[:5], "data:")
}

// IsFragmentOnly reports whether ref only names a fragment of the current
// document ("#top", "#").
func IsFragmentOnly(ref string) bool {
	return strings.HasPrefix(strings.TrimSpace(ref), "#")
}

// IsFetchable reports whether abs is an absolute http or https URL with a host.
func IsFetchable(abs string) bool {
	u, err := url.Parse(abs)
	if err != nil || u.Host == "" {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return s == "http" || s == "https"
}

// Host returns the lower-cased host (without port) of abs, or "" when abs
// does not parse.
func Host(abs string) string {
	u, err := url.Parse(abs)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
