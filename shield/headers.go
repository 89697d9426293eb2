package shield

import "net/http"

// HeaderConfig defines the security headers applied to a response.
// Empty fields are not set.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	PermissionsPolicy   string
	CacheControl        string
}

// DefaultHeaders is the policy for the JSON API and admin routes.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "strict-origin-when-cross-origin",
		PermissionsPolicy:   "camera=(), microphone=(), geolocation=()",
		CacheControl:        "no-store",
	}
}

// SnapshotHeaders is the policy for a stored snapshot document: embeddable by
// the serving origin only, never sniffed, never cached. With sandbox set the
// document additionally runs in a sandbox that keeps its origin but blocks
// scripts.
func SnapshotHeaders(sandbox bool) HeaderConfig {
	csp := "frame-ancestors 'self'"
	if sandbox {
		csp += "; sandbox allow-same-origin"
	}
	return HeaderConfig{
		CSP:                 csp,
		XFrameOptions:       "SAMEORIGIN",
		XContentTypeOptions: "nosniff",
		CacheControl:        "no-cache, no-store, must-revalidate",
	}
}

// SecurityHeaders returns middleware that sets the configured security headers
// before the handler runs.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if cfg.XContentTypeOptions != "" {
				h.Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}
			if cfg.XFrameOptions != "" {
				h.Set("X-Frame-Options", cfg.XFrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if cfg.CSP != "" {
				h.Set("Content-Security-Policy", cfg.CSP)
			}
			if cfg.PermissionsPolicy != "" {
				h.Set("Permissions-Policy", cfg.PermissionsPolicy)
			}
			if cfg.CacheControl != "" {
				h.Set("Cache-Control", cfg.CacheControl)
			}
			next.ServeHTTP(w, r)
		})
	}
}
