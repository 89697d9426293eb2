// Package shield provides the HTTP hardening middleware shared by pagekeep's
// routes: security headers, request tracing, body limits, per-IP rate
// limiting, admin Basic auth and HEAD method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(64 * 1024) {
//	    r.Use(mw)
//	}
//	r.With(shield.NewRateLimiter(2, 5).Middleware).Post("/capture", h)
//	r.With(shield.SecurityHeaders(shield.SnapshotHeaders(false))).Get("/content/{id}", h)
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the middleware applied to every route, outermost first:
// HeadToGet, TraceID, MaxBody. Security headers are route-specific because the
// snapshot document and the JSON API need different policies.
func DefaultStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		TraceID,
		MaxBody(maxBody),
	}
}
