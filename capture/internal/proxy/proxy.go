// Package proxy serves /asset/{id}?url=... at view time: it fetches the
// live asset and streams it back, or answers with a 1x1 transparent GIF
// when the asset cannot be served.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/hazyhaar/pagekeep/capture/internal/resolve"
	"github.com/hazyhaar/pagekeep/capture/internal/rewrite"
	"github.com/hazyhaar/pagekeep/capture/internal/store"
	"github.com/hazyhaar/pagekeep/horosafe"
	"github.com/hazyhaar/pagekeep/observability"
)

// Scope decides which URLs a snapshot id may proxy.
type Scope string

const (
	// ScopeHosts allows the captured page's host and the host of any asset
	// recorded for the snapshot.
	ScopeHosts Scope = "hosts"
	// ScopeExact allows only the asset URLs recorded for the snapshot.
	ScopeExact Scope = "exact"
	// ScopeOpen allows any public http(s) URL through any id.
	ScopeOpen Scope = "open"
)

// ParseScope maps a config value to a Scope. Empty means ScopeHosts.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeHosts:
		return ScopeHosts, nil
	case ScopeExact, ScopeOpen:
		return Scope(s), nil
	}
	return "", fmt.Errorf("proxy: unknown scope %q", s)
}

const (
	cacheForever = "public, max-age=31536000"
	cacheNever   = "no-cache"
)

// Placeholder is the transparent 1x1 GIF served in place of failed assets.
var Placeholder = mustDecode("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Doer issues the upstream GET. *fetch.Fetcher implements it.
type Doer interface {
	Do(ctx context.Context, rawURL, referer string) (*http.Response, error)
	MaxBytes() int64
}

// Lookup reads snapshot metadata. store.Store implements it.
type Lookup interface {
	Meta(ctx context.Context, id string) (*store.Snapshot, error)
}

// Proxy is the asset proxy handler.
type Proxy struct {
	doer    Doer
	lookup  Lookup
	scope   Scope
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New returns a Proxy. lookup may be nil only with ScopeOpen.
func New(d Doer, lookup Lookup, scope Scope, logger *slog.Logger, metrics *observability.Metrics) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	if scope == "" {
		scope = ScopeHosts
	}
	return &Proxy{doer: d, lookup: lookup, scope: scope, logger: logger, metrics: metrics}
}

// ServeHTTP handles GET /asset/{captureId}?url=<absolute url>.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "captureId")
	target := r.URL.Query().Get("url")
	if target == "" {
		p.metrics.AssetRequest(observability.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	if !resolve.IsFetchable(target) {
		p.metrics.AssetRequest(observability.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}

	if err := p.authorize(r.Context(), id, target); err != nil {
		p.logger.Info("proxy: asset denied", "capture_id", id, "url", target, "reason", err)
		p.metrics.AssetRequest(observability.OutcomeDenied)
		writePlaceholder(w, cacheNever)
		return
	}

	p.serve(w, r, id, target)
}

var errOutOfScope = errors.New("proxy: url outside snapshot scope")

func (p *Proxy) authorize(ctx context.Context, id, target string) error {
	if p.scope == ScopeOpen {
		return nil
	}
	snap, err := p.lookup.Meta(ctx, id)
	if err != nil {
		return err
	}
	switch p.scope {
	case ScopeExact:
		for _, a := range snap.Assets {
			if a == target {
				return nil
			}
		}
	default:
		host := resolve.Host(target)
		if host == resolve.Host(snap.OriginalURL) || host == resolve.Host(snap.FinalURL) {
			return nil
		}
		for _, a := range snap.Assets {
			if resolve.Host(a) == host {
				return nil
			}
		}
	}
	return errOutOfScope
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, id, target string) {
	resp, err := p.doer.Do(r.Context(), target, target)
	if err != nil {
		p.logger.Warn("proxy: upstream fetch failed", "capture_id", id, "url", target, "error", err)
		p.metrics.AssetRequest(observability.OutcomePlaceholder)
		writePlaceholder(w, cacheNever)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.metrics.AssetRequest(observability.OutcomePlaceholder)
		writePlaceholder(w, cacheForever)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("proxy: upstream status", "capture_id", id, "url", target, "status", resp.StatusCode)
		p.metrics.AssetRequest(observability.OutcomePlaceholder)
		writePlaceholder(w, cacheNever)
		return
	}
	max := p.doer.MaxBytes()
	if resp.ContentLength > max {
		p.logger.Warn("proxy: upstream body too large", "capture_id", id, "url", target, "bytes", resp.ContentLength)
		p.metrics.AssetRequest(observability.OutcomePlaceholder)
		writePlaceholder(w, cacheNever)
		return
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	if isCSS(ct) {
		p.serveCSS(w, resp.Body, id, target, ct, max)
		return
	}

	// Without a declared length the cap can only be checked after reading,
	// so the body is buffered and a truncated asset is never sent as cacheable.
	var body io.Reader = resp.Body
	length := resp.ContentLength
	if length < 0 {
		buf, err := horosafe.LimitedReadAll(resp.Body, max)
		if err != nil {
			p.logger.Warn("proxy: upstream body unreadable or too large", "capture_id", id, "url", target, "error", err)
			p.metrics.AssetRequest(observability.OutcomePlaceholder)
			writePlaceholder(w, cacheNever)
			return
		}
		body = bytes.NewReader(buf)
		length = int64(len(buf))
	}

	h := w.Header()
	h.Set("Content-Type", ct)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", cacheForever)
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusOK)
	p.metrics.AssetRequest(observability.OutcomeProxied)
	if _, err := io.Copy(w, io.LimitReader(body, length)); err != nil {
		p.logger.Debug("proxy: stream interrupted", "capture_id", id, "url", target, "error", err)
	}
}

// serveCSS rewrites url() and @import references of a proxied stylesheet
// against the stylesheet's own URL so its nested resources are proxied too.
func (p *Proxy) serveCSS(w http.ResponseWriter, body io.Reader, id, target, ct string, max int64) {
	raw, err := horosafe.LimitedReadAll(body, max)
	if err != nil {
		p.logger.Warn("proxy: read stylesheet", "capture_id", id, "url", target, "error", err)
		p.metrics.AssetRequest(observability.OutcomePlaceholder)
		writePlaceholder(w, cacheNever)
		return
	}
	css := rewrite.New(id, p.logger).CSS(string(raw), target)

	h := w.Header()
	h.Set("Content-Type", ct)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", cacheForever)
	h.Set("Content-Length", strconv.Itoa(len(css)))
	w.WriteHeader(http.StatusOK)
	p.metrics.AssetRequest(observability.OutcomeProxied)
	io.WriteString(w, css)
}

func isCSS(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "text/css"
}

func writePlaceholder(w http.ResponseWriter, cache string) {
	h := w.Header()
	h.Set("Content-Type", "image/gif")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", cache)
	h.Set("Content-Length", strconv.Itoa(len(Placeholder)))
	w.WriteHeader(http.StatusOK)
	w.Write(Placeholder)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
