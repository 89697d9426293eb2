package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/pagekeep/capture/internal/fetch"
	"github.com/hazyhaar/pagekeep/capture/internal/store"
	"github.com/hazyhaar/pagekeep/observability"
)

type stubLookup map[string]*store.Snapshot

func (s stubLookup) Meta(_ context.Context, id string) (*store.Snapshot, error) {
	if snap, ok := s[id]; ok {
		return snap, nil
	}
	return nil, store.ErrNotFound
}

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Referer", r.Header.Get("Referer"))
		w.Write([]byte("PNGDATA"))
	})
	mux.HandleFunc("/raw", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write([]byte{0x00, 0x01, 0x02})
	})
	mux.HandleFunc("/sheet.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		io.WriteString(w, `@import "nested.css"; .a{background:url(img/bg.png)}`)
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fail", http.StatusForbidden)
	})
	mux.HandleFunc("/chunked", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		for range 4 {
			w.Write(bytes.Repeat([]byte("y"), 1024))
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Write(bytes.Repeat([]byte("x"), 4096))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRouter(t *testing.T, scope Scope, lookup Lookup, maxBytes int64, m *observability.Metrics) http.Handler {
	t.Helper()
	f := fetch.New(fetch.Config{AllowPrivate: true, Retries: -1, Timeout: 2 * time.Second, MaxBytes: maxBytes})
	p := New(f, lookup, scope, nil, m)
	r := chi.NewRouter()
	r.Get("/asset/{captureId}", p.ServeHTTP)
	return r
}

func get(h http.Handler, id, target string) *httptest.ResponseRecorder {
	path := "/asset/" + id
	if target != "" {
		path += "?url=" + url.QueryEscape(target)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func assertPlaceholder(t *testing.T, rec *httptest.ResponseRecorder, cache string) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/gif" {
		t.Errorf("Content-Type = %q, want image/gif", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), Placeholder) {
		t.Errorf("body is not the placeholder GIF")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != cache {
		t.Errorf("Cache-Control = %q, want %q", cc, cache)
	}
}

func TestPlaceholder_IsGIF(t *testing.T) {
	if !bytes.HasPrefix(Placeholder, []byte("GIF89a")) {
		t.Errorf("placeholder header = %q", Placeholder[:6])
	}
}

func TestProxy_StreamsAsset(t *testing.T) {
	// WHAT: A 200 upstream is streamed with its content type, open CORS and a year of cache.
	// WHY: The framed snapshot loads every image through this path.
	up := upstream(t)
	h := newRouter(t, ScopeOpen, nil, 0, nil)
	rec := get(h, "cap_x", up.URL+"/logo.png")

	if rec.Code != http.StatusOK || rec.Body.String() != "PNGDATA" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	hd := rec.Header()
	if hd.Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %q", hd.Get("Content-Type"))
	}
	if hd.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("ACAO = %q", hd.Get("Access-Control-Allow-Origin"))
	}
	if hd.Get("Cache-Control") != cacheForever {
		t.Errorf("Cache-Control = %q", hd.Get("Cache-Control"))
	}
}

func TestProxy_RefererIsAssetURL(t *testing.T) {
	// WHAT: The upstream request carries the asset URL itself as Referer.
	// WHY: CDNs with hotlink protection accept same-origin referers.
	var referer, ua string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("Referer")
		ua = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer up.Close()
	h := newRouter(t, ScopeOpen, nil, 0, nil)
	target := up.URL + "/a.png"
	get(h, "cap_x", target)
	if referer != target {
		t.Errorf("Referer = %q, want %q", referer, target)
	}
	if !strings.Contains(ua, "PagekeepBot") {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestProxy_DefaultContentType(t *testing.T) {
	up := upstream(t)
	h := newRouter(t, ScopeOpen, nil, 0, nil)
	rec := get(h, "cap_x", up.URL+"/raw")
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestProxy_404Placeholder(t *testing.T) {
	// WHAT: An upstream 404 yields the GIF placeholder, cacheable for a year.
	// WHY: Broken images degrade silently instead of showing a broken glyph.
	up := upstream(t)
	h := newRouter(t, ScopeOpen, nil, 0, nil)
	assertPlaceholder(t, get(h, "cap_x", up.URL+"/missing.png"), cacheForever)
}

func TestProxy_OtherFailuresNotCached(t *testing.T) {
	// WHAT: Non-404 failures and network errors yield the placeholder with no-cache.
	// WHY: A transient outage must not be pinned in the viewer's cache.
	up := upstream(t)
	h := newRouter(t, ScopeOpen, nil, 0, nil)
	assertPlaceholder(t, get(h, "cap_x", up.URL+"/boom"), cacheNever)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	assertPlaceholder(t, get(h, "cap_x", deadURL+"/a.png"), cacheNever)
}

func TestProxy_MissingURL(t *testing.T) {
	// WHAT: A request without url, or with a non-http url, is a 400.
	h := newRouter(t, ScopeOpen, nil, 0, nil)
	for _, target := range []string{"", "/relative.png", "javascript:alert(1)", "ftp://example.com/x"} {
		if rec := get(h, "cap_x", target); rec.Code != http.StatusBadRequest {
			t.Errorf("url %q: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestProxy_PrivateTargetBlocked(t *testing.T) {
	// WHAT: With SSRF checks on, a loopback target gets the placeholder.
	// WHY: The proxy must not become a window into the server's network.
	up := upstream(t)
	f := fetch.New(fetch.Config{Retries: -1, Timeout: time.Second})
	r := chi.NewRouter()
	r.Get("/asset/{captureId}", New(f, nil, ScopeOpen, nil, nil).ServeHTTP)
	assertPlaceholder(t, get(r, "cap_x", up.URL+"/logo.png"), cacheNever)
}

func TestProxy_ScopeHosts(t *testing.T) {
	// WHAT: Hosts scope allows the page host and recorded asset hosts, denies the rest.
	// WHY: The proxy is not an open relay for arbitrary URLs.
	up := upstream(t)
	lookup := stubLookup{"cap_a": {
		ID:          "cap_a",
		OriginalURL: "http://127.0.0.1/page",
		Assets:      []string{"https://cdn.example/x.png"},
	}}
	m := observability.NewMetrics()
	h := newRouter(t, ScopeHosts, lookup, 0, m)

	if rec := get(h, "cap_a", up.URL+"/logo.png"); rec.Body.String() != "PNGDATA" {
		t.Errorf("same host: body = %q", rec.Body.String())
	}
	assertPlaceholder(t, get(h, "cap_a", "http://elsewhere.example/logo.png"), cacheNever)
	assertPlaceholder(t, get(h, "cap_unknown", up.URL+"/logo.png"), cacheNever)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `pagekeep_asset_requests_total{outcome="denied"} 2`) {
		t.Errorf("denied counter missing from metrics")
	}
}

func TestProxy_ScopeExact(t *testing.T) {
	up := upstream(t)
	allowed := up.URL + "/logo.png"
	lookup := stubLookup{"cap_a": {ID: "cap_a", OriginalURL: up.URL, Assets: []string{allowed}}}
	h := newRouter(t, ScopeExact, lookup, 0, nil)

	if rec := get(h, "cap_a", allowed); rec.Body.String() != "PNGDATA" {
		t.Errorf("recorded asset: body = %q", rec.Body.String())
	}
	assertPlaceholder(t, get(h, "cap_a", up.URL+"/raw"), cacheNever)
}

func TestProxy_RewritesProxiedCSS(t *testing.T) {
	// WHAT: A proxied stylesheet has its url() and @import references routed through the proxy.
	// WHY: Nested stylesheets and their images would otherwise load from the live origin.
	up := upstream(t)
	h := newRouter(t, ScopeOpen, nil, 0, nil)
	rec := get(h, "cap_css", up.URL+"/sheet.css")
	body := rec.Body.String()

	wantImport := `@import "/asset/cap_css?url=` + url.QueryEscape(up.URL+"/nested.css") + `"`
	wantBG := `url(/asset/cap_css?url=` + url.QueryEscape(up.URL+"/img/bg.png") + `)`
	if !strings.Contains(body, wantImport) {
		t.Errorf("import not rewritten: %s", body)
	}
	if !strings.Contains(body, wantBG) {
		t.Errorf("url() not rewritten: %s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestProxy_TooLarge(t *testing.T) {
	// WHAT: A declared body over the cap is replaced by the placeholder.
	up := upstream(t)
	h := newRouter(t, ScopeOpen, nil, 1024, nil)
	assertPlaceholder(t, get(h, "cap_x", up.URL+"/big"), cacheNever)
}

func TestProxy_UndeclaredLengthOverCap(t *testing.T) {
	// WHAT: A chunked body larger than the cap is replaced by the placeholder.
	// WHY: A cut-off body served with a one-year cache would stay broken.
	up := upstream(t)
	h := newRouter(t, ScopeOpen, nil, 1024, nil)
	assertPlaceholder(t, get(h, "cap_x", up.URL+"/chunked"), cacheNever)
}

func TestProxy_UndeclaredLengthWithinCap(t *testing.T) {
	up := upstream(t)
	h := newRouter(t, ScopeOpen, nil, 8192, nil)
	rec := get(h, "cap_x", up.URL+"/chunked")
	if rec.Code != http.StatusOK || rec.Body.Len() != 4096 {
		t.Fatalf("status = %d, body = %d bytes", rec.Code, rec.Body.Len())
	}
	if cl := rec.Header().Get("Content-Length"); cl != "4096" {
		t.Errorf("Content-Length = %q", cl)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != cacheForever {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"": ScopeHosts, "hosts": ScopeHosts, "exact": ScopeExact, "open": ScopeOpen} {
		got, err := ParseScope(in)
		if err != nil || got != want {
			t.Errorf("ParseScope(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseScope("everything"); err == nil {
		t.Error("expected error for unknown scope")
	}
}
