package capture

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/pagekeep/capture/internal/store"
	"github.com/hazyhaar/pagekeep/dbopen"
	"github.com/hazyhaar/pagekeep/observability"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRenderer returns canned documents instead of driving Chrome.
type stubRenderer struct {
	mu    sync.Mutex
	pages map[string]*RenderResult
	err   error
	calls atomic.Int32
}

func (r *stubRenderer) Render(_ context.Context, rawURL string) (*RenderResult, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pages[rawURL]; ok {
		cp := *p
		return &cp, nil
	}
	return &RenderResult{
		HTML:     "<!DOCTYPE html><html><head><title>Blank</title></head><body><p>hello</p></body></html>",
		FinalURL: rawURL,
	}, nil
}

func (r *stubRenderer) set(url string, res *RenderResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pages == nil {
		r.pages = make(map[string]*RenderResult)
	}
	r.pages[url] = res
}

// origin serves the stylesheet and image of the sample page.
func origin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/s.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(".hero{background:url(img/bg.png)}"))
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("PNGDATA"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func samplePage(base string) *RenderResult {
	return &RenderResult{
		HTML: `<!DOCTYPE html><html><head><title>Sample</title>` +
			`<link rel="stylesheet" href="/s.css"></head>` +
			`<body><h1>Sample page</h1><img src="/logo.png"></body></html>`,
		FinalURL: base + "/",
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Fetch.AllowPrivate = true
	cfg.Fetch.Retries = -1
	cfg.Limits.CaptureRPS = 0
	return cfg
}

type testEnv struct {
	svc      *Service
	renderer *stubRenderer
	events   *observability.EventLogger
	metrics  *observability.Metrics
}

func newTestService(t *testing.T, cfg *Config, opts ...Option) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	db := dbopen.OpenMemory(t)
	st, err := store.NewSQLite(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := observability.Init(db); err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		renderer: &stubRenderer{},
		events:   observability.NewEventLogger(db),
		metrics:  observability.NewMetrics(),
	}
	base := []Option{
		WithRenderer(env.renderer),
		WithStore(st),
		WithEvents(env.events),
		WithMetrics(env.metrics),
	}
	svc, err := New(context.Background(), cfg, quietLogger(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	env.svc = svc
	return env
}
