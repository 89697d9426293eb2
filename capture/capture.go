// Package capture is pagekeep's capture-and-rewrite pipeline. A capture
// renders a URL in headless Chrome, rewrites every asset reference to go
// through the asset proxy, inlines external stylesheets, and stores the
// result as an immutable snapshot. The Service also serves snapshots and
// proxied assets over HTTP and MCP.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/pagekeep/capture/internal/browser"
	"github.com/hazyhaar/pagekeep/capture/internal/fetch"
	"github.com/hazyhaar/pagekeep/capture/internal/inline"
	"github.com/hazyhaar/pagekeep/capture/internal/proxy"
	"github.com/hazyhaar/pagekeep/capture/internal/rewrite"
	"github.com/hazyhaar/pagekeep/capture/internal/store"
	"github.com/hazyhaar/pagekeep/horosafe"
	"github.com/hazyhaar/pagekeep/kit"
	"github.com/hazyhaar/pagekeep/observability"
	"github.com/hazyhaar/pagekeep/shield"
)

// RenderResult is a rendered page.
type RenderResult = browser.Result

// Renderer turns a URL into a serialised DOM. *browser.Manager implements it;
// tests substitute a stub returning canned HTML.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (*RenderResult, error)
}

// Snapshot is a stored capture.
type Snapshot = store.Snapshot

// Summary is a snapshot listing entry.
type Summary = store.Summary

// Store is the snapshot persistence contract.
type Store = store.Store

// Result describes a finished capture.
type Result struct {
	ID                string   `json:"captureId"`
	OriginalURL       string   `json:"original_url"`
	FinalURL          string   `json:"final_url"`
	Title             string   `json:"title"`
	Partial           bool     `json:"partial"`
	HTMLSize          int      `json:"html_size"`
	StylesheetsInline int      `json:"stylesheets_inlined"`
	StylesheetsDrop   int      `json:"stylesheets_dropped"`
	Assets            []string `json:"-"`
}

// Service is the capture pipeline plus its HTTP and MCP surfaces.
type Service struct {
	config   *Config
	logger   *slog.Logger
	renderer Renderer
	store    store.Store
	inliner  *inline.Inliner
	proxy    *proxy.Proxy
	metrics  *observability.Metrics
	events   *observability.EventLogger
	limiter  *shield.RateLimiter
	slots    *semaphore.Weighted
	newID    func() string
	validate func(string) error
	sweeper  *store.Sweeper
	markdown *converter.Converter
	closers  []func() error
}

// Option configures a Service during creation.
type Option func(*Service)

// WithRenderer replaces the Chrome renderer.
func WithRenderer(r Renderer) Option { return func(s *Service) { s.renderer = r } }

// WithStore replaces the configured snapshot store. The caller closes it.
func WithStore(st store.Store) Option { return func(s *Service) { s.store = st } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithEvents sets the business event log. Start also runs its retention
// cleanup.
func WithEvents(l *observability.EventLogger) Option { return func(s *Service) { s.events = l } }

// WithIDGenerator overrides snapshot id generation.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// WithURLValidator overrides the SSRF check on submitted URLs
// (default: horosafe.ValidateURL unless fetch.allow_private).
func WithURLValidator(fn func(string) error) Option { return func(s *Service) { s.validate = fn } }

// New creates a capture Service. Components not supplied through options are
// built from cfg: a Chrome manager (started here), the configured store, and
// the outbound fetchers.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("capture: config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		config:   cfg,
		logger:   logger,
		limiter:  shield.NewRateLimiter(cfg.Limits.CaptureRPS, cfg.Limits.CaptureBurst),
		slots:    semaphore.NewWeighted(int64(cfg.Limits.MaxConcurrent)),
		newID:    store.NewID,
		markdown: newMarkdownConverter(),
	}
	svc.limiter.Proxies, _ = shield.ParseTrustedProxies(cfg.Limits.TrustedProxies)
	if cfg.Fetch.AllowPrivate {
		svc.validate = func(string) error { return nil }
	} else {
		svc.validate = horosafe.ValidateURL
	}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.store == nil {
		st, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		svc.store = st
		svc.closers = append(svc.closers, st.Close)
	}

	if svc.renderer == nil {
		var docFilter func(string) error
		if !cfg.Fetch.AllowPrivate {
			docFilter = svc.validate
		}
		m := browser.NewManager(browser.Config{
			RemoteURL:         cfg.Browser.Remote,
			Bin:               cfg.Browser.Bin,
			Isolation:         browser.Isolation(cfg.Browser.Isolation),
			Stealth:           cfg.Browser.Stealth,
			NoSandbox:         cfg.Browser.NoSandbox,
			IgnoreCertErrors:  cfg.Browser.IgnoreCertErrors,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			FallbackTimeout:   cfg.Browser.FallbackTimeout,
			RecycleInterval:   cfg.Browser.RecycleInterval,
			ResourceBlocking:  cfg.Browser.BlockResources,
			DocumentFilter:    docFilter,
			Logger:            logger,
		})
		if err := m.Start(ctx); err != nil {
			svc.Close()
			return nil, fmt.Errorf("capture: start browser: %w", err)
		}
		svc.renderer = m
		svc.closers = append(svc.closers, m.Close)
	}

	sheetFetcher := fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxBytes:     cfg.Fetch.MaxBytes,
		Retries:      cfg.Fetch.Retries,
		UserAgent:    cfg.Fetch.UserAgent,
		AllowPrivate: cfg.Fetch.AllowPrivate,
		Logger:       logger,
	})
	svc.inliner = inline.New(sheetFetcher, inline.Config{
		Concurrency: cfg.Inline.Concurrency,
		Timeout:     cfg.Fetch.Timeout,
	}, logger)

	assetFetcher := fetch.New(fetch.Config{
		Timeout:      cfg.Proxy.Timeout,
		MaxBytes:     cfg.Proxy.MaxBytes,
		Retries:      cfg.Fetch.Retries,
		UserAgent:    cfg.Fetch.UserAgent,
		AllowPrivate: cfg.Fetch.AllowPrivate,
		Logger:       logger,
	})
	scope, _ := proxy.ParseScope(cfg.Proxy.Scope)
	svc.proxy = proxy.New(assetFetcher, svc.store, scope, logger, svc.metrics)

	svc.sweeper = store.NewSweeper(svc.store, cfg.Store.SweepInterval, logger)
	svc.sweeper.OnSweep = svc.onSweep
	return svc, nil
}

func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	opts := []store.Option{store.WithPolicy(store.Policy{
		TTL:          cfg.Store.TTL,
		MaxSnapshots: cfg.Store.MaxSnapshots,
	})}
	switch cfg.Store.Backend {
	case "s3":
		s3cfg := cfg.Store.S3
		return store.NewS3(ctx, store.S3Config{
			Bucket:    s3cfg.Bucket,
			Region:    s3cfg.Region,
			Endpoint:  s3cfg.Endpoint,
			Prefix:    s3cfg.Prefix,
			PathStyle: s3cfg.PathStyle,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
		}, opts...)
	default:
		return store.OpenSQLite(cfg.Store.Path, opts...)
	}
}

// Start launches the store sweeper and the event log retention cleanup.
// Both stop when ctx is cancelled. Non-blocking.
func (s *Service) Start(ctx context.Context) {
	go s.sweeper.Run(ctx)
	if s.events != nil && s.config.Observability.RetentionDays > 0 {
		go s.cleanupEvents(ctx)
	}
	s.logger.Info("capture: started",
		"store", s.config.Store.Backend, "proxy_scope", s.config.Proxy.Scope)
}

func (s *Service) cleanupEvents(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if n, err := s.events.Cleanup(ctx, s.config.Observability.RetentionDays); err != nil {
			s.logger.Warn("capture: event cleanup failed", "error", err)
		} else if n > 0 {
			s.logger.Info("capture: event cleanup", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) onSweep(n int) {
	s.metrics.Evicted(n)
	s.events.LogEvent(context.Background(), observability.BusinessEvent{
		EventType:   observability.EventSnapshotEvicted,
		ServiceName: "pagekeep",
		EntityType:  "snapshot",
		Action:      "sweep",
		Details:     map[string]any{"removed": n},
		Success:     true,
	})
}

// Close releases everything New created. Injected components are left to
// their owners.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Capture renders rawURL, rewrites it into a self-contained snapshot and
// stores it. The whole call, render slot wait included, is bounded by
// limits.capture_timeout.
func (s *Service) Capture(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	target, err := s.checkURL(rawURL)
	if err != nil {
		s.metrics.Capture(observability.OutcomeInvalid, time.Since(start))
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Limits.CaptureTimeout)
	defer cancel()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("capture: wait for render slot: %w", err)
	}
	page, err := s.renderer.Render(ctx, target)
	s.slots.Release(1)
	if err != nil {
		s.failed(ctx, target, err, start)
		return nil, err
	}

	id := s.newID()
	log := s.logger.With("capture_id", id, "url", target)

	doc, err := html.Parse(strings.NewReader(page.HTML))
	if err != nil {
		err = fmt.Errorf("capture: parse rendered document: %w", err)
		s.failed(ctx, target, err, start)
		return nil, err
	}
	finalURL := page.FinalURL
	if !strings.HasPrefix(finalURL, "http://") && !strings.HasPrefix(finalURL, "https://") {
		finalURL = target
	} else if err := s.validate(finalURL); err != nil {
		// Redirects are followed by the browser, so the landing page gets
		// the same check as the submitted URL.
		err = &NavigationError{URL: target, Reason: "redirected to a blocked address " + finalURL, Err: err}
		s.failed(ctx, target, err, start)
		return nil, err
	}

	rw := rewrite.New(id, log)
	rewritten := rw.Document(doc, finalURL)
	report := s.inliner.Inline(ctx, rewritten.Stylesheets, rw)
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("capture: %w", err)
		s.failed(ctx, target, err, start)
		return nil, err
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		err = fmt.Errorf("capture: serialise document: %w", err)
		s.failed(ctx, target, err, start)
		return nil, err
	}

	snap := &store.Snapshot{
		ID:          id,
		HTML:        buf.String(),
		OriginalURL: target,
		FinalURL:    finalURL,
		Title:       rewritten.Title,
		Partial:     page.Partial,
		Assets:      rw.Assets(),
	}
	if _, err := s.store.Create(ctx, snap); err != nil {
		s.failed(ctx, target, err, start)
		return nil, err
	}

	res := &Result{
		ID:                id,
		OriginalURL:       target,
		FinalURL:          finalURL,
		Title:             snap.Title,
		Partial:           page.Partial,
		HTMLSize:          len(snap.HTML),
		StylesheetsInline: report.Inlined,
		StylesheetsDrop:   report.Dropped,
		Assets:            snap.Assets,
	}

	outcome := observability.OutcomeOK
	if page.Partial {
		outcome = observability.OutcomePartial
		log.Warn("capture: partial load, network did not settle")
	}
	elapsed := time.Since(start)
	s.metrics.Capture(outcome, elapsed)
	s.metrics.Stylesheets(report.Inlined, report.Dropped)
	log.Info("capture: stored",
		"html_kb", len(snap.HTML)/1024,
		"assets", len(snap.Assets),
		"stylesheets_inlined", report.Inlined,
		"stylesheets_dropped", report.Dropped,
		"degraded_refs", rw.Degraded(),
		"partial", page.Partial,
		"duration_ms", elapsed.Milliseconds())
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   observability.EventCaptureCreated,
		ServiceName: "pagekeep",
		EntityType:  "snapshot",
		EntityID:    id,
		UserID:      kit.GetOperator(ctx),
		Action:      "capture",
		Details: map[string]any{
			"url":       target,
			"final_url": finalURL,
			"partial":   page.Partial,
			"html_size": len(snap.HTML),
			"transport": kit.GetTransport(ctx),
		},
		Success: true,
	})
	return res, nil
}

// checkURL normalises and validates a submitted URL.
func (s *Service) checkURL(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed url: %v", ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: url must be http or https", ErrInvalidInput)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: url has no host", ErrInvalidInput)
	}
	if err := s.validate(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return u.String(), nil
}

func (s *Service) failed(ctx context.Context, target string, err error, start time.Time) {
	outcome := observability.OutcomeError
	var navErr *NavigationError
	if errors.As(err, &navErr) {
		outcome = observability.OutcomeNavigation
		s.logger.Warn("capture: navigation failed", "url", target, "error", err)
	} else {
		s.logger.Error("capture: failed", "url", target, "error", err)
	}
	s.metrics.Capture(outcome, time.Since(start))
	s.events.LogEvent(context.WithoutCancel(ctx), observability.BusinessEvent{
		EventType:   observability.EventCaptureFailed,
		ServiceName: "pagekeep",
		EntityType:  "snapshot",
		UserID:      kit.GetOperator(ctx),
		Action:      "capture",
		Details:     map[string]any{"url": target, "error": err.Error(), "outcome": outcome},
		Success:     false,
	})
}

// Content returns a snapshot's stored document.
func (s *Service) Content(ctx context.Context, id string) (string, error) {
	return s.store.GetHTML(ctx, id)
}

// Snapshot returns a snapshot's metadata and recorded assets, without HTML.
func (s *Service) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	return s.store.Meta(ctx, id)
}

// List returns the newest snapshots first.
func (s *Service) List(ctx context.Context, limit int) ([]Summary, error) {
	return s.store.List(ctx, limit)
}

// Delete removes a snapshot and reports whether it existed.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("capture: snapshot deleted", "capture_id", id, "operator", kit.GetOperator(ctx))
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   observability.EventSnapshotDeleted,
			ServiceName: "pagekeep",
			EntityType:  "snapshot",
			EntityID:    id,
			UserID:      kit.GetOperator(ctx),
			Action:      "delete",
			Details:     map[string]any{"transport": kit.GetTransport(ctx)},
			Success:     true,
		})
	}
	return ok, nil
}
