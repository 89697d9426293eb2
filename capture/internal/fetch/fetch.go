// Package fetch is the outbound HTTP client used for stylesheets at capture
// time and for assets at view time. Every request is SSRF-checked before it
// is sent, on every redirect, and again at dial time.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hazyhaar/pagekeep/horosafe"
)

// DefaultUserAgent identifies pagekeep to origin servers.
const DefaultUserAgent = "Mozilla/5.0 (compatible; PagekeepBot/1.0; +https://github.com/hazyhaar/pagekeep)"

// ErrBlocked is returned when a URL or redirect target fails validation.
var ErrBlocked = errors.New("fetch: URL blocked")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s: http %d", e.URL, e.StatusCode)
}

// Result is a fully read 2xx response.
type Result struct {
	Body        []byte
	StatusCode  int
	ContentType string
	FinalURL    string
}

// Config configures the fetcher.
type Config struct {
	Timeout   time.Duration // Per request, body included. Default: 10s.
	MaxBytes  int64         // Body cap for Fetch. Default: 10MB.
	UserAgent string        // Default: DefaultUserAgent.
	Retries   int           // Retries on 5xx, 429 and transport errors. Default: 1. Negative disables.
	// AllowPrivate disables the SSRF checks. Tests and intranet deployments only.
	AllowPrivate bool
	// URLValidator validates URLs before fetch and on each redirect.
	// Default: horosafe.ValidateURL, or no check when AllowPrivate is set.
	URLValidator func(string) error
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Retries == 0 {
		c.Retries = 1
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.URLValidator == nil {
		if c.AllowPrivate {
			c.URLValidator = func(string) error { return nil }
		} else {
			c.URLValidator = horosafe.ValidateURL
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fetcher performs GET requests with retries and SSRF protection.
type Fetcher struct {
	client *retryablehttp.Client
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.AllowPrivate {
		transport.DialContext = horosafe.SafeDialContext(cfg.Timeout)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = cfg.Logger
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if errors.Is(err, ErrBlocked) || errors.Is(err, horosafe.ErrSSRF) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	rc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			if err := validate(req.URL.String()); err != nil {
				return fmt.Errorf("%w: redirect to %s: %v", ErrBlocked, req.URL.Redacted(), err)
			}
			return nil
		},
	}

	return &Fetcher{client: rc, config: cfg}
}

// Do issues a GET for rawURL and returns the response whatever its status.
// The caller must close the body. referer, when set, is sent as Referer.
func (f *Fetcher) Do(ctx context.Context, rawURL, referer string) (*http.Response, error) {
	if err := f.config.URLValidator(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", rawURL, err)
	}
	return resp, nil
}

// Fetch GETs rawURL and reads the whole body. Non-2xx responses return a
// *StatusError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, referer string) (*Result, error) {
	resp, err := f.Do(ctx, rawURL, referer)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch: read %s: %w", rawURL, err)
	}
	return &Result{
		Body:        body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// MaxBytes returns the configured body cap.
func (f *Fetcher) MaxBytes() int64 { return f.config.MaxBytes }
