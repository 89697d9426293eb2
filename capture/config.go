package capture

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pagekeep/capture/internal/browser"
	"github.com/hazyhaar/pagekeep/capture/internal/proxy"
	"github.com/hazyhaar/pagekeep/shield"
)

// EnvPrefix prefixes every environment override. Keys follow the field path,
// e.g. PAGEKEEP_STORE_TTL or PAGEKEEP_BROWSER_NO_SANDBOX. Fields must not get
// an envconfig tag: envconfig would then also read the bare name (PATH, USER).
const EnvPrefix = "PAGEKEEP"

// Config holds the full pagekeep configuration.
type Config struct {
	Listen        string              `yaml:"listen" split_words:"true"`
	LogLevel      string              `yaml:"log_level" split_words:"true"`
	PublicURL     string              `yaml:"public_url" split_words:"true"` // Prefix for content URLs in MCP results.
	Browser       BrowserConfig       `yaml:"browser" split_words:"true"`
	Fetch         FetchConfig         `yaml:"fetch" split_words:"true"`
	Inline        InlineConfig        `yaml:"inline" split_words:"true"`
	Store         StoreConfig         `yaml:"store" split_words:"true"`
	Proxy         ProxyConfig         `yaml:"proxy" split_words:"true"`
	Content       ContentConfig       `yaml:"content" split_words:"true"`
	Limits        LimitsConfig        `yaml:"limits" split_words:"true"`
	Admin         AdminConfig         `yaml:"admin" split_words:"true"`
	MCP           MCPConfig           `yaml:"mcp" split_words:"true"`
	Observability ObservabilityConfig `yaml:"observability" split_words:"true"`
}

// BrowserConfig configures the renderer.
type BrowserConfig struct {
	Remote            string        `yaml:"remote" split_words:"true"` // ws:// URL of an external Chrome.
	Bin               string        `yaml:"bin" split_words:"true"`
	Isolation         string        `yaml:"isolation" split_words:"true"` // context | process
	Stealth           bool          `yaml:"stealth" split_words:"true"`
	NoSandbox         bool          `yaml:"no_sandbox" split_words:"true"`
	IgnoreCertErrors  bool          `yaml:"ignore_cert_errors" split_words:"true"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" split_words:"true"`
	FallbackTimeout   time.Duration `yaml:"fallback_timeout" split_words:"true"`
	RecycleInterval   time.Duration `yaml:"recycle_interval" split_words:"true"`
	BlockResources    []string      `yaml:"block_resources" split_words:"true"`
}

// FetchConfig configures stylesheet fetches at capture time.
type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout" split_words:"true"`
	MaxBytes     int64         `yaml:"max_bytes" split_words:"true"`
	Retries      int           `yaml:"retries" split_words:"true"`
	UserAgent    string        `yaml:"user_agent" split_words:"true"`
	AllowPrivate bool          `yaml:"allow_private" split_words:"true"` // Disables SSRF checks.
}

// InlineConfig configures the stylesheet inliner.
type InlineConfig struct {
	Concurrency int `yaml:"concurrency" split_words:"true"`
}

// StoreConfig selects and configures the snapshot store.
type StoreConfig struct {
	Backend       string        `yaml:"backend" split_words:"true"` // sqlite | s3
	Path          string        `yaml:"path" split_words:"true"`
	TTL           time.Duration `yaml:"ttl" split_words:"true"`
	MaxSnapshots  int           `yaml:"max_snapshots" split_words:"true"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`
	S3            S3Config      `yaml:"s3" split_words:"true"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket    string `yaml:"bucket" split_words:"true"`
	Region    string `yaml:"region" split_words:"true"`
	Endpoint  string `yaml:"endpoint" split_words:"true"`
	Prefix    string `yaml:"prefix" split_words:"true"`
	PathStyle bool   `yaml:"path_style" split_words:"true"`
	AccessKey string `yaml:"access_key" split_words:"true"`
	SecretKey string `yaml:"secret_key" split_words:"true"`
}

// ProxyConfig configures the asset proxy.
type ProxyConfig struct {
	Scope    string        `yaml:"scope" split_words:"true"` // hosts | exact | open
	Timeout  time.Duration `yaml:"timeout" split_words:"true"`
	MaxBytes int64         `yaml:"max_bytes" split_words:"true"`
}

// ContentConfig configures snapshot serving.
type ContentConfig struct {
	Sandbox bool `yaml:"sandbox" split_words:"true"` // Adds a CSP sandbox that blocks snapshot scripts.
}

// LimitsConfig bounds capture load.
type LimitsConfig struct {
	CaptureRPS     float64       `yaml:"capture_rps" split_words:"true"` // Per client IP. 0 disables.
	CaptureBurst   int           `yaml:"capture_burst" split_words:"true"`
	MaxConcurrent  int           `yaml:"max_concurrent" split_words:"true"` // Renders in flight.
	MaxBodyBytes   int64         `yaml:"max_body_bytes" split_words:"true"`
	CaptureTimeout time.Duration `yaml:"capture_timeout" split_words:"true"` // Whole capture, slot wait included.
	// TrustedProxies (CIDRs or IPs) may set X-Forwarded-For. Empty: the
	// TCP peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies" split_words:"true"`
}

// AdminConfig enables the admin routes when User is set.
type AdminConfig struct {
	User         string `yaml:"user" split_words:"true"`
	PasswordHash string `yaml:"password_hash" split_words:"true"` // bcrypt
}

// MCPConfig toggles the MCP endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
}

// ObservabilityConfig configures metrics and the event log.
type ObservabilityConfig struct {
	Metrics       bool   `yaml:"metrics" split_words:"true"`
	EventsDB      string `yaml:"events_db" split_words:"true"` // Empty: store.path.
	RetentionDays int    `yaml:"retention_days" split_words:"true"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Browser: BrowserConfig{
			Isolation:         string(browser.IsolationContext),
			Stealth:           true,
			NavigationTimeout: 25 * time.Second,
			FallbackTimeout:   5 * time.Second,
			RecycleInterval:   time.Hour,
		},
		Fetch: FetchConfig{
			Timeout:  10 * time.Second,
			MaxBytes: 10 << 20,
			Retries:  1,
		},
		Inline: InlineConfig{Concurrency: 8},
		Store: StoreConfig{
			Backend:       "sqlite",
			Path:          "data/pagekeep.db",
			TTL:           720 * time.Hour,
			MaxSnapshots:  5000,
			SweepInterval: 10 * time.Minute,
			S3:            S3Config{Region: "us-east-1", Prefix: "snapshots/"},
		},
		Proxy: ProxyConfig{
			Scope:    string(proxy.ScopeHosts),
			Timeout:  30 * time.Second,
			MaxBytes: 50 << 20,
		},
		Limits: LimitsConfig{
			CaptureRPS:     0.5,
			CaptureBurst:   5,
			MaxConcurrent:  4,
			MaxBodyBytes:   64 << 10,
			CaptureTimeout: 90 * time.Second,
		},
		MCP:           MCPConfig{Enabled: true},
		Observability: ObservabilityConfig{Metrics: true, RetentionDays: 30},
	}
}

// LoadConfig builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then a .env file if present, then
// PAGEKEEP_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unsupported value %q (use debug, info, warn or error)", c.LogLevel)
	}

	switch browser.Isolation(c.Browser.Isolation) {
	case browser.IsolationContext:
	case browser.IsolationProcess:
		if c.Browser.Remote != "" {
			return fmt.Errorf("browser: isolation process cannot be combined with a remote browser")
		}
	default:
		return fmt.Errorf("browser.isolation: unsupported value %q (use context or process)", c.Browser.Isolation)
	}
	if c.Browser.NavigationTimeout <= 0 || c.Browser.FallbackTimeout <= 0 {
		return fmt.Errorf("browser: navigation_timeout and fallback_timeout must be > 0")
	}
	if c.Browser.FallbackTimeout > c.Browser.NavigationTimeout {
		return fmt.Errorf("browser: fallback_timeout must not exceed navigation_timeout")
	}

	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Inline.Concurrency <= 0 {
		return fmt.Errorf("inline.concurrency must be > 0")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "s3":
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("store.backend: unsupported value %q (use sqlite or s3)", c.Store.Backend)
	}
	if c.Store.TTL < 0 || c.Store.MaxSnapshots < 0 {
		return fmt.Errorf("store: ttl and max_snapshots must be >= 0")
	}

	if _, err := proxy.ParseScope(c.Proxy.Scope); err != nil {
		return fmt.Errorf("proxy.scope: %w", err)
	}
	if c.Proxy.Timeout <= 0 || c.Proxy.MaxBytes <= 0 {
		return fmt.Errorf("proxy: timeout and max_bytes must be > 0")
	}

	if c.Limits.MaxConcurrent <= 0 {
		return fmt.Errorf("limits.max_concurrent must be > 0")
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return fmt.Errorf("limits.max_body_bytes must be > 0")
	}
	// Navigation, then the fallback wait, then serialisation under the
	// fallback timeout again.
	if floor := c.Browser.NavigationTimeout + 2*c.Browser.FallbackTimeout; c.Limits.CaptureTimeout < floor {
		return fmt.Errorf("limits.capture_timeout must be >= %s (navigation + 2 x fallback)", floor)
	}
	if _, err := shield.ParseTrustedProxies(c.Limits.TrustedProxies); err != nil {
		return fmt.Errorf("limits.trusted_proxies: %w", err)
	}

	if c.Admin.User != "" {
		if _, err := bcrypt.Cost([]byte(c.Admin.PasswordHash)); err != nil {
			return fmt.Errorf("admin.password_hash: not a bcrypt hash: %w", err)
		}
	}
	return nil
}

// EventsPath is the SQLite database holding the business event log.
func (c *Config) EventsPath() string {
	if c.Observability.EventsDB != "" {
		return c.Observability.EventsDB
	}
	return c.Store.Path
}
