// Package browser drives headless Chrome through Rod to render pages for
// capture. A Manager owns the Chrome lifecycle (launch, health checks,
// recycling) and hands every render its own isolated browser context.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Isolation selects how renders are separated from each other.
type Isolation string

const (
	// IsolationContext shares one Chrome process; every render gets its own
	// incognito browser context.
	IsolationContext Isolation = "context"
	// IsolationProcess launches and kills a Chrome process per render.
	IsolationProcess Isolation = "process"
)

// ErrClosed is returned by Render after Close, or before Start in context mode.
var ErrClosed = errors.New("browser: manager is closed")

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Bin is the Chrome binary. Empty lets the launcher find or download one.
	Bin string

	// Isolation defaults to IsolationContext.
	Isolation Isolation

	// Stealth creates pages with go-rod/stealth. Default in config: true.
	Stealth bool

	// NoSandbox passes --no-sandbox, required when running as root in containers.
	NoSandbox bool

	// IgnoreCertErrors lets captures proceed on invalid TLS certificates.
	IgnoreCertErrors bool

	// NavigationTimeout bounds the wait for network idle. Default: 25s.
	NavigationTimeout time.Duration

	// FallbackTimeout bounds the wait for a parsed document once
	// NavigationTimeout elapsed. Default: 5s.
	FallbackTimeout time.Duration

	// RecycleInterval is the maximum lifetime of a shared Chrome process. Default: 1h.
	RecycleInterval time.Duration

	// HealthInterval is the period of the liveness check. Default: 30s.
	HealthInterval time.Duration

	// ResourceBlocking lists resource types to block (images, fonts, media).
	ResourceBlocking []string

	// DocumentFilter, when set, vets every document request the page makes,
	// redirects included. A rejected request fails the navigation.
	DocumentFilter func(string) error

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Isolation == "" {
		c.Isolation = IsolationContext
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 25 * time.Second
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = 5 * time.Second
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = time.Hour
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager manages Chrome lifecycle and implements rendering.
//
// In context mode renders hold a read lease on mu for their whole duration;
// Recycle and Close take the write lock, so they wait for in-flight renders
// and hold off new ones until the fresh process is up.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	started bool
	closed  bool
	done    chan struct{}
}

// NewManager creates a browser Manager. Call Start before Render.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, done: make(chan struct{})}
}

// Start launches Chrome (or connects to a remote instance) in context mode
// and starts the health monitor. In process mode it only marks the manager
// ready.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	if m.cfg.Isolation == IsolationProcess {
		return nil
	}

	b, l, err := m.launch(ctx)
	if err != nil {
		m.started = false
		return err
	}
	m.browser, m.lnch = b, l
	m.startAt = time.Now()

	go m.monitorLoop(ctx)
	return nil
}

// Recycle kills Chrome and starts a fresh one, after in-flight renders finish.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return m.recycleLocked(ctx)
}

// Close shuts Chrome down. Renders in flight finish first.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.cleanup()
	return nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, *launcher.Launcher, error) {
	log := m.cfg.Logger

	var (
		wsURL string
		l     *launcher.Launcher
	)
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Debug("browser: connecting to remote", "url", wsURL)
	} else {
		l = launcher.New().Context(ctx).Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		if m.cfg.NoSandbox {
			l = l.NoSandbox(true)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		log.Debug("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
			l.Cleanup()
		}
		return nil, nil, fmt.Errorf("browser: connect: %w", err)
	}

	if m.cfg.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn("browser: ignore cert errors failed", "error", err)
		}
	}
	return b, l, nil
}

func (m *Manager) recycleLocked(ctx context.Context) error {
	log := m.cfg.Logger
	log.Info("browser: recycling", "uptime", time.Since(m.startAt).Round(time.Second).String())

	m.cleanup()

	b, l, err := m.launch(ctx)
	if err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser, m.lnch = b, l
	m.startAt = time.Now()

	log.Info("browser: recycled successfully")
	return nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		// Remote instances may be shared: drop the handle, never close them.
		if m.cfg.RemoteURL == "" {
			m.browser.Close()
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Kill()
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// monitorLoop recycles Chrome when it outlives RecycleInterval or stops
// answering the liveness check.
func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.RLock()
			b, startAt := m.browser, m.startAt
			m.mu.RUnlock()

			switch {
			case b == nil:
				// A previous relaunch failed; try again.
			case time.Since(startAt) > m.cfg.RecycleInterval:
				log.Info("browser: recycle interval reached")
			default:
				err := ping(ctx, b)
				if err == nil {
					continue
				}
				log.Warn("browser: health check failed", "error", err)
			}

			if err := m.Recycle(ctx); err != nil && !errors.Is(err, ErrClosed) {
				log.Error("browser: recycle failed", "error", err)
			}
		}
	}
}

// ping asks Chrome for its version with a short deadline.
func ping(ctx context.Context, b *rod.Browser) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := b.Context(pctx).Version()
	return err
}
