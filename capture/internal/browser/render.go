package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Result is a rendered page.
type Result struct {
	HTML     string // doctype + outerHTML of the document element
	FinalURL string // location.href after load
	// Partial is set when network idle was not reached within the primary
	// timeout and the document was taken after the fallback wait.
	Partial bool
}

// NavigationError reports a page that could not be loaded at all.
type NavigationError struct {
	URL    string
	Reason string
	Err    error
}

func (e *NavigationError) Error() string {
	msg := "browser: navigate " + e.URL + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NavigationError) Unwrap() error { return e.Err }

// snapshotJS reads the serialisation inputs in one round trip.
const snapshotJS = `() => {
	const d = document.doctype;
	return {
		name: d ? d.name : "",
		publicId: d ? d.publicId : "",
		systemId: d ? d.systemId : "",
		html: document.documentElement ? document.documentElement.outerHTML : "",
		url: location.href,
	};
}`

// committedJS is true once a real document replaced about:blank and the
// parser finished its initial pass.
const committedJS = `() => location.href !== "about:blank" && document.readyState !== "loading"`

// Render navigates to rawURL in an isolated context and returns the
// serialised DOM. Every browser resource acquired here is released before
// Render returns, panics included.
func (m *Manager) Render(ctx context.Context, rawURL string) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("browser: render %s: panic: %v", rawURL, r)
		}
	}()

	sess, release, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	page, err := m.newPage(sess)
	if err != nil {
		return nil, fmt.Errorf("browser: open page: %w", err)
	}
	defer page.Close()

	if len(m.cfg.ResourceBlocking) > 0 || m.cfg.DocumentFilter != nil {
		router := interceptRequests(page, m.cfg.ResourceBlocking, m.cfg.DocumentFilter)
		defer router.Stop()
	}

	partial, err := m.navigate(ctx, page, rawURL)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.FallbackTimeout)
	defer cancel()
	res, err = serialize(sctx, page)
	if err != nil {
		return nil, &NavigationError{URL: rawURL, Reason: "serialize", Err: err}
	}
	res.Partial = partial
	return res, nil
}

// session returns the browser a render runs in and the func that releases it.
func (m *Manager) session(ctx context.Context) (*rod.Browser, func(), error) {
	if m.cfg.Isolation == IsolationProcess {
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return nil, nil, ErrClosed
		}
		b, l, err := m.launch(ctx)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if m.cfg.RemoteURL == "" {
				b.Close()
			}
			if l != nil {
				l.Kill()
				l.Cleanup()
			}
		}, nil
	}

	m.mu.RLock()
	if m.closed || m.browser == nil {
		m.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	inc, err := m.browser.Incognito()
	if err != nil {
		m.mu.RUnlock()
		return nil, nil, fmt.Errorf("browser: incognito context: %w", err)
	}
	return inc, func() {
		inc.Close()
		m.mu.RUnlock()
	}, nil
}

func (m *Manager) newPage(b *rod.Browser) (*rod.Page, error) {
	if m.cfg.Stealth {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{URL: ""})
}

// navigate loads rawURL. It waits for network idle under NavigationTimeout,
// then for a committed document under FallbackTimeout. The returned bool is
// true when only the fallback succeeded.
func (m *Manager) navigate(ctx context.Context, page *rod.Page, rawURL string) (bool, error) {
	primary, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	defer cancel()

	p := page.Context(primary)
	waitIdle := p.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := p.Navigate(rawURL); err != nil {
		var navErr *rod.NavigationError
		if errors.As(err, &navErr) || primary.Err() == nil {
			return false, &NavigationError{URL: rawURL, Reason: navReason(err), Err: err}
		}
	} else {
		waitIdle()
	}
	if primary.Err() == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, &NavigationError{URL: rawURL, Reason: "cancelled", Err: ctx.Err()}
	}

	fallback, cancelFallback := context.WithTimeout(ctx, m.cfg.FallbackTimeout)
	defer cancelFallback()
	if err := page.Context(fallback).Wait(rod.Eval(committedJS)); err != nil {
		return false, &NavigationError{URL: rawURL, Reason: "timeout", Err: err}
	}
	return true, nil
}

// navReason extracts Chrome's net::ERR_* reason when there is one.
func navReason(err error) string {
	var navErr *rod.NavigationError
	if errors.As(err, &navErr) && navErr.Reason != "" {
		return navErr.Reason
	}
	return "navigation failed"
}

func serialize(ctx context.Context, page *rod.Page) (*Result, error) {
	obj, err := page.Context(ctx).Eval(snapshotJS)
	if err != nil {
		return nil, err
	}
	v := obj.Value
	html := v.Get("html").Str()
	if html == "" {
		return nil, errors.New("empty document")
	}
	return &Result{
		HTML:     doctype(v.Get("name").Str(), v.Get("publicId").Str(), v.Get("systemId").Str()) + html,
		FinalURL: v.Get("url").Str(),
	}, nil
}

// doctype renders a DOCTYPE declaration from the DOM's DocumentType fields.
// An empty name means the document had none.
func doctype(name, publicID, systemID string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE ")
	b.WriteString(name)
	switch {
	case publicID != "":
		b.WriteString(` PUBLIC "` + publicID + `"`)
		if systemID != "" {
			b.WriteString(` "` + systemID + `"`)
		}
	case systemID != "":
		b.WriteString(` SYSTEM "` + systemID + `"`)
	}
	b.WriteString(">")
	return b.String()
}
