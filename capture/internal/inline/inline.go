// Package inline replaces external stylesheet links with <style> blocks
// holding the fetched, rewritten CSS.
package inline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/pagekeep/capture/internal/fetch"
	"github.com/hazyhaar/pagekeep/capture/internal/rewrite"
)

// Fetcher fetches one stylesheet. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, referer string) (*fetch.Result, error)
}

// Config configures the inliner.
type Config struct {
	Concurrency int           // Parallel fetches. Default: 8.
	Timeout     time.Duration // Per stylesheet. Default: 10s.
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Report summarises one Inline call.
type Report struct {
	Inlined int
	Dropped int
}

// Inliner fetches stylesheets concurrently and splices them into the document.
type Inliner struct {
	fetcher Fetcher
	config  Config
	logger  *slog.Logger
}

// New creates an Inliner.
func New(f Fetcher, cfg Config, logger *slog.Logger) *Inliner {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Inliner{fetcher: f, config: cfg, logger: logger}
}

type outcome struct {
	css string
	err error
}

// Inline fetches every stylesheet in sheets, each with its own timeout, and
// waits for all of them. Successful sheets have their url() references
// rewritten by rw against the sheet's own URL and replace their <link> with a
// <style> block. Failed sheets (network error, non-2xx, HTML body) have their
// <link> removed. A single failure never fails the batch.
//
// The document is only mutated after every fetch has settled, on the calling
// goroutine.
func (in *Inliner) Inline(ctx context.Context, sheets []rewrite.Stylesheet, rw *rewrite.Rewriter) Report {
	results := make([]outcome, len(sheets))

	var g errgroup.Group
	g.SetLimit(in.config.Concurrency)
	for i, s := range sheets {
		g.Go(func() error {
			results[i] = in.fetchOne(ctx, s.URL)
			return nil
		})
	}
	g.Wait()

	var rep Report
	for i, s := range sheets {
		if s.Node.Parent == nil {
			continue
		}
		r := results[i]
		if r.err != nil {
			in.logger.Warn("inline: stylesheet dropped", "url", s.URL, "error", r.err)
			s.Node.Parent.RemoveChild(s.Node)
			rep.Dropped++
			continue
		}
		style := styleNode(rw.CSS(r.css, s.URL), s.Media)
		s.Node.Parent.InsertBefore(style, s.Node)
		s.Node.Parent.RemoveChild(s.Node)
		rep.Inlined++
	}
	return rep
}

func (in *Inliner) fetchOne(ctx context.Context, u string) outcome {
	ctx, cancel := context.WithTimeout(ctx, in.config.Timeout)
	defer cancel()

	res, err := in.fetcher.Fetch(ctx, u, u)
	if err != nil {
		return outcome{err: err}
	}
	if mt := mimetype.Detect(res.Body); mt.Is("text/html") {
		return outcome{err: errHTMLBody}
	}
	return outcome{css: string(res.Body)}
}

var errHTMLBody = errors.New("inline: body is an HTML document, not a stylesheet")

// styleNode builds <style media=...>css</style>. A "</style" sequence inside
// the CSS would end the raw-text element early, so it is escaped; "\/" is a
// valid CSS escape for "/".
func styleNode(css, media string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	if media != "" {
		n.Attr = []html.Attribute{{Key: "media", Val: media}}
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: neutralise(css)})
	return n
}

func neutralise(css string) string {
	lower := strings.ToLower(css)
	if !strings.Contains(lower, "</style") {
		return css
	}
	var b strings.Builder
	last := 0
	for {
		i := strings.Index(lower[last:], "</style")
		if i < 0 {
			break
		}
		i += last
		b.WriteString(css[last:i])
		b.WriteString(`<\/`)
		last = i + 2
	}
	b.WriteString(css[last:])
	return b.String()
}
