// Package rewrite walks a captured document and points every asset reference
// at the asset proxy, so the stored snapshot loads nothing from the original
// origins directly.
//
// Handled positions: single-URL attributes (img src, script src, video
// poster, ...), srcset-shaped attributes, inline style attributes, <style>
// blocks and SVG href/xlink:href. Stylesheet <link>s are not rewritten: they
// are collected for the inliner. iframe and frame sources are left alone.
package rewrite

import (
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/pagekeep/capture/internal/resolve"
)

// Stylesheet is an external stylesheet <link> awaiting inlining.
type Stylesheet struct {
	Node  *html.Node
	URL   string // absolute, fragment removed
	Media string
}

// Result describes what Document did to a document.
type Result struct {
	Stylesheets []Stylesheet
	Title       string
	// BaseURL is the URL relative references were resolved against: the
	// document's <base href> when present, the page URL otherwise.
	BaseURL string
}

// Rewriter rewrites references for one snapshot. It records every absolute
// asset URL it emits. Not safe for concurrent use.
type Rewriter struct {
	id       string
	logger   *slog.Logger
	assets   map[string]struct{}
	degraded int
}

// New returns a Rewriter emitting proxied references for snapshot id.
func New(id string, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{
		id:     id,
		logger: logger,
		assets: make(map[string]struct{}),
	}
}

// Assets returns the sorted set of absolute asset URLs rewritten so far.
func (rw *Rewriter) Assets() []string {
	out := make([]string, 0, len(rw.assets))
	for u := range rw.assets {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Degraded returns how many references were kept raw because they could not
// be resolved to an http(s) URL.
func (rw *Rewriter) Degraded() int { return rw.degraded }

// Ref rewrites a single-URL reference against base.
func (rw *Rewriter) Ref(raw, base string) string {
	return rw.ref(raw, base, "", "")
}

// Srcset rewrites every candidate of a srcset-shaped value against base.
func (rw *Rewriter) Srcset(v, base string) string {
	return rewriteSrcset(v, func(u string) string {
		return rw.ref(u, base, "", "srcset")
	})
}

func (rw *Rewriter) ref(raw, base, element, attr string) string {
	v := strings.TrimSpace(raw)
	if v == "" || resolve.IsData(v) || resolve.IsFragmentOnly(v) {
		return raw
	}
	abs := resolve.Resolve(v, base)
	if !resolve.IsFetchable(abs) {
		rw.degraded++
		rw.logger.Warn("rewrite: reference kept unrewritten",
			"capture_id", rw.id, "element", element, "attr", attr, "value", truncate(v, 200))
		return raw
	}
	abs, frag := splitFragment(abs)
	rw.assets[abs] = struct{}{}
	return AssetPath(rw.id, abs) + frag
}

type attrKind int

const (
	single attrKind = iota + 1
	srcset
)

var assetAttrs = map[atom.Atom]map[string]attrKind{
	atom.Img:    {"src": single, "data-src": single, "lowsrc": single, "srcset": srcset, "data-srcset": srcset},
	atom.Source: {"src": single, "srcset": srcset, "data-srcset": srcset},
	atom.Script: {"src": single},
	atom.Video:  {"src": single, "poster": single},
	atom.Audio:  {"src": single},
	atom.Track:  {"src": single},
	atom.Object: {"data": single},
	atom.Embed:  {"src": single},
	atom.Body:   {"background": single},
	atom.Table:  {"background": single},
	atom.Td:     {"background": single},
	atom.Th:     {"background": single},
}

// Link relations whose href is a subresource loaded by the page.
var assetRels = []string{
	"icon", "apple-touch-icon", "apple-touch-icon-precomposed", "mask-icon",
	"fluid-icon", "image_src", "manifest", "preload", "modulepreload", "prefetch",
}

// Meta http-equiv values that would block proxied assets or navigate the
// frame to the live site.
var droppedMeta = []string{"content-security-policy", "content-security-policy-report-only", "refresh"}

// Document rewrites doc in place. pageURL is the final URL of the rendered
// page; a <base href> in the document takes precedence and is removed
// afterwards, since every reference it affected is now absolute.
func (rw *Rewriter) Document(doc *html.Node, pageURL string) *Result {
	res := &Result{BaseURL: pageURL, Title: Title(doc)}

	var bases []*html.Node
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Base && n.Namespace == "" {
			bases = append(bases, n)
		}
		return true
	})
	found := false
	for _, b := range bases {
		if href, ok := getAttr(b, "href"); ok && strings.TrimSpace(href) != "" && !found {
			res.BaseURL = resolve.Resolve(href, pageURL)
			found = true
		}
		b.Parent.RemoveChild(b)
	}

	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		return rw.element(n, res)
	})
	return res
}

// element rewrites one element. It returns false when the element was
// removed and its subtree must not be visited.
func (rw *Rewriter) element(n *html.Node, res *Result) bool {
	base := res.BaseURL

	if n.Namespace == "svg" {
		switch n.Data {
		case "image", "use", "feImage", "script":
			for i := range n.Attr {
				a := &n.Attr[i]
				if a.Key == "href" && (a.Namespace == "" || a.Namespace == "xlink") {
					a.Val = rw.ref(a.Val, base, n.Data, "href")
				}
			}
		case "style":
			rw.styleText(n, base)
		}
		rw.styleAttr(n, base)
		return true
	}
	if n.Namespace != "" {
		rw.styleAttr(n, base)
		return true
	}

	switch n.DataAtom {
	case atom.Noscript:
		// The snapshot is the scripted rendering; fallback markup was not
		// displayed and would load unrewritten URLs in a script-less frame.
		n.Parent.RemoveChild(n)
		return false
	case atom.Meta:
		if v, ok := getAttr(n, "http-equiv"); ok && slices.Contains(droppedMeta, strings.ToLower(strings.TrimSpace(v))) {
			n.Parent.RemoveChild(n)
			return false
		}
	case atom.Link:
		if !rw.link(n, res) {
			return false
		}
	case atom.Style:
		rw.styleText(n, base)
	case atom.Input:
		if t, _ := getAttr(n, "type"); strings.EqualFold(strings.TrimSpace(t), "image") {
			setAttrFunc(n, "src", func(v string) string { return rw.ref(v, base, "input", "src") })
		}
	}

	if kinds, ok := assetAttrs[n.DataAtom]; ok {
		for i := range n.Attr {
			a := &n.Attr[i]
			if a.Namespace != "" {
				continue
			}
			switch kinds[a.Key] {
			case single:
				a.Val = rw.ref(a.Val, base, n.Data, a.Key)
			case srcset:
				a.Val = rewriteSrcset(a.Val, func(u string) string { return rw.ref(u, base, n.Data, a.Key) })
			}
		}
	}
	rw.styleAttr(n, base)
	return true
}

// link handles <link>. Stylesheets are collected, subresource relations are
// rewritten, connection hints to the live origin are dropped.
func (rw *Rewriter) link(n *html.Node, res *Result) bool {
	rel := strings.Fields(strings.ToLower(attr(n, "rel")))
	href, hasHref := getAttr(n, "href")

	switch {
	case slices.Contains(rel, "stylesheet") && !slices.Contains(rel, "alternate"):
		v := strings.TrimSpace(href)
		if resolve.IsData(v) {
			return true
		}
		abs := resolve.Resolve(v, res.BaseURL)
		if !hasHref || v == "" || !resolve.IsFetchable(abs) {
			rw.degraded++
			rw.logger.Warn("rewrite: unusable stylesheet link removed",
				"capture_id", rw.id, "href", truncate(v, 200))
			n.Parent.RemoveChild(n)
			return false
		}
		abs, _ = splitFragment(abs)
		res.Stylesheets = append(res.Stylesheets, Stylesheet{Node: n, URL: abs, Media: attr(n, "media")})
		return true

	case slices.Contains(rel, "preconnect") || slices.Contains(rel, "dns-prefetch"):
		n.Parent.RemoveChild(n)
		return false

	case slices.Contains(rel, "stylesheet") || slices.ContainsFunc(rel, func(r string) bool { return slices.Contains(assetRels, r) }):
		setAttrFunc(n, "href", func(v string) string { return rw.ref(v, res.BaseURL, "link", "href") })
		setAttrFunc(n, "imagesrcset", func(v string) string {
			return rewriteSrcset(v, func(u string) string { return rw.ref(u, res.BaseURL, "link", "imagesrcset") })
		})
		// Proxied stylesheets are rewritten, so a subresource hash cannot match.
		removeAttr(n, "integrity")
	}
	return true
}

func (rw *Rewriter) styleAttr(n *html.Node, base string) {
	setAttrFunc(n, "style", func(v string) string { return rw.CSS(v, base) })
}

func (rw *Rewriter) styleText(n *html.Node, base string) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			c.Data = rw.CSS(c.Data, base)
		}
	}
}

// walk visits n and its descendants depth-first. visit returns false to skip
// a node's children; it may remove the node it is given.
func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		walk(c, visit)
		c = next
	}
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	v, _ := getAttr(n, key)
	return v
}

func setAttrFunc(n *html.Node, key string, fn func(string) string) {
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr[i].Val = fn(n.Attr[i].Val)
		}
	}
}

func removeAttr(n *html.Node, key string) {
	n.Attr = slices.DeleteFunc(n.Attr, func(a html.Attribute) bool {
		return a.Namespace == "" && a.Key == key
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
