package rewrite

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const testID = "cap_test"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rewriteDoc(t *testing.T, src, pageURL string) (string, *Result, *Rewriter) {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	rw := New(testID, quietLogger())
	res := rw.Document(doc, pageURL)
	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		t.Fatal(err)
	}
	return sb.String(), res, rw
}

func TestAssetPath_RoundTrip(t *testing.T) {
	for _, abs := range []string{
		"https://example.com/logo.png",
		"https://cdn.example.net/a b.png?x=1&y=2",
		"http://host:8080/path/with+plus/%20encoded?q=ü",
		"https://example.com/",
	} {
		p := AssetPath(testID, abs)
		id, got, err := ParseAssetPath(p)
		if err != nil {
			t.Fatalf("ParseAssetPath(%q): %v", p, err)
		}
		if id != testID || got != abs {
			t.Errorf("round trip %q: got id=%q url=%q", abs, id, got)
		}
	}
	if p := AssetPath(testID, "https://example.com/logo.png"); p != "/asset/cap_test?url=https%3A%2F%2Fexample.com%2Flogo.png" {
		t.Fatalf("AssetPath = %q", p)
	}
	for _, bad := range []string{"/content/cap_x", "/asset/", "/asset/cap_x", "/asset/a/b?url=x"} {
		if _, _, err := ParseAssetPath(bad); err == nil {
			t.Errorf("ParseAssetPath(%q) accepted", bad)
		}
	}
}

func TestDocument_Scenario(t *testing.T) {
	// WHAT: the canonical capture: an image and a stylesheet link on example.com.
	// WHY: the image must point at the proxy; the link must wait for the inliner.
	out, res, rw := rewriteDoc(t,
		`<html><head><link rel="stylesheet" href="/s.css" media="screen"></head><body><img src="/logo.png"></body></html>`,
		"https://example.com")

	if !strings.Contains(out, `<img src="/asset/cap_test?url=https%3A%2F%2Fexample.com%2Flogo.png"/>`) {
		t.Fatalf("img not rewritten: %s", out)
	}
	if len(res.Stylesheets) != 1 {
		t.Fatalf("stylesheets: %d", len(res.Stylesheets))
	}
	ss := res.Stylesheets[0]
	if ss.URL != "https://example.com/s.css" || ss.Media != "screen" || ss.Node.DataAtom != atom.Link {
		t.Fatalf("stylesheet: %+v", ss)
	}
	if !strings.Contains(out, `href="/s.css"`) {
		t.Fatalf("stylesheet link must be left for the inliner: %s", out)
	}
	assets := rw.Assets()
	if len(assets) != 1 || assets[0] != "https://example.com/logo.png" {
		t.Fatalf("assets: %v", assets)
	}
}

func TestDocument_AttributeTable(t *testing.T) {
	src := `<html><body background="bg.gif">
<img data-src="lazy.png" srcset="a.png 1x, b.png 2x">
<picture><source srcset="w.webp 100w" type="image/webp"></picture>
<script src="app.js"></script>
<video src="v.mp4" poster="p.jpg"><track src="subs.vtt"></video>
<audio src="a.mp3"></audio>
<input type="image" src="btn.png"><input type="text" src="ignored.png">
<object data="o.swf"></object><embed src="e.swf">
<table background="t.png"><tr><td background="td.png">x</td></tr></table>
<iframe src="https://widgets.example.org/frame"></iframe>
<a href="/page2">next</a>
</body></html>`
	out, _, _ := rewriteDoc(t, src, "https://example.com/dir/")

	for _, ref := range []string{"bg.gif", "lazy.png", "a.png", "b.png", "w.webp", "app.js", "v.mp4", "p.jpg", "subs.vtt", "a.mp3", "btn.png", "o.swf", "e.swf", "t.png", "td.png"} {
		want := AssetPath(testID, "https://example.com/dir/"+ref)
		if !strings.Contains(out, want) {
			t.Errorf("%s not rewritten to %s", ref, want)
		}
	}
	if !strings.Contains(out, `src="ignored.png"`) {
		t.Error("input type=text src must not be rewritten")
	}
	if !strings.Contains(out, `src="https://widgets.example.org/frame"`) {
		t.Error("iframe src must be left alone")
	}
	if !strings.Contains(out, `href="/page2"`) {
		t.Error("anchors must be left alone")
	}
}

func TestDocument_NoRawAssetRemains(t *testing.T) {
	// WHAT: after rewriting, every asset-bearing attribute is proxied, data:, or a fragment.
	// WHY: a raw third-party URL in a rewritable position breaks snapshot durability.
	src := `<html><head><base href="https://static.example.net/v2/">
<link rel="icon" href="favicon.ico"><link rel="preload" as="image" href="hero.jpg" imagesrcset="hero.jpg 1x, hero@2x.jpg 2x">
<style>body{background:url("bg.png")}</style></head>
<body style="background-image:url(body.png)">
<img src="//cdn.example.org/x.png" srcset="s1.png 1x,s2.png 2x">
<img src="data:image/gif;base64,R0lGODlhAQABAAAAACw=">
<svg><image href="i.svg"></image><use xlink:href="sprite.svg#home"></use><use href="#local"></use>
<script href="https://cdn.example/s.js"></script><script xlink:href="legacy.js"></script></svg>
<div style="background-image:image-set('https://cdn.example/a.png' 1x, &quot;a@2x.png&quot; 2x)"></div>
</body></html>`
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	rw := New(testID, quietLogger())
	rw.Document(doc, "https://example.com/")

	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		for _, a := range n.Attr {
			switch a.Key {
			case "src", "href", "srcset", "imagesrcset":
			default:
				continue
			}
			for _, u := range srcsetURLs(a.Val) {
				if strings.HasPrefix(u, AssetPrefix) || strings.HasPrefix(u, "data:") || strings.HasPrefix(u, "#") {
					continue
				}
				t.Errorf("<%s %s=%q> left raw", n.Data, a.Key, a.Val)
			}
		}
		return true
	})

	var sb strings.Builder
	html.Render(&sb, doc)
	out := sb.String()
	if strings.Contains(out, "<base") {
		t.Error("<base> must be removed")
	}
	if !strings.Contains(out, AssetPath(testID, "https://static.example.net/v2/favicon.ico")) {
		t.Error("base href not honoured for link")
	}
	if !strings.Contains(out, `url("`+AssetPath(testID, "https://static.example.net/v2/bg.png")+`")`) {
		t.Errorf("style block not rewritten: %s", out)
	}
	if !strings.Contains(out, `xlink:href="`+AssetPath(testID, "https://static.example.net/v2/sprite.svg")+`#home"`) {
		t.Errorf("svg use fragment not preserved: %s", out)
	}
	if !strings.Contains(out, `href="#local"`) {
		t.Error("fragment-only href must be kept")
	}
	for _, raw := range []string{"https://cdn.example/s.js", `"legacy.js"`, "'https://cdn.example/a.png'", "a@2x.png"} {
		if strings.Contains(out, raw) {
			t.Errorf("%s left raw: %s", raw, out)
		}
	}
	if !strings.Contains(out, AssetPath(testID, "https://static.example.net/v2/legacy.js")) {
		t.Errorf("svg script xlink:href not rewritten: %s", out)
	}
}

func TestDocument_RemovesHazards(t *testing.T) {
	src := `<html><head>
<meta charset="utf-8">
<meta http-equiv="Content-Security-Policy" content="img-src 'self'">
<meta http-equiv="refresh" content="0;url=https://example.com/live">
<link rel="preconnect" href="https://fonts.gstatic.com">
<link rel="dns-prefetch" href="//cdn.example.org">
<link rel="alternate stylesheet" href="/alt.css" integrity="sha384-abc" title="Alt">
<link rel="canonical" href="https://example.com/page">
</head><body><noscript><img src="/pixel.gif"></noscript></body></html>`
	out, res, _ := rewriteDoc(t, src, "https://example.com/page")

	for _, gone := range []string{"Content-Security-Policy", "refresh", "preconnect", "dns-prefetch", "noscript", "pixel.gif", "integrity"} {
		if strings.Contains(out, gone) {
			t.Errorf("%q should be removed: %s", gone, out)
		}
	}
	if !strings.Contains(out, `charset="utf-8"`) {
		t.Error("meta charset must be kept")
	}
	if !strings.Contains(out, AssetPath(testID, "https://example.com/alt.css")) {
		t.Error("alternate stylesheet must be proxied")
	}
	if !strings.Contains(out, `href="https://example.com/page"`) {
		t.Error("canonical link must be left alone")
	}
	if len(res.Stylesheets) != 0 {
		t.Fatalf("alternate stylesheet must not be inlined: %+v", res.Stylesheets)
	}
}

func TestDocument_Degraded(t *testing.T) {
	// WHAT: a reference that does not resolve to http(s) is kept raw and counted.
	// WHY: degradations must be visible in logs and metrics, never silent.
	out, res, rw := rewriteDoc(t,
		`<html><body><img src="javascript:void(0)"><link rel="stylesheet" href="ftp://x/s.css"><img src=""></body></html>`,
		"https://example.com/")
	if !strings.Contains(out, `src="javascript:void(0)"`) {
		t.Fatalf("raw value must be kept: %s", out)
	}
	if strings.Contains(out, "ftp://") {
		t.Fatalf("unfetchable stylesheet link must be removed: %s", out)
	}
	if rw.Degraded() != 2 {
		t.Fatalf("degraded = %d, want 2", rw.Degraded())
	}
	if len(res.Stylesheets) != 0 || len(rw.Assets()) != 0 {
		t.Fatalf("nothing should be recorded: %+v %v", res.Stylesheets, rw.Assets())
	}
}

func TestSrcset_PreservesShape(t *testing.T) {
	// WHAT: only URL substrings change; candidate count, descriptors and separators survive.
	// WHY: responsive images pick candidates by descriptor.
	rw := New(testID, quietLogger())
	base := "https://example.com/img/"
	p := func(s string) string { return AssetPath(testID, "https://example.com/img/"+s) }

	tests := []struct{ in, want string }{
		{"a.png 1x, b.png 2x", p("a.png") + " 1x, " + p("b.png") + " 2x"},
		{"a.png 100w,b.png 200w", p("a.png") + " 100w," + p("b.png") + " 200w"},
		{"  a.png  1.5x  ,\n b.png 2x ", "  " + p("a.png") + "  1.5x  ,\n " + p("b.png") + " 2x "},
		{"a.png, b.png 2x", p("a.png") + ", " + p("b.png") + " 2x"},
		{"data:image/png;base64,AA,BB 1x, b.png 2x", "data:image/png;base64,AA,BB 1x, " + p("b.png") + " 2x"},
		{"single.png", p("single.png")},
	}
	for _, tt := range tests {
		got := rw.Srcset(tt.in, base)
		if got != tt.want {
			t.Errorf("Srcset(%q)\n got %q\nwant %q", tt.in, got, tt.want)
		}
		if a, b := len(srcsetURLs(tt.in)), len(srcsetURLs(got)); a != b {
			t.Errorf("candidate count changed: %d -> %d", a, b)
		}
	}
}

func TestSrcset_CommaWithoutSpaceIsOneCandidate(t *testing.T) {
	// WHAT: "a.png,b.png" is a single candidate whose URL contains a comma.
	// WHY: that is how browsers split srcset; rewriting it as two candidates
	// would point the snapshot at images the page never showed.
	rw := New(testID, quietLogger())
	base := "https://example.com/img/"
	in := "a.png,b.png 2x"
	want := AssetPath(testID, "https://example.com/img/a.png,b.png") + " 2x"
	if got := rw.Srcset(in, base); got != want {
		t.Fatalf("Srcset(%q)\n got %q\nwant %q", in, got, want)
	}
	if n := len(srcsetURLs(in)); n != 1 {
		t.Fatalf("candidates = %d, want 1", n)
	}
}

func TestCSS(t *testing.T) {
	rw := New(testID, quietLogger())
	base := "https://example.com/css/s.css"
	p := func(s string) string { return AssetPath(testID, s) }

	tests := []struct{ in, want string }{
		{".a{background:url(bg.png)}", ".a{background:url(" + p("https://example.com/css/bg.png") + ")}"},
		{`.b{background:url("x.png") no-repeat}`, `.b{background:url("` + p("https://example.com/css/x.png") + `") no-repeat}`},
		{`.c{src:url( '/f.woff2' ) format("woff2")}`, `.c{src:url( '` + p("https://example.com/f.woff2") + `' ) format("woff2")}`},
		{`.d{mask:URL(m.svg)}`, `.d{mask:URL(` + p("https://example.com/css/m.svg") + `)}`},
		{`.e{fill:url(#grad)}`, `.e{fill:url(#grad)}`},
		{`.f{background:url(data:image/png;base64,AAA=)}`, `.f{background:url(data:image/png;base64,AAA=)}`},
		{`.g{background:url()}`, `.g{background:url()}`},
		{`@import "print.css" print;`, `@import "` + p("https://example.com/css/print.css") + `" print;`},
		{`@import url(../base.css);`, `@import url(` + p("https://example.com/base.css") + `);`},
		{`.h{color:red}`, `.h{color:red}`},
		{`.i{background:image-set("a.png" 1x, 'b.png' 2x)}`, `.i{background:image-set("` + p("https://example.com/css/a.png") + `" 1x, '` + p("https://example.com/css/b.png") + `' 2x)}`},
		{`.j{background:-webkit-image-set(url("c.png") 1x, "d.png" type("image/png") 2x)}`, `.j{background:-webkit-image-set(url("` + p("https://example.com/css/c.png") + `") 1x, "` + p("https://example.com/css/d.png") + `" type("image/png") 2x)}`},
		{`.k{content:"e.png"}`, `.k{content:"e.png"}`},
	}
	for _, tt := range tests {
		if got := rw.CSS(tt.in, base); got != tt.want {
			t.Errorf("CSS(%q)\n got %q\nwant %q", tt.in, got, tt.want)
		}
	}
}

func TestTitle(t *testing.T) {
	doc, _ := html.Parse(strings.NewReader(`<html><head><title>  A &amp; B <b>x</b>
	 </title></head><body><svg><title>icon</title></svg></body></html>`))
	if got := Title(doc); got != "A & B x" {
		t.Fatalf("Title = %q", got)
	}
	doc, _ = html.Parse(strings.NewReader(`<p>no title</p>`))
	if got := Title(doc); got != "" {
		t.Fatalf("Title = %q", got)
	}
	doc, _ = html.Parse(strings.NewReader(`<title>` + strings.Repeat("é", 400) + `</title>`))
	if got := []rune(Title(doc)); len(got) != maxTitle {
		t.Fatalf("title runes = %d", len(got))
	}
}
