package rewrite

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxTitle = 300

var titlePolicy = bluemonday.StrictPolicy()

// Title returns the document's <title> as plain text: markup stripped,
// whitespace collapsed, at most 300 runes. Empty when the document has none.
func Title(doc *nethtml.Node) string {
	var t *nethtml.Node
	walk(doc, func(n *nethtml.Node) bool {
		if t != nil {
			return false
		}
		if n.Type == nethtml.ElementNode && n.DataAtom == atom.Title && n.Namespace == "" {
			t = n
			return false
		}
		return true
	})
	if t == nil {
		return ""
	}
	var sb strings.Builder
	for c := t.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == nethtml.TextNode {
			sb.WriteString(c.Data)
		}
	}
	s := html.UnescapeString(titlePolicy.Sanitize(sb.String()))
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxTitle {
		r := []rune(s)
		s = string(r[:maxTitle])
	}
	return s
}
