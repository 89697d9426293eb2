package rewrite

import (
	"regexp"
	"strings"
)

var (
	cssURLRe    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)"'\s][^)\s]*))?\s*\)`)
	cssImportRe = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)

	// image-set() accepts bare strings as well as url() tokens.
	cssImageSetRe = regexp.MustCompile(`(?i)(?:-webkit-)?image-set\(`)
	cssStringRe   = regexp.MustCompile(`(?i)((?:url|type)\(\s*)?(?:"([^"]*)"|'([^']*)')`)
)

// CSS rewrites every url(...) token, every @import string and every bare
// image-set() string in css against base. Only the reference itself is replaced: quotes, whitespace and the
// rest of the declaration stay byte-identical. data:, fragment-only and
// unresolvable references are left as they are.
func (rw *Rewriter) CSS(css, base string) string {
	css = rw.imageSets(css, base)
	css = replaceRefs(cssURLRe, css, func(raw string) string {
		return rw.ref(raw, base, "css", "url")
	})
	return replaceRefs(cssImportRe, css, func(raw string) string {
		return rw.ref(raw, base, "css", "@import")
	})
}

// replaceRefs calls fn on the reference captured by whichever group of re
// matched and splices the result back in place.
func replaceRefs(re *regexp.Regexp, s string, fn func(string) string) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(matches)*48)
	last := 0
	for _, m := range matches {
		for g := 2; g+1 < len(m); g += 2 {
			if m[g] < 0 {
				continue
			}
			raw := s[m[g]:m[g+1]]
			if strings.TrimSpace(raw) != "" {
				b.WriteString(s[last:m[g]])
				b.WriteString(fn(raw))
				last = m[g+1]
			}
			break
		}
	}
	b.WriteString(s[last:])
	return b.String()
}

// imageSets rewrites the quoted strings of each image-set() argument list.
// Quoted url() arguments are left to the url() pass; type() strings are MIME
// types, not references.
func (rw *Rewriter) imageSets(css, base string) string {
	locs := cssImageSetRe.FindAllStringIndex(css, -1)
	if len(locs) == 0 {
		return css
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		if loc[0] < last {
			continue
		}
		end := closingParen(css, loc[1])
		b.WriteString(css[last:loc[1]])
		b.WriteString(rw.bareStrings(css[loc[1]:end], base))
		last = end
	}
	b.WriteString(css[last:])
	return b.String()
}

func (rw *Rewriter) bareStrings(args, base string) string {
	matches := cssStringRe.FindAllStringSubmatchIndex(args, -1)
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m[2] >= 0 {
			continue
		}
		g := 4
		if m[g] < 0 {
			g = 6
		}
		raw := args[m[g]:m[g+1]]
		if strings.TrimSpace(raw) == "" {
			continue
		}
		b.WriteString(args[last:m[g]])
		b.WriteString(rw.ref(raw, base, "css", "image-set"))
		last = m[g+1]
	}
	b.WriteString(args[last:])
	return b.String()
}

// closingParen returns the index of the parenthesis closing the group that
// starts at i, or len(s) when it is unbalanced. Quoted strings are skipped.
func closingParen(s string, i int) int {
	depth := 1
	var quote byte
	for ; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(s)
}
