package rewrite

import "strings"

// rewriteSrcset rewrites every candidate URL of a srcset value with fn and
// leaves everything else byte-identical: separators, whitespace and
// descriptors. URLs are split the way browsers split them: a candidate URL is
// a run of non-whitespace with trailing commas removed, and its descriptors
// run up to the next comma outside parentheses. data: URLs may contain
// commas and survive intact.
func rewriteSrcset(v string, fn func(string) string) string {
	var out strings.Builder
	out.Grow(len(v) * 2)
	i := 0
	for i < len(v) {
		start := i
		for i < len(v) && (isSpace(v[i]) || v[i] == ',') {
			i++
		}
		out.WriteString(v[start:i])
		if i >= len(v) {
			break
		}

		us := i
		for i < len(v) && !isSpace(v[i]) {
			i++
		}
		raw := v[us:i]
		j := len(raw)
		for j > 0 && raw[j-1] == ',' {
			j--
		}
		out.WriteString(fn(raw[:j]))
		if j < len(raw) {
			// "a.png," has no descriptors; the commas end the candidate.
			out.WriteString(raw[j:])
			continue
		}

		ds := i
		depth := 0
	descriptors:
		for i < len(v) {
			switch v[i] {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			case ',':
				if depth == 0 {
					break descriptors
				}
			}
			i++
		}
		out.WriteString(v[ds:i])
	}
	return out.String()
}

// srcsetURLs returns the candidate URLs of a srcset value, in order.
func srcsetURLs(v string) []string {
	var urls []string
	rewriteSrcset(v, func(u string) string {
		urls = append(urls, u)
		return u
	})
	return urls
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
