package adapter

import (
	"regexp"
	"strings"
)

// CompilePattern turns a Redis style glob (* ? [set] [^set] and \ escapes)
// into an anchored regular expression. Stores and caches that cannot push a
// pattern down to the server match keys with it.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			b.WriteString("(?s:.*)")
		case '?':
			b.WriteString("(?s:.)")
		case '\\':
			if i+1 < len(runes) {
				i++
				b.WriteString(regexp.QuoteMeta(string(runes[i])))
			} else {
				b.WriteString(`\\`)
			}
		case '[':
			end := i + 1
			for end < len(runes) && runes[end] != ']' {
				end++
			}
			if end >= len(runes) {
				b.WriteString(`\[`)
				continue
			}
			class := runes[i+1 : end]
			b.WriteString("[")
			for j, c := range class {
				switch {
				case j == 0 && c == '^':
					b.WriteRune('^')
				case c == '\\' || c == '[' || c == ']':
					b.WriteRune('\\')
					b.WriteRune(c)
				default:
					b.WriteRune(c)
				}
			}
			b.WriteString("]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// likePrefix returns the literal prefix of a glob, usable to narrow SQL scans.
func likePrefix(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		if r == '*' || r == '?' || r == '[' || r == '\\' {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}
