package match

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// tableGlob is a compiled table-name glob.
//
// Most routing globs start with a literal stem ("temp_*", "cpu_{a,b}"), so
// the stem is checked before handing the name to doublestar. A pattern with
// no unescaped metacharacters compares by equality.
type tableGlob struct {
	pattern string
	prefix  string
	literal bool
}

func compileGlob(pattern string) (*tableGlob, bool) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, false
	}
	idx := firstUnescapedMeta(pattern)
	if idx == -1 {
		return &tableGlob{pattern: pattern, prefix: unescape(pattern), literal: true}, true
	}
	return &tableGlob{pattern: pattern, prefix: unescape(pattern[:idx])}, true
}

func (g *tableGlob) match(name string) bool {
	if g.literal {
		return name == g.prefix
	}
	if !strings.HasPrefix(name, g.prefix) {
		return false
	}
	matched, err := doublestar.Match(g.pattern, name)
	// Pattern was validated at construction time.
	return err == nil && matched
}

// firstUnescapedMeta returns the index of the first unescaped glob
// metacharacter (* ? [ {) in pattern, or -1.
func firstUnescapedMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			switch pattern[i+1] {
			case '*', '?', '[', '{', '\\':
				i++
			}
			continue
		}
		if c == '*' || c == '?' || c == '[' || c == '{' {
			return i
		}
	}
	return -1
}

// unescape drops the backslash in front of escaped glob characters, turning
// a pattern stem into the literal text it matches.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			switch next := s[i+1]; next {
			case '*', '?', '[', ']', '{', '}', '\\':
				b.WriteByte(next)
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
