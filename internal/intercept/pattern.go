package intercept

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// RegexpPrefix marks a URL pattern as a regular expression, e.g. "re:/api/events/\d+$".
const RegexpPrefix = "re:"

// PatternKind says how a URL pattern is interpreted.
type PatternKind int

const (
	PatternExact PatternKind = iota
	PatternGlob
	PatternRegexp
)

func (k PatternKind) String() string {
	switch k {
	case PatternGlob:
		return "glob"
	case PatternRegexp:
		return "regexp"
	default:
		return "exact"
	}
}

// Pattern is a compiled URL pattern.
type Pattern struct {
	raw  string
	kind PatternKind
	re   *regexp.Regexp
}

// Regexp builds a regular-expression pattern string.
func Regexp(expr string) string {
	return RegexpPrefix + expr
}

// CompilePattern parses a URL pattern.
//
// Globs use "**" for any run of characters, "*" for a run without "/" and
// "?" for a single non-"/" character. They are matched against the whole
// URL, and again against the URL without its query string. Patterns that
// start with "re:" are regular expressions matched anywhere in the URL.
// Anything else must equal the URL, or its path when the pattern starts with "/".
func CompilePattern(raw string) (*Pattern, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("url pattern is empty")
	}

	if expr, ok := strings.CutPrefix(raw, RegexpPrefix); ok {
		if expr == "" {
			return nil, fmt.Errorf("regexp pattern %q is empty", raw)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("url pattern %q does not compile: %w", raw, err)
		}
		return &Pattern{raw: raw, kind: PatternRegexp, re: re}, nil
	}

	if strings.ContainsAny(raw, "*?") {
		re, err := regexp.Compile(globToRegexp(raw))
		if err != nil {
			return nil, fmt.Errorf("url pattern %q does not compile: %w", raw, err)
		}
		return &Pattern{raw: raw, kind: PatternGlob, re: re}, nil
	}

	return &Pattern{raw: raw, kind: PatternExact}, nil
}

func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// String returns the pattern as written.
func (p *Pattern) String() string {
	return p.raw
}

// Kind returns how the pattern is interpreted.
func (p *Pattern) Kind() PatternKind {
	return p.kind
}

// Match reports whether rawURL matches the pattern.
func (p *Pattern) Match(rawURL string) bool {
	switch p.kind {
	case PatternRegexp:
		return p.re.MatchString(rawURL)
	case PatternGlob:
		if p.re.MatchString(rawURL) {
			return true
		}
		stripped := stripQuery(rawURL)
		return stripped != rawURL && p.re.MatchString(stripped)
	default:
		if rawURL == p.raw {
			return true
		}
		if !strings.HasPrefix(p.raw, "/") {
			return false
		}
		u, err := url.Parse(rawURL)
		if err != nil {
			return false
		}
		return u.Path == p.raw
	}
}

func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
