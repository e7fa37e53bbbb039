// Package attribution maps script URLs to configured entities and sums their CPU cost.
package attribution

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// PatternKind tags how a compiled pattern is evaluated.
type PatternKind int

// Pattern kinds.
const (
	// HostnameSuffix matches a hostname ending with the pattern (leading "*").
	HostnameSuffix PatternKind = iota
	// HostnameExact matches the whole hostname.
	HostnameExact
	// PathGlob matches anywhere in the full URL (pattern contains "/").
	PathGlob
)

func (k PatternKind) String() string {
	switch k {
	case HostnameSuffix:
		return "hostname_suffix"
	case HostnameExact:
		return "hostname_exact"
	case PathGlob:
		return "path_glob"
	default:
		return "unknown"
	}
}

// Pattern is a glob compiled once at configuration time.
type Pattern struct {
	Raw  string
	Kind PatternKind
	g    glob.Glob
}

// CompilePattern classifies a pattern and compiles it. Only "*" is a wildcard;
// every other character matches literally.
func CompilePattern(raw string) (Pattern, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	p := Pattern{Raw: trimmed}
	expr := quoteGlob(trimmed)
	switch {
	case strings.Contains(trimmed, "/"):
		p.Kind = PathGlob
		expr = "*" + expr + "*"
	case strings.HasPrefix(trimmed, "*"):
		p.Kind = HostnameSuffix
		expr = strings.ToLower(expr)
	default:
		p.Kind = HostnameExact
		expr = strings.ToLower(expr)
	}
	g, err := glob.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", trimmed, err)
	}
	p.g = g
	return p, nil
}

// Match reports whether the script URL matches the pattern. host must be lowercase.
func (p Pattern) Match(scriptURL string, host string) bool {
	if p.g == nil {
		return false
	}
	switch p.Kind {
	case PathGlob:
		return p.g.Match(scriptURL)
	case HostnameSuffix, HostnameExact:
		return p.g.Match(host)
	default:
		return false
	}
}

func quoteGlob(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	return strings.Join(parts, "*")
}

func hostname(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}
