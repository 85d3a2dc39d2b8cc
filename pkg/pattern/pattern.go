// Package pattern compiles the path patterns used in configuration.
//
// Syntax:
//
//   - no prefix:  case-insensitive exact match ("/robots.txt")
//   - contains *: case-insensitive wildcard, * spans any characters ("*.css", "/assets/*")
//   - ~ prefix:   case-sensitive regular expression ("~\.js$")
//   - ~* prefix:  case-insensitive regular expression ("~*\.(png|jpe?g)$")
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// PatternType defines the type of pattern matching
type PatternType int

const (
	PatternTypeExact PatternType = iota
	PatternTypeWildcard
	PatternTypeRegexp
)

func (t PatternType) String() string {
	switch t {
	case PatternTypeExact:
		return "exact"
	case PatternTypeWildcard:
		return "wildcard"
	case PatternTypeRegexp:
		return "regexp"
	default:
		return "unknown"
	}
}

// Pattern is a compiled pattern ready for matching
type Pattern struct {
	Original string
	Type     PatternType

	body string
	re   *regexp.Regexp
}

// Compile parses and pre-compiles a pattern. Call once at config load.
func Compile(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	p := &Pattern{Original: raw}

	switch {
	case strings.HasPrefix(raw, "~*"):
		p.Type = PatternTypeRegexp
		p.body = raw[2:]
		re, err := regexp.Compile("(?i)" + p.body)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern '%s': %w", raw, err)
		}
		p.re = re
	case strings.HasPrefix(raw, "~"):
		p.Type = PatternTypeRegexp
		p.body = raw[1:]
		re, err := regexp.Compile(p.body)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern '%s': %w", raw, err)
		}
		p.re = re
	case strings.Contains(raw, "*"):
		p.Type = PatternTypeWildcard
		p.body = strings.ToLower(raw)
	default:
		p.Type = PatternTypeExact
		p.body = raw
	}

	return p, nil
}

// MustCompile is like Compile but panics on error. Intended for package-level defaults.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether input matches the pattern. A nil pattern matches nothing.
func (p *Pattern) Match(input string) bool {
	if p == nil {
		return false
	}

	switch p.Type {
	case PatternTypeRegexp:
		return p.re.MatchString(input)
	case PatternTypeWildcard:
		return MatchWildcard(strings.ToLower(input), p.body)
	default:
		return strings.EqualFold(input, p.body)
	}
}

func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	return p.Original
}

// MatchWildcard matches text against a pattern where * spans any run of characters, including "/".
// Matching is case-sensitive; callers lower-case both sides when they need otherwise.
func MatchWildcard(text, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return text == pattern
	}

	if !strings.HasPrefix(text, parts[0]) {
		return false
	}
	text = text[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(text, last) {
		return false
	}
	text = text[:len(text)-len(last)]

	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(text, part)
		if idx < 0 {
			return false
		}
		text = text[idx+len(part):]
	}

	return true
}
