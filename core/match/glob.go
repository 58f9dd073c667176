// Package match holds the path matching capabilities: glob lists used to
// classify binary and ignored files, and the collation used for path keys.
package match

import (
	"errors"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// ErrInvalidPattern is returned when a glob pattern fails to compile.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// Matcher tests paths against a list of glob patterns. A pattern without a
// slash is also tried against the final path element, so "*.png" matches
// "img/logo.png".
type Matcher struct {
	patterns []string
	full     []glob.Glob
	base     []glob.Glob
}

// NewMatcher compiles patterns. Empty entries are skipped.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		m.patterns = append(m.patterns, p)
		if strings.Contains(p, "/") {
			m.full = append(m.full, g)
		} else {
			m.base = append(m.base, g)
		}
	}
	return m, nil
}

// ParseList splits a setting value on commas and whitespace.
func ParseList(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
}

// Matches reports whether name matches any pattern. A nil or empty matcher
// matches nothing.
func (m *Matcher) Matches(name string) bool {
	if m == nil {
		return false
	}
	for _, g := range m.full {
		if g.Match(name) {
			return true
		}
	}
	if len(m.base) == 0 {
		return false
	}
	base := path.Base(name)
	for _, g := range m.base {
		if g.Match(name) || g.Match(base) {
			return true
		}
	}
	return false
}

func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

func (m *Matcher) Empty() bool {
	return m == nil || len(m.patterns) == 0
}
