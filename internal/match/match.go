// Package match compiles removal patterns and applies them to container
// paths. Matching is glob-based over the full slash path and over the
// basename, so "*.desktop" hits a file anywhere in the tree while
// "usr/share/doc/*" stays anchored.
package match

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// Set is a compiled group of removal patterns.
type Set struct {
	patterns []string
	globs    []glob.Glob
}

// Compile builds a Set from the given patterns. An invalid pattern is an
// error up front, not at match time.
func Compile(patterns []string) (*Set, error) {
	s := &Set{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid removal pattern %q: %v", p, err)
		}
		s.globs = append(s.globs, g)
	}
	return s, nil
}

// Empty reports whether the set has no patterns.
func (s *Set) Empty() bool {
	return len(s.globs) == 0
}

// Match reports whether the slash-separated relative path matches any
// pattern, either by full path, by basename, or by plain substring.
func (s *Set) Match(rel string) bool {
	rel = strings.TrimPrefix(rel, "/")
	base := path.Base(rel)
	for i, g := range s.globs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
		if strings.Contains(rel, s.patterns[i]) {
			return true
		}
	}
	return false
}

// MatchAny reports whether any of the given paths matches the set.
func (s *Set) MatchAny(rels []string) (string, bool) {
	for _, rel := range rels {
		if s.Match(rel) {
			return rel, true
		}
	}
	return "", false
}
