// Package glob implements slash-separated path matching with support for the
// `**` wildcard crossing directory boundaries. It is used by rule `changes:`
// filters and by artifact path collection.
package glob

import (
	"fmt"
	"path"
	"strings"
)

// Validate reports whether pattern is syntactically valid.
func Validate(pattern string) error {
	for _, seg := range strings.Split(pattern, "/") {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("bad glob %q: %w", pattern, err)
		}
	}
	return nil
}

// Match reports whether name matches pattern. Within a segment the usual
// path.Match syntax applies (`*`, `?`, character classes); a segment that is
// exactly `**` matches zero or more whole segments.
func Match(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

// MatchAny reports whether name matches at least one of the patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			// Try consuming zero or more name segments.
			for i := 0; i <= len(name); i++ {
				if matchSegments(pattern[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		name = name[1:]
	}
	return len(name) == 0
}
