package sandbox

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExcludes are left out of snapshots and ignored by the watcher.
func DefaultExcludes() []string {
	return []string{
		".git",
		"**/node_modules",
		".pnpm-store",
		"dist",
		"build",
		".cache",
		".next",
		".turbo",
		"coverage",
	}
}

// Ignored reports whether the slash-separated relative path, or any of its
// parent directories, matches one of the glob patterns.
func Ignored(patterns []string, rel string) bool {
	rel = strings.Trim(path.Clean("/"+rel), "/")
	if rel == "" || len(patterns) == 0 {
		return false
	}
	for candidate := rel; candidate != "." && candidate != ""; candidate = path.Dir(candidate) {
		for _, pattern := range patterns {
			if ok, err := doublestar.Match(pattern, candidate); err == nil && ok {
				return true
			}
		}
	}
	return false
}
