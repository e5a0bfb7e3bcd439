package fsdispatch

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// defaultIgnorePatterns is the built-in set always applied in addition to
// user-configured patterns, per spec.md §4.8: VCS directories and common
// build caches.
var defaultIgnorePatterns = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"target/",
	"dist/",
	"build/",
	".cache/",
}

// emacsAutoSave matches Emacs's `#...#` auto-save convention, which is
// always ignored regardless of configuration.
var emacsAutoSave = regexp.MustCompile(`^#.*#$`)

// Matcher decides whether a path relative to the watch root should be
// ignored, per spec.md §4.8's three pattern forms.
type Matcher struct {
	patterns []string
}

// NewMatcher builds a Matcher from user-configured patterns; the built-in
// default set is always appended.
func NewMatcher(userPatterns []string) *Matcher {
	all := make([]string, 0, len(userPatterns)+len(defaultIgnorePatterns))
	all = append(all, userPatterns...)
	all = append(all, defaultIgnorePatterns...)
	return &Matcher{patterns: all}
}

// MatchesPath reports whether relPath (slash-separated, relative to the
// watch root) should be ignored.
func (m *Matcher) MatchesPath(relPath string) bool {
	base := path.Base(relPath)
	if emacsAutoSave.MatchString(base) {
		return true
	}

	for _, pat := range m.patterns {
		if matchesOne(relPath, base, pat) {
			return true
		}
	}
	return false
}

// MatchesDir reports whether the directory at relPath should have its
// recursive walk suppressed. Directory-suffix patterns (`X/`) apply here
// exactly as they do to files; glob patterns are evaluated the same way
// MatchesPath evaluates them.
func (m *Matcher) MatchesDir(relPath string) bool {
	return m.MatchesPath(relPath)
}

func matchesOne(relPath, base, pattern string) bool {
	if strings.HasSuffix(pattern, "/") {
		dirName := strings.TrimSuffix(pattern, "/")
		return matchesDirComponent(relPath, dirName)
	}

	if ok, _ := filepath.Match(pattern, base); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, relPath); ok {
		return true
	}
	return false
}

// matchesDirComponent implements the `X/` directory-suffix semantics:
// matches the directory X itself, paths starting with `X/`, and any path
// containing `/X/` as a component.
func matchesDirComponent(relPath, dirName string) bool {
	if relPath == dirName {
		return true
	}
	if strings.HasPrefix(relPath, dirName+"/") {
		return true
	}
	if strings.Contains(relPath, "/"+dirName+"/") {
		return true
	}
	return false
}
