package engine

import (
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Patterns for artifacts that must never be synchronized: office suite lock
// sentinels, partial downloads and OS droppings.
var defaultIgnorePatterns = []string{
	// editor lock/temp sentinels
	"**/~$*",
	"**/.~lock.*",
	"**/*.swp",
	"*.tmp",
	"*.part",
	"*.crdownload",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"Icon\r",
	// own metadata
	".nxdrive/",
}

// IgnoreList matches paths against gitignore-style patterns. Unlike the
// filter table, which holds user-chosen subtree exclusions, this list is
// pattern-based and built in.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

// NewIgnoreList compiles the built-in patterns plus any extra lines.
func NewIgnoreList(extra ...string) *IgnoreList {
	lines := append([]string{}, defaultIgnorePatterns...)
	lines = append(lines, extra...)
	return &IgnoreList{ignore: gitignore.CompileIgnoreLines(lines...)}
}

// ShouldIgnore reports whether a canonical sync-tree path matches an ignore
// pattern.
func (l *IgnoreList) ShouldIgnore(path string) bool {
	return l.ignore.MatchesPath(strings.TrimPrefix(path, "/"))
}
