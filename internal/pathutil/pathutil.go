// Package pathutil holds path checks shared by archive extraction and the
// bundle repository.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// HasDotSegments reports whether any slash-separated segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Within reports whether target lies strictly below root after cleaning.
// root itself is not within root.
func Within(root, target string) bool {
	r := filepath.Clean(root)
	t := filepath.Clean(target)
	if t == r {
		return false
	}
	return strings.HasPrefix(t+string(os.PathSeparator), r+string(os.PathSeparator))
}
