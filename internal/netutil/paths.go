package netutil

import (
	"path/filepath"
	"regexp"
	"strings"
)

// IsSubPath reports whether child is lexically contained in parent after
// both are made absolute. A path is considered contained in itself.
func IsSubPath(child, parent string) bool {
	absChild, err := filepath.Abs(child)
	if err != nil {
		return false
	}
	absParent, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absParent, absChild)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename replaces every run of characters outside [A-Za-z0-9._-]
// with a single underscore.
func SanitizeFilename(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(name, "_")
	if s == "" {
		return "_"
	}
	return s
}
