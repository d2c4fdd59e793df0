package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolveWithin resolves path against base and rejects results outside base.
// Relative paths are joined to base; absolute paths must already lie inside it.
//
//	full, err := ResolveWithin("/srv/images", "albums/cover.jpg")
func ResolveWithin(base, path string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	full := filepath.Clean(path)
	if !filepath.IsAbs(full) {
		full = filepath.Join(cleanBase, full)
	}
	if full != cleanBase && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes base directory %s", path, base)
	}
	return full, nil
}
