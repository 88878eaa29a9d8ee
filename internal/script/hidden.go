//go:build !windows

package script

import (
	"path/filepath"
	"strings"
)

// IsHidden reports whether the final element of path starts with a dot.
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
