package storage

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NewObjectKey returns a unique key that keeps the upload's base name for
// readability.
func NewObjectKey(filename string) string {
	base := strings.TrimSpace(filepath.Base(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "upload.pdf"
	}
	return uuid.NewString() + "_" + base
}

// ValidKey reports whether key names a single object without path segments.
func ValidKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, `/\`)
}
