package vision

import (
	"encoding/base64"
	"fmt"
	"os"
)

// EncodePages reads page images in order and returns them base64-encoded.
func EncodePages(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no page images")
	}
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read page image %s: %w", path, err)
		}
		out = append(out, base64.StdEncoding.EncodeToString(raw))
	}
	return out, nil
}

// DataURL wraps an encoded PNG for chat APIs that take image URLs.
func DataURL(encodedPNG string) string {
	return "data:image/png;base64," + encodedPNG
}
