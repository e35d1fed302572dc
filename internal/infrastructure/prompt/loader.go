package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed default.txt
var defaultPrompt string

// UserInstruction accompanies the page images in every model request.
const UserInstruction = "Segui istruzioni come specificato nel prompt."

// Load returns the diagnostic prompt at path, or the built-in prompt when
// path is empty.
func Load(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return strings.TrimSpace(defaultPrompt), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", fmt.Errorf("prompt %s is empty", path)
	}
	return text, nil
}
